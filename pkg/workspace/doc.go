/*
Package workspace manages the scratch directories a nanny hands to its
worker processes.

Every worker process gets its own fresh directory under a shared base
path, so a restarted worker never sees the files of its predecessor:

	<base>/
	├── worker-5d0c.../      current worker
	│   └── .owner           pid of the owning nanny
	└── worker-a81f.../      left by a nanny that died

Directories carry the pid of the process that created them. Purge removes
directories whose owner is no longer running, which cleans up after
nannies that were killed before they could tidy up. Directories without an
owner file are left alone.

Delete only ever removes paths below the base, and removing a directory
that is already gone is not an error.
*/
package workspace
