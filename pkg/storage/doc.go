/*
Package storage holds the data a worker has computed or been sent.

Two implementations share the Store interface. MemoryStore is the default and
keeps values in a map. BoltStore writes them to a bbolt database in the
worker's working directory:

	<worker dir>/data.db
	  bucket "data": task key -> serialized value

Values are opaque bytes; the store never decodes them. bbolt returns its own
memory-mapped pages from Get, so BoltStore copies values before the read
transaction ends.

Because the nanny hands every worker process a fresh directory and removes
old ones, a BoltStore never outlives the process that created it.
*/
package storage
