/*
Package exchange moves task data directly between workers.

Gather pulls the values of a set of keys from the workers believed to hold
them, retrying against other replicas when a peer is unreachable or has lost
a key, and reports what could not be obtained instead of failing.

Scatter pushes new data out to workers round-robin, giving each worker as
many slots in the rotation as it has threads. The rotation offset lives in a
Scatterer so repeated scatters from one client keep spreading load.
*/
package exchange
