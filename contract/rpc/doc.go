/*
Package rpc holds the transport-neutral contracts shared by service clients and
pattern dispatchers: typed pattern descriptors, the pattern registry, request and
reply envelopes, and the Transport interface every broker adapter implements.
*/
package rpc
