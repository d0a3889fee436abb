/*
Package servicebus carries typed calls between services over a message broker.

A Client turns a call into a request message tagged with a pattern name and a
fresh correlation id, then waits for the reply with the same id on its private
reply queue. A Dispatcher consumes a service's durable queue, resolves the
pattern to the handler bound at startup, runs it and publishes the result (or
a failure description) to the reply queue named by the request.

Both sides are decoupled from concrete brokers through rpc.Transport.
*/
package servicebus
