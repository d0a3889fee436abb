/*
Package rabbitmq implements rpc.Transport on RabbitMQ.
Queues are declared on and published through the default exchange; AMQP
correlation-id and reply-to properties carry the request envelope fields.
Reply queues are server-named, exclusive and auto-deleting. Connecting retries
with exponential backoff, but a transport never reconnects after it is lost.
*/
package rabbitmq
