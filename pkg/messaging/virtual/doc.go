// Package virtual implements the virtual transport engine: in-process
// broker emulation that gives backends lacking native exchange/binding
// semantics (Redis, SQS, a local filesystem, in-process memory, and more)
// full AMQP 0-9-1-style routing, channel, QoS, and scheduling behavior.
//
// A Transport owns a BrokerState (the exchange/binding/queue registries), a
// set of Channels, and a Scheduler that polls active queues across those
// channels. Concrete backends implement the Backend interface in backend.go
// and live in their own sub-packages under virtual/backends.
//
// This package has no dependency on any specific wire protocol or network
// client; besides the standard library and this module's ambient
// pkg/errors, pkg/logger, and pkg/concurrency packages it imports only
// github.com/google/uuid and golang.org/x/sync/errgroup.
package virtual
