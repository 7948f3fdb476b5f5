// Package rabbitmq implements the connection and channel lifecycle engine
// underneath the rabbitstore surface.
//
// This package includes:
//   - ConnectionSupervisor: lazily creates one broker connection and rebuilds
//     it after failure with exponential backoff
//   - ChannelPool: multiplexes short-lived operations over reusable channels,
//     evicting dead ones and enforcing a channel cap
//   - NamedChannelRegistry: dedicated, addressable long-lived channels
//   - ConsumeLoop: a blocking consume state machine that survives broker
//     restarts until explicitly stopped
//
// The wire client (amqp091-go) sits behind the narrow Connection and Channel
// interfaces so the recovery logic is testable against an in-memory broker.
// Channels are never shared for concurrent operations; exclusivity while
// borrowed is the pool's invariant, and a channel never outlives its
// connection.
package rabbitmq
