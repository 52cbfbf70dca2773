// Package txnclient implements the client-side transaction proxy core for a
// GojoDB shard: the state machine that turns user transaction operations
// into a stream of requests against one backend shard and that mediates
// handing an in-flight transaction off to a successor proxy when the
// underlying shard connection is reconnected (e.g. after a raft leader
// failover in core/replication/raft_consensus).
//
// The package does not talk to the network itself. Transport, shard leader
// discovery and the backend actor mailbox live elsewhere in this module
// (core/replication, pkg/connection, cmd/gojodb_gateway); txnclient is
// wired to those collaborators through the Parent and BackendAdapter seams
// defined here.
package txnclient
