// Package client talks to the vault server.
//
// Client is the transport-agnostic contract used by the sync engine and the
// CLI: authentication, liveness probing, record writes, the per-user change
// stream and presigned blob uploads. GRPCClient implements it over gRPC with
// protobuf messages. It injects the access token and device name into every
// call and transparently refreshes an expired access token once.
//
// # Errors
//
// Transport failures are mapped to sentinels matched with errors.Is:
// ErrUnavailable and ErrServer are transient (IsTransient reports true and
// the retry executor tries again), while ErrUnauthorized, ErrNotFound,
// ErrInvalid and ErrAlreadyExists are surfaced without retrying.
package client
