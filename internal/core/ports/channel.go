package ports

import (
	"context"

	"mediconnect/internal/core/domain"
)

// IncomingNegotiation is one inbound connection request. The receiver must
// either Answer with its local media or Reject; doing neither leaves the
// remote side to time out.
type IncomingNegotiation interface {
	From() domain.PeerAddress
	Answer(local *domain.MediaEndpoint) error
	Reject() error
}

// ChannelHandlers are the callbacks a SignalingChannel invokes. All of them
// may fire from transport goroutines at any time; consumers are expected to
// serialize them through their own event loop.
type ChannelHandlers struct {
	OnIncomingNegotiation func(req IncomingNegotiation)
	OnRemoteMedia         func(remote *domain.RemoteMedia)
	OnNegotiationFailed   func(err error)
	OnPeerGone            func(addr domain.PeerAddress)
	OnDisconnected        func()
	OnReconnected         func()
}

// SignalingChannel delivers negotiation messages between exactly two
// participants. Two implementations exist: a broker-mediated transport where
// offer/answer framing is opaque to the caller, and a raw relay transport
// where the application exchanges explicit offer/answer/candidate events.
// Both expose identical semantics; the call engine is written against this
// contract only.
type SignalingChannel interface {
	// Open establishes the channel under the given identity and returns the
	// signaling address the transport assigned (or confirmed). Bounded by the
	// configured open timeout.
	Open(ctx context.Context, identity domain.Participant) (domain.PeerAddress, error)

	// SendNegotiation starts a negotiation toward target, attaching the local
	// media. Best effort: delivery failures surface asynchronously through
	// OnNegotiationFailed. Sending while the transport is disconnected fails
	// immediately with domain.ErrChannelDisconnected.
	SendNegotiation(target domain.PeerAddress, local *domain.MediaEndpoint) error

	// CancelNegotiation tears down any in-flight negotiation state at the
	// transport level. Must be called before retrying to avoid duplicate
	// channel state.
	CancelNegotiation() error

	// Close releases transport resources. Idempotent, safe from any state.
	Close() error
}

// ChannelFactory builds a SignalingChannel wired to the given handlers.
type ChannelFactory func(handlers ChannelHandlers) (SignalingChannel, error)
