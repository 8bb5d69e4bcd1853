package registry

import (
	"context"

	"github.com/sitekeeper/master/internal/domain"
)

// Transport is the session handle the registry holds for a connected agent.
// A real deployment backs this with whatever channel the agent-hub listens
// on; spec.md §1 scopes the wire transport/DTOs out of this module, so
// Transport is the seam a concrete network layer plugs into. Tests and the
// in-process simulator (internal/simulator) implement it directly.
type Transport interface {
	// Send delivers one outbound message to the agent this handle belongs
	// to. Implementations must preserve send-order per spec.md §5: "messages
	// to the same agent arrive in send order."
	Send(ctx context.Context, msg domain.OutboundMessage) error
}

// TransportFunc adapts a plain function to the Transport interface, mirroring
// the http.HandlerFunc idiom for the common case of a test double or a
// simple closure-based fake.
type TransportFunc func(ctx context.Context, msg domain.OutboundMessage) error

func (f TransportFunc) Send(ctx context.Context, msg domain.OutboundMessage) error {
	return f(ctx, msg)
}
