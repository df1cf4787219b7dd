package adapter

import "context"

// Egress sends results back to a communication surface. Implementations own
// chunking, duplicate-echo suppression and channel-specific formatting.
// Egress failures are non-fatal to run state.
type Egress interface {
	Send(ctx context.Context, recipient, text string) error
	// WasRecentOutbound reports whether text was sent to sender inside the
	// suppression window, so an echoed copy of our own output is not
	// re-processed as input.
	WasRecentOutbound(ctx context.Context, sender, text string) bool
	MarkOutbound(ctx context.Context, recipient, text string)
}

// AttachmentEgress is optionally implemented by channels that can deliver files.
type AttachmentEgress interface {
	Egress
	SendAttachment(ctx context.Context, recipient, path string) error
}
