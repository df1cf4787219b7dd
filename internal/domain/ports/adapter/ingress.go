package adapter

import (
	"context"

	"personal-agent-gateway/internal/domain/model"
)

// Ingress reads new inbound messages from one communication surface. Polling
// cadence and channel-specific filtering are adapter concerns.
type Ingress interface {
	// FetchNew returns messages with a rowid greater than sinceRowID,
	// oldest first.
	FetchNew(ctx context.Context, sinceRowID int64) ([]*model.Message, error)
	MarkProcessed(ctx context.Context, id string) error
	// LatestRowID returns the adapter's high-water mark, or 0 when unknown.
	LatestRowID(ctx context.Context) (int64, error)
}
