package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/repository"
)

var _ repository.MessageRepository = (*messageRepo)(nil)

type messageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *messageRepo {
	return &messageRepo{pool: pool}
}

// Record inserts the message once per id. ON CONFLICT DO NOTHING makes
// ingestion idempotent under concurrent redelivery.
func (r *messageRepo) Record(ctx context.Context, tx repository.Tx, msg *model.Message) (bool, error) {
	const q = `
INSERT INTO messages (id, sender, text, channel, is_from_me, context, dedupe_hash, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING;`

	ctxJSON, err := json.Marshal(msg.Context)
	if err != nil {
		return false, err
	}
	tag, err := execSQL(ctx, r.pool, tx, q,
		msg.ID, msg.Sender, msg.Text, msg.Channel, msg.IsFromMe, ctxJSON, msg.DedupeHash, msg.ReceivedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *messageRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Message, error) {
	const q = `
SELECT id, sender, text, channel, is_from_me, context, dedupe_hash, received_at
  FROM messages WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanMessage(row)
}

func (r *messageRepo) Search(ctx context.Context, tx repository.Tx, sender, query string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, sender, text, channel, is_from_me, context, dedupe_hash, received_at
  FROM messages
 WHERE sender = $1 AND ($2 = '' OR text ILIKE '%' || $2 || '%')
 ORDER BY received_at DESC
 LIMIT $3;`
	rows, err := pickRows(ctx, r.pool, tx, q, sender, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	var ctxJSON []byte
	err := row.Scan(&m.ID, &m.Sender, &m.Text, &m.Channel, &m.IsFromMe, &ctxJSON, &m.DedupeHash, &m.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	if len(ctxJSON) > 0 {
		_ = json.Unmarshal(ctxJSON, &m.Context)
	}
	return &m, nil
}
