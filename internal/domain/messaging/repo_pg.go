package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careconnect/portal/internal/platform/db"
	"github.com/careconnect/portal/internal/platform/realtime"
)

// ErrMessageNotFound is returned for reads of unknown message ids.
var ErrMessageNotFound = errors.New("message not found")

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Message Log Repository ===========

// messageLogRepoPG is the durable message log over PostgreSQL. After every
// durable insert it publishes the insert event to the push feed for both
// endpoints' topics.
type messageLogRepoPG struct {
	pool *pgxpool.Pool
	feed realtime.Publisher
}

// NewMessageLogRepoPG creates the PostgreSQL message log. feed may be nil
// when no push delivery is wanted (e.g. offline tools).
func NewMessageLogRepoPG(pool *pgxpool.Pool, feed realtime.Publisher) MessageLogRepository {
	return &messageLogRepoPG{pool: pool, feed: feed}
}

func (r *messageLogRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const messageCols = `id, sender_id, receiver_id, text, attachments, is_read, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var id uuid.UUID
	err := row.Scan(&id, &m.SenderID, &m.ReceiverID, &m.Text, &m.Attachments, &m.IsRead, &m.CreatedAt)
	m.ID = id.String()
	return m, err
}

func (r *messageLogRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]Message, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *messageLogRepoPG) ListBetween(ctx context.Context, a, b uuid.UUID) ([]Message, error) {
	return r.list(ctx, `
		SELECT `+messageCols+` FROM message
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC`, a, b)
}

func (r *messageLogRepoPG) ListForUser(ctx context.Context, userID uuid.UUID) ([]Message, error) {
	return r.list(ctx, `
		SELECT `+messageCols+` FROM message
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at ASC`, userID)
}

func (r *messageLogRepoPG) Insert(ctx context.Context, m *Message) error {
	id := uuid.New()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	atts := m.Attachments
	if atts == nil {
		atts = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO message (id, sender_id, receiver_id, text, attachments, is_read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, m.SenderID, m.ReceiverID, m.Text, atts, m.IsRead, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.ID = id.String()

	r.publishInsert(ctx, *m)
	return nil
}

// publishInsert pushes the insert event to both endpoints' topics.
func (r *messageLogRepoPG) publishInsert(ctx context.Context, m Message) {
	if r.feed == nil {
		return
	}
	ev := InsertEvent{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Text:        m.Text,
		Attachments: m.Attachments,
		CreatedAt:   m.CreatedAt,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, topic := range []string{TopicForUser(m.SenderID), TopicForUser(m.ReceiverID)} {
		_ = r.feed.Publish(ctx, realtime.Event{
			Type:      "message.insert",
			Topic:     topic,
			Timestamp: m.CreatedAt,
			Data:      data,
		})
	}
}

func (r *messageLogRepoPG) MarkRead(ctx context.Context, senderID, receiverID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE message SET is_read = TRUE
		WHERE sender_id = $1 AND receiver_id = $2 AND NOT is_read`,
		senderID, receiverID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// =========== Profile Directory ===========

// profileRepoPG resolves counterpart metadata from the user_profile table.
type profileRepoPG struct {
	pool *pgxpool.Pool
}

// NewProfileRepoPG creates the PostgreSQL profile directory.
func NewProfileRepoPG(pool *pgxpool.Pool) ProfileResolver {
	return &profileRepoPG{pool: pool}
}

func (r *profileRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *profileRepoPG) Resolve(ctx context.Context, id uuid.UUID) (Participant, bool) {
	var (
		p        Participant
		roleText string
	)
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, display_name, role, specialty FROM user_profile WHERE id = $1`, id).
		Scan(&p.ID, &p.DisplayName, &roleText, &p.Specialty)
	if err != nil {
		// Deleted or never-provisioned account.
		return Participant{}, false
	}
	p.Role = ParseRole(roleText)
	return p, true
}
