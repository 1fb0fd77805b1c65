package messaging

import (
	"context"

	"github.com/google/uuid"
)

// MessageLogRepository is the durable message log. Inserts either commit
// durably or fail; reads return messages ascending by created_at.
type MessageLogRepository interface {
	// ListBetween returns the full bidirectional log for a pair.
	ListBetween(ctx context.Context, a, b uuid.UUID) ([]Message, error)
	// ListForUser returns every message in which the user is an endpoint.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]Message, error)
	// Insert persists the message and assigns its id.
	Insert(ctx context.Context, m *Message) error
	// MarkRead marks all messages from sender to receiver as read.
	MarkRead(ctx context.Context, senderID, receiverID uuid.UUID) error
}

// CurrentUserProvider resolves the active identity. The second return is
// false when no user is signed in.
type CurrentUserProvider interface {
	CurrentUser(ctx context.Context) (uuid.UUID, bool)
}

// ProfileResolver looks up counterpart display metadata. The second return
// is false for deleted or inaccessible accounts; such counterparts are
// skipped during aggregation.
type ProfileResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (Participant, bool)
}
