package messaging

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// provisionalPrefix marks locally generated message ids. Store-assigned ids
// are plain UUID strings, so the two id spaces can never collide.
const provisionalPrefix = "prov-"

// Message is a single entry in the pairwise message log. Store-confirmed
// messages carry a UUID string id assigned at insert; before confirmation a
// message exists only with a provisional id.
type Message struct {
	ID          string    `db:"id" json:"id"`
	SenderID    uuid.UUID `db:"sender_id" json:"sender_id"`
	ReceiverID  uuid.UUID `db:"receiver_id" json:"receiver_id"`
	Text        string    `db:"text" json:"text"`
	Attachments []string  `db:"attachments" json:"attachments,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	IsRead      bool      `db:"is_read" json:"is_read"`
}

// Provisional reports whether the message has not yet been confirmed by the
// log store.
func (m *Message) Provisional() bool {
	return strings.HasPrefix(m.ID, provisionalPrefix)
}

// NewProvisionalID returns a fresh id in the provisional id space.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.New().String()
}

// Counterpart returns the participant id that is not self. The second return
// is false when self is not an endpoint of the message.
func (m *Message) Counterpart(self uuid.UUID) (uuid.UUID, bool) {
	switch self {
	case m.SenderID:
		return m.ReceiverID, true
	case m.ReceiverID:
		return m.SenderID, true
	}
	return uuid.Nil, false
}

// Role classifies a portal user.
type Role int

const (
	RoleUnknown Role = iota
	RolePatient
	RoleDoctor
	RoleAdmin
)

// ParseRole normalizes an external profile role string to the closed role
// set. Unrecognized or empty strings map to RoleUnknown.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient":
		return RolePatient
	case "doctor", "physician", "practitioner":
		return RoleDoctor
	case "admin", "administrator":
		return RoleAdmin
	}
	return RoleUnknown
}

// String returns the display label for the role. Unknown renders as "User".
func (r Role) String() string {
	switch r {
	case RolePatient:
		return "Patient"
	case RoleDoctor:
		return "Doctor"
	case RoleAdmin:
		return "Admin"
	}
	return "User"
}

// Clinician reports whether the role denotes a care provider.
func (r Role) Clinician() bool {
	return r == RoleDoctor
}

// MarshalJSON encodes the role as its display label.
func (r Role) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// UnmarshalJSON decodes a role label, accepting the same aliases as ParseRole.
func (r *Role) UnmarshalJSON(b []byte) error {
	*r = ParseRole(strings.Trim(string(b), `"`))
	return nil
}

// DefaultSpecialty is used for clinicians whose profile carries no specialty.
const DefaultSpecialty = "General Practice"

// Participant is the counterpart metadata rendered in a conversation summary.
type Participant struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	Specialty   *string   `json:"specialty,omitempty"`
}

// Conversation is a derived per-counterpart summary. It is a pure view over
// the message set and is never independently mutated.
type Conversation struct {
	Counterpart Participant `json:"counterpart"`
	LastMessage *Message    `json:"last_message"`
	UnreadCount int         `json:"unread_count"`
}

// InsertEvent is the push-feed payload emitted for every durable insert.
type InsertEvent struct {
	MessageID   string    `json:"message_id"`
	SenderID    uuid.UUID `json:"sender_id"`
	ReceiverID  uuid.UUID `json:"receiver_id"`
	Text        string    `json:"text"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message materializes the event as a confirmed message. Inbound messages
// start unread; read state is derived locally.
func (e InsertEvent) Message() Message {
	return Message{
		ID:          e.MessageID,
		SenderID:    e.SenderID,
		ReceiverID:  e.ReceiverID,
		Text:        e.Text,
		Attachments: e.Attachments,
		CreatedAt:   e.CreatedAt,
	}
}

// TopicForUser names the push-feed topic carrying inserts addressed to or
// sent by the given user.
func TopicForUser(id uuid.UUID) string {
	return "messages:" + id.String()
}
