package messaging

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

// BuildConversations derives one summary per distinct counterpart from the
// full message set involving self, ordered by last-message recency. It is a
// pure function: the same input always yields the same output, and the
// input slice is not mutated.
//
// Messages whose counterpart cannot be resolved by dir contribute to no
// conversation.
func BuildConversations(ctx context.Context, msgs []Message, self uuid.UUID, dir ProfileResolver) []Conversation {
	// Descending creation order so the first encounter of a counterpart is
	// its most recent message.
	ordered := make([]Message, len(msgs))
	copy(ordered, msgs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
	})

	byPeer := make(map[uuid.UUID]*Conversation)
	var order []uuid.UUID

	for i := range ordered {
		m := ordered[i]
		peer, ok := m.Counterpart(self)
		if !ok {
			continue
		}
		conv, seen := byPeer[peer]
		if !seen {
			p, found := dir.Resolve(ctx, peer)
			if !found {
				// Deleted or inaccessible account; skip entirely.
				continue
			}
			normalizeParticipant(&p)
			last := m
			conv = &Conversation{Counterpart: p, LastMessage: &last}
			byPeer[peer] = conv
			order = append(order, peer)
		}
		if m.SenderID == peer && m.ReceiverID == self && !m.IsRead {
			conv.UnreadCount++
		}
	}

	out := make([]Conversation, 0, len(order))
	for _, peer := range order {
		out = append(out, *byPeer[peer])
	}
	return out
}

// normalizeParticipant resolves role and specialty at the aggregation
// boundary: clinicians without a specialty get the generic label.
func normalizeParticipant(p *Participant) {
	if p.Role.Clinician() && (p.Specialty == nil || *p.Specialty == "") {
		s := DefaultSpecialty
		p.Specialty = &s
	}
	if !p.Role.Clinician() {
		p.Specialty = nil
	}
}
