package messaging

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseRole(t *testing.T) {
	cases := []struct {
		in   string
		want Role
	}{
		{"patient", RolePatient},
		{"Patient", RolePatient},
		{"doctor", RoleDoctor},
		{"physician", RoleDoctor},
		{"Practitioner", RoleDoctor},
		{"admin", RoleAdmin},
		{"administrator", RoleAdmin},
		{"", RoleUnknown},
		{"nurse", RoleUnknown},
		{"  doctor  ", RoleDoctor},
	}
	for _, tc := range cases {
		if got := ParseRole(tc.in); got != tc.want {
			t.Errorf("ParseRole(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestRole_String(t *testing.T) {
	cases := map[Role]string{
		RolePatient: "Patient",
		RoleDoctor:  "Doctor",
		RoleAdmin:   "Admin",
		RoleUnknown: "User",
	}
	for role, want := range cases {
		if got := role.String(); got != want {
			t.Errorf("Role(%d).String() = %q, want %q", role, got, want)
		}
	}
}

func TestRole_JSON(t *testing.T) {
	b, err := RoleDoctor.MarshalJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != `"Doctor"` {
		t.Errorf("expected \"Doctor\", got %s", b)
	}

	var r Role
	if err := r.UnmarshalJSON([]byte(`"physician"`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r != RoleDoctor {
		t.Errorf("expected RoleDoctor, got %v", r)
	}
}

func TestNewProvisionalID(t *testing.T) {
	id := NewProvisionalID()
	if !strings.HasPrefix(id, "prov-") {
		t.Errorf("expected prov- prefix, got %s", id)
	}
	if id == NewProvisionalID() {
		t.Error("expected distinct provisional ids")
	}

	m := Message{ID: id}
	if !m.Provisional() {
		t.Error("expected provisional message")
	}
	m.ID = uuid.New().String()
	if m.Provisional() {
		t.Error("store-assigned id must not be provisional")
	}
}

func TestMessage_Counterpart(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	m := Message{SenderID: a, ReceiverID: b}

	if peer, ok := m.Counterpart(a); !ok || peer != b {
		t.Errorf("expected counterpart %s, got %s (ok=%v)", b, peer, ok)
	}
	if peer, ok := m.Counterpart(b); !ok || peer != a {
		t.Errorf("expected counterpart %s, got %s (ok=%v)", a, peer, ok)
	}
	if _, ok := m.Counterpart(c); ok {
		t.Error("expected no counterpart for non-endpoint")
	}
}

func TestInsertEvent_Message(t *testing.T) {
	now := time.Now()
	ev := InsertEvent{
		MessageID:   uuid.New().String(),
		SenderID:    uuid.New(),
		ReceiverID:  uuid.New(),
		Text:        "hello",
		Attachments: []string{"/a/1"},
		CreatedAt:   now,
	}
	m := ev.Message()
	if m.ID != ev.MessageID || m.Text != "hello" || !m.CreatedAt.Equal(now) {
		t.Errorf("unexpected materialization: %+v", m)
	}
	if m.IsRead {
		t.Error("materialized message must start unread")
	}
}

func TestTopicForUser(t *testing.T) {
	id := uuid.New()
	want := "messages:" + id.String()
	if got := TopicForUser(id); got != want {
		t.Errorf("TopicForUser = %q, want %q", got, want)
	}
}
