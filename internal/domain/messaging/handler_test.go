package messaging

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func performJSON(t *testing.T, h echo.HandlerFunc, method, target, body string, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for k, v := range params {
		c.SetParamNames(k)
		c.SetParamValues(v)
	}
	err := h(c)
	if err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestListConversations_OK(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.messages = []Message{
		{ID: uuid.New().String(), SenderID: f.peer.ID, ReceiverID: f.self, Text: "hi", CreatedAt: time.Now()},
	}
	h := NewHandler(f.svc)

	rec := performJSON(t, h.ListConversations, http.MethodGet, "/api/v1/conversations", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp conversationsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Conversations) != 1 || resp.Error != "" {
		t.Errorf("unexpected response: %+v", resp)
	}

	// The list screen subscribes on mount.
	if !f.svc.Subscriptions().Active(TopicForUser(f.self)) {
		t.Error("expected push subscription after listing conversations")
	}
}

func TestListConversations_RefreshFailureCarriesError(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.listErr = errors.New("store down")
	h := NewHandler(f.svc)

	rec := performJSON(t, h.ListConversations, http.MethodGet, "/api/v1/conversations", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("failure must not surface as an HTTP error, got %d", rec.Code)
	}
	var resp conversationsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == "" {
		t.Error("expected error field in response")
	}
	if resp.Conversations == nil {
		t.Error("conversations must be an empty array, not null")
	}
}

func TestListMessages_OK(t *testing.T) {
	f := newServiceFixture(t)
	now := time.Now()
	f.repo.messages = []Message{
		{ID: uuid.New().String(), SenderID: f.peer.ID, ReceiverID: f.self, Text: "a", CreatedAt: now},
		{ID: uuid.New().String(), SenderID: f.self, ReceiverID: f.peer.ID, Text: "b", CreatedAt: now.Add(time.Second)},
	}
	h := NewHandler(f.svc)

	rec := performJSON(t, h.ListMessages, http.MethodGet, "/api/v1/conversations/x/messages", "",
		map[string]string{"peerID": f.peer.ID.String()})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Stale") != "" {
		t.Error("unexpected stale marker on a successful load")
	}

	var resp struct {
		Data  []Message `json:"data"`
		Total int       `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || len(resp.Data) != 2 {
		t.Errorf("unexpected page: total=%d len=%d", resp.Total, len(resp.Data))
	}
}

func TestListMessages_InvalidPeerID(t *testing.T) {
	f := newServiceFixture(t)
	h := NewHandler(f.svc)

	rec := performJSON(t, h.ListMessages, http.MethodGet, "/api/v1/conversations/x/messages", "",
		map[string]string{"peerID": "not-a-uuid"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListMessages_StaleOnLoadFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.listErr = errors.New("store down")
	h := NewHandler(f.svc)

	rec := performJSON(t, h.ListMessages, http.MethodGet, "/api/v1/conversations/x/messages", "",
		map[string]string{"peerID": f.peer.ID.String()})
	if rec.Code != http.StatusOK {
		t.Fatalf("load failure must not surface as an HTTP error, got %d", rec.Code)
	}
	if rec.Header().Get("X-Stale") != "true" {
		t.Error("expected stale marker")
	}
}

func TestMarkRead_OK(t *testing.T) {
	f := newServiceFixture(t)
	h := NewHandler(f.svc)

	rec := performJSON(t, h.MarkRead, http.MethodPost, "/api/v1/conversations/x/read", "",
		map[string]string{"peerID": f.peer.ID.String()})
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestSendMessage_OK(t *testing.T) {
	f := newServiceFixture(t)
	h := NewHandler(f.svc)

	body, _ := json.Marshal(map[string]interface{}{
		"receiver_id": f.peer.ID,
		"text":        "hello",
	})
	rec := performJSON(t, h.SendMessage, http.MethodPost, "/api/v1/messages", string(body), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	f.svc.Flush()

	f.repo.mu.Lock()
	inserts := f.repo.inserts
	f.repo.mu.Unlock()
	if inserts != 1 {
		t.Errorf("expected 1 insert, got %d", inserts)
	}
}

func TestSendMessage_ValidationErrors(t *testing.T) {
	f := newServiceFixture(t)
	h := NewHandler(f.svc)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing receiver", map[string]interface{}{"text": "hi"}},
		{"empty payload", map[string]interface{}{"receiver_id": f.peer.ID}},
		{"bad base64", map[string]interface{}{
			"receiver_id": f.peer.ID,
			"attachments": []map[string]string{{"file_name": "a.png", "content_type": "image/png", "data": "%%%"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, _ := json.Marshal(tc.body)
			rec := performJSON(t, h.SendMessage, http.MethodPost, "/api/v1/messages", string(body), nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSendMessage_PersistFailureStaysAccepted(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.insertErr = errors.New("insert failed")
	h := NewHandler(f.svc)

	body, _ := json.Marshal(map[string]interface{}{
		"receiver_id": f.peer.ID,
		"text":        "doomed",
	})
	rec := performJSON(t, h.SendMessage, http.MethodPost, "/api/v1/messages", string(body), nil)
	if rec.Code != http.StatusAccepted {
		t.Errorf("send failure must not change the response status, got %d", rec.Code)
	}
	f.svc.Flush()
	if f.svc.LastError() == nil {
		t.Error("expected send error recorded for the next poll")
	}
}

func TestSendMessage_WithAttachment(t *testing.T) {
	f := newServiceFixture(t)
	h := NewHandler(f.svc)

	body, _ := json.Marshal(map[string]interface{}{
		"receiver_id": f.peer.ID,
		"attachments": []map[string]string{{
			"file_name":    "scan.png",
			"content_type": "image/png",
			"data":         base64.StdEncoding.EncodeToString([]byte("pngdata")),
		}},
	})
	rec := performJSON(t, h.SendMessage, http.MethodPost, "/api/v1/messages", string(body), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	f.svc.Flush()
	if f.blobs.Len() != 1 {
		t.Errorf("expected stored attachment, got %d blobs", f.blobs.Len())
	}
}
