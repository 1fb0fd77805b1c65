package messaging

import (
	"encoding/base64"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careconnect/portal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/conversations", h.ListConversations)
	api.GET("/conversations/:peerID/messages", h.ListMessages)
	api.POST("/conversations/:peerID/read", h.MarkRead)
	api.POST("/messages", h.SendMessage)
}

type conversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Error         string         `json:"error,omitempty"`
}

// ListConversations refreshes and returns the per-counterpart summaries.
// A failed refresh still returns the previously loaded summaries; the error
// travels alongside rather than blanking the screen.
func (h *Handler) ListConversations(c echo.Context) error {
	ctx := c.Request().Context()

	// Screens subscribe on every mount; the lifecycle manager keeps it to
	// one live handle.
	_ = h.svc.Start(ctx)

	resp := conversationsResponse{}
	if err := h.svc.Refresh(ctx); err != nil {
		resp.Error = err.Error()
	}
	resp.Conversations = h.svc.Conversations()
	if resp.Conversations == nil {
		resp.Conversations = []Conversation{}
	}
	return c.JSON(http.StatusOK, resp)
}

// ListMessages opens the conversation with peerID and returns its thread.
func (h *Handler) ListMessages(c echo.Context) error {
	peer, err := uuid.Parse(c.Param("peerID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid peer id")
	}
	ctx := c.Request().Context()

	if err := h.svc.OpenConversation(ctx, peer); err != nil {
		// Previously loaded data stays visible; surface the stale thread.
		c.Response().Header().Set("X-Stale", "true")
	}

	thread := h.svc.Thread()
	pg := pagination.FromContext(c)
	start, end := pg.Page(len(thread))
	return c.JSON(http.StatusOK, pagination.NewResponse(thread[start:end], len(thread), pg.Limit, pg.Offset))
}

// MarkRead marks every message from peerID to the current user as read.
func (h *Handler) MarkRead(c echo.Context) error {
	peer, err := uuid.Parse(c.Param("peerID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid peer id")
	}
	if err := h.svc.MarkConversationRead(c.Request().Context(), peer); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type sendAttachment struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // base64
}

type sendRequest struct {
	ReceiverID  uuid.UUID        `json:"receiver_id"`
	Text        string           `json:"text"`
	Attachments []sendAttachment `json:"attachments"`
	Hint        *Participant     `json:"hint"`
}

// SendMessage accepts a user-authored message and hands it to the optimistic
// send pipeline. The response never waits on the durable insert.
func (h *Handler) SendMessage(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ReceiverID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "receiver_id is required")
	}
	if req.Text == "" && len(req.Attachments) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "text or attachments required")
	}

	uploads := make([]AttachmentUpload, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "attachment data must be base64")
		}
		uploads = append(uploads, AttachmentUpload{
			FileName:    a.FileName,
			ContentType: a.ContentType,
			Data:        data,
		})
	}

	h.svc.Send(c.Request().Context(), req.ReceiverID, req.Text, uploads, req.Hint)

	// Send failures land in the service's error field, never an HTTP error:
	// the client renders the optimistic thread and inspects the flag.
	resp := map[string]interface{}{"thread": h.svc.Thread()}
	if err := h.svc.LastError(); err != nil {
		resp["error"] = err.Error()
	}
	return c.JSON(http.StatusAccepted, resp)
}
