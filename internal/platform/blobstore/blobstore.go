// Package blobstore stores message attachments. It defines the Store
// interface, an in-memory implementation suitable for testing and
// development, and Echo handlers for upload and download.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// MaxFileSize is the maximum allowed attachment size in bytes (25 MB).
const MaxFileSize = 25 * 1024 * 1024

// AllowedContentTypes lists attachment MIME types accepted by the portal.
var AllowedContentTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
	"text/plain":      true,
}

// Upload is the input to Store.Put.
type Upload struct {
	FileName    string
	ContentType string
	OwnerID     string
	Data        []byte
}

// Object describes a stored attachment.
type Object struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	OwnerID     string    `json:"owner_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists attachment blobs and serves them back by id.
type Store interface {
	Put(ctx context.Context, up Upload) (*Object, error)
	Get(ctx context.Context, id string) (*Object, io.ReadCloser, error)
	Stat(ctx context.Context, id string) (*Object, error)
	Delete(ctx context.Context, id string) error
}

func validate(up Upload) error {
	if up.FileName == "" {
		return ErrMissingFileName
	}
	if int64(len(up.Data)) > MaxFileSize {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(up.Data))
	}
	if !AllowedContentTypes[up.ContentType] {
		return fmt.Errorf("%w: %s", ErrInvalidContentType, up.ContentType)
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type memoryEntry struct {
	meta *Object
	data []byte
}

// Memory is an in-memory Store used in development and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	baseURL string
	now     func() time.Time
}

// NewMemory creates an empty in-memory store. baseURL prefixes the URLs
// assigned to stored objects (e.g. "/api/v1/attachments").
func NewMemory(baseURL string) *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		baseURL: baseURL,
		now:     time.Now,
	}
}

func (m *Memory) Put(_ context.Context, up Upload) (*Object, error) {
	if err := validate(up); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(up.Data)
	id := uuid.New().String()
	obj := &Object{
		ID:          id,
		URL:         m.baseURL + "/" + id,
		FileName:    up.FileName,
		ContentType: up.ContentType,
		Size:        int64(len(up.Data)),
		Hash:        hex.EncodeToString(sum[:]),
		OwnerID:     up.OwnerID,
		CreatedAt:   m.now(),
	}

	data := make([]byte, len(up.Data))
	copy(data, up.Data)

	m.mu.Lock()
	m.entries[id] = memoryEntry{meta: obj, data: data}
	m.mu.Unlock()

	return obj, nil
}

func (m *Memory) Get(_ context.Context, id string) (*Object, io.ReadCloser, error) {
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	return entry.meta, io.NopCloser(newByteReader(entry.data)), nil
}

func (m *Memory) Stat(_ context.Context, id string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return entry.meta, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return ErrBlobNotFound
	}
	delete(m.entries, id)
	return nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

type byteReader struct {
	data []byte
	off  int
}

func newByteReader(b []byte) *byteReader { return &byteReader{data: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

// ---------------------------------------------------------------------------
// HTTP handlers
// ---------------------------------------------------------------------------

// Handler exposes upload/download endpoints over a Store.
type Handler struct {
	store Store
}

// NewHandler binds a Handler to the store.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers attachment endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/attachments", h.HandleUpload)
	g.GET("/attachments/:id", h.HandleDownload)
	g.GET("/attachments/:id/meta", h.HandleStat)
}

// HandleUpload accepts a multipart file upload and stores it.
func (h *Handler) HandleUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxFileSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	obj, err := h.store.Put(c.Request().Context(), Upload{
		FileName:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		OwnerID:     c.QueryParam("owner_id"),
		Data:        data,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrFileTooLarge):
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, ErrInvalidContentType), errors.Is(err, ErrMissingFileName):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusCreated, obj)
}

// HandleDownload streams a stored attachment.
func (h *Handler) HandleDownload(c echo.Context) error {
	obj, rc, err := h.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "attachment not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, obj.ContentType, rc)
}

// HandleStat returns attachment metadata.
func (h *Handler) HandleStat(c echo.Context) error {
	obj, err := h.store.Stat(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "attachment not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, obj)
}
