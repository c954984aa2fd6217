package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quicknotes/collab/internal/notes"
)

// NoteSummary is one entry of a note listing.
type NoteSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Owner     string    `json:"owner"`
	OwnerName string    `json:"owner_full_name"`
	IsPublic  bool      `json:"is_public"`
	Tags      []string  `json:"tags"`
	Modified  time.Time `json:"modified"`
	Level     string    `json:"permission,omitempty"`
}

// NoteListing groups the notes visible to the caller.
type NoteListing struct {
	Owned  []NoteSummary `json:"my_notes"`
	Shared []NoteSummary `json:"shared_notes"`
	Public []NoteSummary `json:"public_notes"`
}

// HTTPClient talks to the request API. It is the Transport used when the
// event channel is unavailable: joins and leaves are advisory and no events
// are received.
type HTTPClient struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPClient creates a client for the API rooted at baseURL.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type apiError struct {
	status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("agent: api %d %s: %s", e.status, e.Code, e.Message)
}

type noteView struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Delta       string `json:"content_delta"`
	CanWrite    bool   `json:"can_write"`
	ActiveUsers []User `json:"active_users"`
}

// Join loads noteID and records the caller as attending it.
func (h *HTTPClient) Join(ctx context.Context, noteID string) (*Session, error) {
	var v noteView
	if err := h.do(ctx, http.MethodGet, "/api/notes/"+url.PathEscape(noteID), nil, &v); err != nil {
		return nil, joinError(err)
	}
	var joined struct {
		ActiveUsers []User `json:"active_users"`
	}
	if err := h.do(ctx, http.MethodPost, "/api/notes/"+url.PathEscape(noteID)+"/join", nil, &joined); err != nil {
		return nil, joinError(err)
	}
	return &Session{
		NoteID:      v.ID,
		Title:       v.Title,
		CanWrite:    v.CanWrite,
		Content:     notes.Content{Text: v.Content, Delta: v.Delta},
		ActiveUsers: joined.ActiveUsers,
	}, nil
}

// Leave withdraws the advisory presence on noteID.
func (h *HTTPClient) Leave(ctx context.Context, noteID string) error {
	return h.do(ctx, http.MethodPost, "/api/notes/"+url.PathEscape(noteID)+"/leave", nil, nil)
}

// Commit saves content; the server broadcasts it to attached agents.
func (h *HTTPClient) Commit(ctx context.Context, noteID string, content notes.Content) error {
	body := map[string]string{"content": content.Text, "content_delta": content.Delta}
	err := h.do(ctx, http.MethodPut, "/api/notes/"+url.PathEscape(noteID)+"/content", body, nil)
	if ae, ok := err.(*apiError); ok {
		switch ae.status {
		case http.StatusForbidden, http.StatusBadRequest, http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrCommitRejected, ae.Message)
		case http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %s", ErrSaveFailed, ae.Message)
		case http.StatusTooManyRequests:
			return ErrRateLimited
		}
	}
	return err
}

// List returns the caller's notes.
func (h *HTTPClient) List(ctx context.Context) (*NoteListing, error) {
	var l NoteListing
	if err := h.do(ctx, http.MethodGet, "/api/notes", nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// Create creates a note and returns its id.
func (h *HTTPClient) Create(ctx context.Context, title string, public bool) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]interface{}{"title": title, "is_public": public}
	if err := h.do(ctx, http.MethodPost, "/api/notes", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Share grants userID level on noteID and returns the server's message.
func (h *HTTPClient) Share(ctx context.Context, noteID, userID, level string) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	body := map[string]string{"user_id": userID, "permission_level": level}
	if err := h.do(ctx, http.MethodPost, "/api/notes/"+url.PathEscape(noteID)+"/share", body, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

func (h *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agent: encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base+path, r)
	if err != nil {
		return fmt.Errorf("agent: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		ae := &apiError{status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(ae)
		return ae
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agent: decode %s: %w", path, err)
	}
	return nil
}

func joinError(err error) error {
	if ae, ok := err.(*apiError); ok {
		switch ae.status {
		case http.StatusForbidden, http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrJoinDenied, ae.Message)
		case http.StatusTooManyRequests:
			return ErrRateLimited
		}
	}
	return err
}
