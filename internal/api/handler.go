// Package api is the request/response channel of the collaboration server:
// a gin router under /api for listing, creating, loading, saving and sharing
// notes, plus advisory presence for agents that have no event channel.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/quicknotes/collab/internal/auth"
	"github.com/quicknotes/collab/internal/collab"
	"github.com/quicknotes/collab/internal/notes"
	"github.com/quicknotes/collab/internal/room"
	"github.com/quicknotes/collab/internal/store"
)

// Service is the part of collab.Service the API exposes.
type Service interface {
	EnsureUser(ctx context.Context, userID, displayName string) error
	ListNotes(ctx context.Context, userID string) (*store.Listing, error)
	CreateNote(ctx context.Context, ownerID, title string, content notes.Content, isPublic bool) (*store.Note, error)
	LoadNote(ctx context.Context, userID, noteID string) (*collab.NoteView, error)
	SaveNote(ctx context.Context, userID, displayName, noteID string, content notes.Content) (*collab.CommitResult, error)
	ShareNote(ctx context.Context, userID, noteID, targetID, level string) (bool, error)
	UpdateNote(ctx context.Context, userID, noteID string, u collab.NoteUpdate) error
	AdvisoryJoin(ctx context.Context, member room.Member, noteID string) ([]room.Member, error)
	AdvisoryLeave(ctx context.Context, member room.Member, noteID string) error
}

// Handler serves the note API.
type Handler struct {
	svc Service
}

// NewHandler creates a Handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// NewRouter returns a gin engine with every route behind token auth.
// Authenticated callers are recorded as users so they can be shared with.
func NewRouter(svc Service, issuer *auth.Issuer, allowOrigins ...string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if len(allowOrigins) > 0 {
		r.Use(corsMiddleware(allowOrigins))
	}

	register := func(c *gin.Context, id auth.Identity) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := svc.EnsureUser(ctx, id.UserID, id.DisplayName); err != nil {
			log.Printf("[api] ensure user=%s: %v", id.UserID, err)
		}
	}

	h := NewHandler(svc)
	g := r.Group("/api", auth.Middleware(issuer, register))
	g.GET("/notes", h.listNotes)
	g.POST("/notes", h.createNote)
	g.GET("/notes/:id", h.getNote)
	g.PUT("/notes/:id/content", h.saveContent)
	g.PATCH("/notes/:id", h.updateNote)
	g.POST("/notes/:id/share", h.shareNote)
	g.POST("/notes/:id/join", h.joinNote)
	g.POST("/notes/:id/leave", h.leaveNote)
	return r
}

// corsMiddleware lets a browser editor on another origin call the API.
// Tokens travel in the Authorization header, so credentials stay off.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
		}
	}
	if !cfg.AllowAllOrigins {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

type createReq struct {
	Title        string `json:"title" binding:"required"`
	Content      string `json:"content"`
	ContentDelta string `json:"content_delta"`
	IsPublic     bool   `json:"is_public"`
}

type contentReq struct {
	Content      string `json:"content"`
	ContentDelta string `json:"content_delta"`
}

type shareReq struct {
	UserID string `json:"user_id" binding:"required"`
	Level  string `json:"permission_level"`
}

func (h *Handler) listNotes(c *gin.Context) {
	id := caller(c)
	l, err := h.svc.ListNotes(c.Request.Context(), id.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) createNote(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	id := caller(c)
	n, err := h.svc.CreateNote(c.Request.Context(), id.UserID, req.Title,
		notes.Content{Text: req.Content, Delta: req.ContentDelta}, req.IsPublic)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": n.ID, "title": n.Title})
}

func (h *Handler) getNote(c *gin.Context) {
	v, err := h.svc.LoadNote(c.Request.Context(), caller(c).UserID, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) saveContent(c *gin.Context) {
	var req contentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	id := caller(c)
	res, err := h.svc.SaveNote(c.Request.Context(), id.UserID, id.DisplayName, c.Param("id"),
		notes.Content{Text: req.Content, Delta: req.ContentDelta})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"commit_id": res.CommitID,
		"delivered": res.Delivered,
		"modified":  res.CommittedAt,
	})
}

func (h *Handler) updateNote(c *gin.Context) {
	var req collab.NoteUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Title == nil && req.IsPublic == nil && req.Tags == nil {
		badRequest(c, "nothing to update")
		return
	}
	if err := h.svc.UpdateNote(c.Request.Context(), caller(c).UserID, c.Param("id"), req); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) shareNote(c *gin.Context) {
	var req shareReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Level == "" {
		req.Level = "Read"
	}
	updated, err := h.svc.ShareNote(c.Request.Context(), caller(c).UserID, c.Param("id"), req.UserID, req.Level)
	if err != nil {
		fail(c, err)
		return
	}
	msg := "Note shared successfully"
	if updated {
		msg = "Permission updated"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

func (h *Handler) joinNote(c *gin.Context) {
	id := caller(c)
	others, err := h.svc.AdvisoryJoin(c.Request.Context(), room.Member{UserID: id.UserID, DisplayName: id.DisplayName}, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "active_users": others})
}

func (h *Handler) leaveNote(c *gin.Context) {
	id := caller(c)
	if err := h.svc.AdvisoryLeave(c.Request.Context(), room.Member{UserID: id.UserID, DisplayName: id.DisplayName}, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func caller(c *gin.Context) auth.Identity {
	id, _ := auth.FromContext(c)
	return id
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_payload", "message": msg})
}

// fail maps service errors to HTTP statuses.
func fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrUserNotFound):
		status, code = http.StatusNotFound, "user_not_found"
	case errors.Is(err, collab.ErrPermissionDenied):
		status, code = http.StatusForbidden, "permission_denied"
	case errors.Is(err, collab.ErrInvalidPayload):
		status, code = http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, collab.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
		var rl *collab.RateLimitError
		if errors.As(err, &rl) {
			c.Header("Retry-After", strconv.Itoa(int((rl.RetryAfter+time.Second-1)/time.Second)))
		}
	case errors.Is(err, collab.ErrSaveFailed):
		status, code = http.StatusServiceUnavailable, "save_failed"
	default:
		log.Printf("[api] %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.JSON(status, gin.H{"code": code, "message": msg})
}
