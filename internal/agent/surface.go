package agent

import (
	"sync"

	"github.com/quicknotes/collab/internal/notes"
)

// MemorySurface is an in-memory Surface. Focus is set by the caller, e.g. a
// terminal agent while it is reading a line.
type MemorySurface struct {
	mu      sync.Mutex
	doc     *notes.Delta
	focused bool
}

// NewMemorySurface creates an empty, unfocused surface.
func NewMemorySurface() *MemorySurface {
	return &MemorySurface{doc: notes.FromText("")}
}

// Focused implements Surface.
func (s *MemorySurface) Focused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// SetFocus marks the surface as being edited or not.
func (s *MemorySurface) SetFocus(focused bool) {
	s.mu.Lock()
	s.focused = focused
	s.mu.Unlock()
}

// Content implements Surface.
func (s *MemorySurface) Content() notes.Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	return notes.Content{Delta: s.doc.Encode(), Text: s.doc.PlainText()}
}

// Replace implements Surface.
func (s *MemorySurface) Replace(doc *notes.Delta) {
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
}

// SetText is a local edit that replaces the whole text.
func (s *MemorySurface) SetText(text string) {
	s.Replace(notes.FromText(text))
}

// Text returns the plain text of the surface.
func (s *MemorySurface) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.PlainText()
}
