// Package notes defines the note content model shared by the server and the
// editing agent: a Quill delta document paired with its plain-text form.
package notes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 1 << 20 // 1MB per encoded delta or text body
	MaxTitleChars   = 140
	MaxTags         = 20
	MaxTagChars     = 40
)

var (
	// ErrMalformedDelta is returned when a delta payload is not a valid
	// insert-only Quill document.
	ErrMalformedDelta = errors.New("notes: malformed delta")

	// ErrEmptyContent is returned when neither a delta nor plain text is present.
	ErrEmptyContent = errors.New("notes: content has neither delta nor text")
)

// Content is a full snapshot of a note body. Delta holds the serialized
// Quill document and Text the plain-text fallback. Either may be empty, but
// not both.
type Content struct {
	Delta string `json:"content_delta,omitempty"`
	Text  string `json:"content"`
}

// Op is one Quill operation. Document deltas only contain inserts; an insert
// is either a string or an embed object (image, formula, ...).
type Op struct {
	Insert     json.RawMessage        `json:"insert,omitempty"`
	Retain     *int                   `json:"retain,omitempty"`
	Delete     *int                   `json:"delete,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Delta is a decoded Quill document.
type Delta struct {
	Ops []Op `json:"ops"`
}

// ParseDelta decodes raw into a document delta. Anything other than an
// object with an insert-only "ops" array is reported as ErrMalformedDelta.
func ParseDelta(raw string) (*Delta, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedDelta)
	}
	var d Delta
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	if d.Ops == nil {
		return nil, fmt.Errorf("%w: missing ops", ErrMalformedDelta)
	}
	for i, op := range d.Ops {
		if op.Retain != nil || op.Delete != nil {
			return nil, fmt.Errorf("%w: op %d is not an insert", ErrMalformedDelta, i)
		}
		if len(op.Insert) == 0 {
			return nil, fmt.Errorf("%w: op %d has no insert", ErrMalformedDelta, i)
		}
		switch op.Insert[0] {
		case '"', '{':
		default:
			return nil, fmt.Errorf("%w: op %d insert must be a string or embed", ErrMalformedDelta, i)
		}
	}
	return &d, nil
}

// PlainText concatenates the string inserts of the document. Embeds
// contribute nothing, matching the editor's getText.
func (d *Delta) PlainText() string {
	var b strings.Builder
	for _, op := range d.Ops {
		if len(op.Insert) == 0 || op.Insert[0] != '"' {
			continue
		}
		var s string
		if err := json.Unmarshal(op.Insert, &s); err == nil {
			b.WriteString(s)
		}
	}
	return b.String()
}

// Encode serializes the delta back to its wire form.
func (d *Delta) Encode() string {
	out, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return string(out)
}

// FromText builds a single-insert document for text. The editor always
// keeps a trailing newline, so one is added when missing.
func FromText(text string) *Delta {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	ins, _ := json.Marshal(text)
	return &Delta{Ops: []Op{{Insert: ins}}}
}

// Resolve returns the document a receiver should install for c. The delta is
// preferred; when it does not parse the plain text is used instead and
// fallback is true. A parse failure is never an error for the receiver.
func Resolve(c Content) (doc *Delta, fallback bool) {
	if c.Delta != "" {
		if d, err := ParseDelta(c.Delta); err == nil {
			return d, false
		}
	}
	return FromText(c.Text), true
}

// Validate checks that c is acceptable as a commit payload.
func Validate(c Content) error {
	if c.Delta == "" && c.Text == "" {
		return ErrEmptyContent
	}
	if len(c.Delta) > MaxContentBytes || len(c.Text) > MaxContentBytes {
		return fmt.Errorf("notes: content exceeds %d byte limit", MaxContentBytes)
	}
	if !utf8.ValidString(c.Delta) || !utf8.ValidString(c.Text) {
		return fmt.Errorf("notes: content contains invalid UTF-8")
	}
	if c.Delta != "" && c.Text == "" {
		if _, err := ParseDelta(c.Delta); err != nil {
			return err
		}
	}
	return nil
}

// Normalize fills in the plain text of c from its delta when the text is
// missing, so stored snapshots always carry a usable fallback.
func Normalize(c Content) Content {
	if c.Text != "" || c.Delta == "" {
		return c
	}
	if d, err := ParseDelta(c.Delta); err == nil {
		c.Text = d.PlainText()
	}
	return c
}

// ValidateTitle checks a note title.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("notes: title is empty")
	}
	if utf8.RuneCountInString(title) > MaxTitleChars {
		return fmt.Errorf("notes: title exceeds %d character limit", MaxTitleChars)
	}
	if !utf8.ValidString(title) {
		return fmt.Errorf("notes: title contains invalid UTF-8")
	}
	return nil
}

// NormalizeTags trims tags and drops blanks and repeats, keeping the first
// spelling of each.
func NormalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !utf8.ValidString(t) || strings.ContainsRune(t, ',') {
			return nil, fmt.Errorf("notes: invalid tag %q", t)
		}
		if utf8.RuneCountInString(t) > MaxTagChars {
			return nil, fmt.Errorf("notes: tag exceeds %d character limit", MaxTagChars)
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) > MaxTags {
		return nil, fmt.Errorf("notes: more than %d tags", MaxTags)
	}
	return out, nil
}
