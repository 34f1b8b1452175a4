package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrNotFound = errors.New("session not found")

// Image is an exercise photo attached to a user turn
type Image struct {
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// ImageType returns the MIME type of an accepted exercise photo, judged by
// the file extension.
func ImageType(name string) (string, bool) {
	mime, ok := imageTypes[strings.ToLower(filepath.Ext(name))]
	return mime, ok
}

// Message represents a single chat turn
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Image     *Image    `json:"image,omitempty"`
	Code      string    `json:"code,omitempty"`       // code block split from the reply
	Plot      []byte    `json:"plot,omitempty"`       // SVG rendered from Code
	PlotError string    `json:"plot_error,omitempty"` // why Code produced no plot
	Timestamp time.Time `json:"timestamp"`
}

// Session represents a chat session
type Session struct {
	ID           string    `json:"id"`
	StartTime    time.Time `json:"start_time"`
	Mode         string    `json:"mode,omitempty"`
	Topic        string    `json:"topic,omitempty"`
	LastTopic    string    `json:"last_topic,omitempty"` // topic whose opening was already generated
	Model        string    `json:"model,omitempty"`
	Messages     []Message `json:"messages"`
	Instructions []string  `json:"instructions"`
}

// New returns an empty session with a fresh ID.
func New() *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
		Messages:  []Message{},
	}
}

// Append adds a turn, stamping it when the caller left Timestamp unset.
func (s *Session) Append(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Messages = append(s.Messages, msg)
}

// History returns the last n turns, oldest first. n <= 0 returns nothing.
func (s *Session) History(n int) []Message {
	if n <= 0 || len(s.Messages) == 0 {
		return nil
	}
	start := len(s.Messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(s.Messages)-start)
	copy(out, s.Messages[start:])
	return out
}

// Clear drops the chat turns and keeps mode and instructions.
func (s *Session) Clear() {
	s.Messages = []Message{}
	s.LastTopic = ""
}

// Clone returns a deep copy that is safe to hand out of a store.
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		if m.Image != nil {
			img := *m.Image
			img.Data = append([]byte(nil), m.Image.Data...)
			m.Image = &img
		}
		if m.Plot != nil {
			m.Plot = append([]byte(nil), m.Plot...)
		}
		c.Messages[i] = m
	}
	c.Instructions = append([]string(nil), s.Instructions...)
	return &c
}

// Store keeps sessions between interactions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}
