// Package storage persists tutoring sessions in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"TutorChat/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	start_time DATETIME,
	mode TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL DEFAULT '',
	last_topic TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	instructions TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	position INTEGER,
	role TEXT,
	content TEXT,
	image_name TEXT NOT NULL DEFAULT '',
	image_type TEXT NOT NULL DEFAULT '',
	image BLOB,
	code TEXT NOT NULL DEFAULT '',
	plot BLOB,
	plot_error TEXT NOT NULL DEFAULT '',
	timestamp DATETIME,
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);
CREATE INDEX IF NOT EXISTS messages_session ON messages(session_id, position);`

// SQLiteStore implements session.Store on a SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

var _ session.Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("session database ready", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, sess *session.Session) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM sessions WHERE id = ?", sess.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	return s.Save(ctx, sess)
}

// Get loads a session and its messages in order
func (s *SQLiteStore) Get(ctx context.Context, id string) (*session.Session, error) {
	sess := &session.Session{ID: id}
	var instructions string

	err := s.db.QueryRowContext(ctx,
		"SELECT start_time, mode, topic, last_topic, model, instructions FROM sessions WHERE id = ?", id).
		Scan(&sess.StartTime, &sess.Mode, &sess.Topic, &sess.LastTopic, &sess.Model, &instructions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if err := json.Unmarshal([]byte(instructions), &sess.Instructions); err != nil {
		return nil, fmt.Errorf("failed to decode instructions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, image_name, image_type, image, code, plot, plot_error, timestamp
		FROM messages WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	sess.Messages = []session.Message{}
	for rows.Next() {
		var (
			msg        session.Message
			imageName  string
			imageType  string
			imageBytes []byte
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &imageName, &imageType, &imageBytes,
			&msg.Code, &msg.Plot, &msg.PlotError, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(imageBytes) > 0 {
			msg.Image = &session.Image{Name: imageName, MIMEType: imageType, Data: imageBytes}
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return sess, nil
}

// Save rewrites the session row and all of its messages in one transaction
func (s *SQLiteStore) Save(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instructions, err := json.Marshal(sess.Instructions)
	if err != nil {
		return fmt.Errorf("failed to encode instructions: %w", err)
	}
	if sess.Instructions == nil {
		instructions = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, start_time, mode, topic, last_topic, model, instructions)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.StartTime, sess.Mode, sess.Topic, sess.LastTopic, sess.Model, string(instructions),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	for i, msg := range sess.Messages {
		var imageName, imageType string
		var imageBytes []byte
		if msg.Image != nil {
			imageName, imageType, imageBytes = msg.Image.Name, msg.Image.MIMEType, msg.Image.Data
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, position, role, content, image_name, image_type, image, code, plot, plot_error, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, i, msg.Role, msg.Content, imageName, imageType, imageBytes,
			msg.Code, msg.Plot, msg.PlotError, msg.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to save message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("session saved", "session_id", sess.ID, "message_count", len(sess.Messages))
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return tx.Commit()
}

// List returns session IDs ordered by start time
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM sessions ORDER BY start_time")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
