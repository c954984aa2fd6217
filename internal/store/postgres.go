package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/quicknotes/collab/internal/access"
	"github.com/quicknotes/collab/internal/notes"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgreSQL error codes the store translates.
const (
	pqForeignKeyViolation  = "23503"
	pqInvalidTextRepresent = "22P02"
)

// PostgresStore is a DocumentStore backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, applies pending migrations and returns a
// ready store.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an existing database handle. The schema must
// already be migrated.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrations source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadLatest(ctx context.Context, noteID string) (*Note, error) {
	const query = `
		SELECT n.id, n.title, n.owner_id, COALESCE(u.display_name, ''), n.is_public, n.tags,
		       n.content_delta, n.content, n.last_editor, n.created_at, n.updated_at
		FROM notes n LEFT JOIN users u ON u.id = n.owner_id
		WHERE n.id = $1`

	var n Note
	err := s.db.QueryRowContext(ctx, query, noteID).Scan(
		&n.ID, &n.Title, &n.OwnerID, &n.OwnerName, &n.IsPublic, pq.Array(&n.Tags),
		&n.Content.Delta, &n.Content.Text, &n.LastEditor,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, s.noteErr("load", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, level FROM note_shares WHERE note_id = $1 ORDER BY user_id`, noteID)
	if err != nil {
		return nil, fmt.Errorf("store: load shares: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sh Share
		var level string
		if err := rows.Scan(&sh.UserID, &level); err != nil {
			return nil, fmt.Errorf("store: scan share: %w", err)
		}
		sh.Level = access.Level(level)
		n.Shares = append(n.Shares, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load shares: %w", err)
	}
	return &n, nil
}

func (s *PostgresStore) Persist(ctx context.Context, noteID string, content notes.Content, editorID string) error {
	const query = `
		UPDATE notes
		SET content_delta = $2, content = $3, last_editor = $4, updated_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, noteID, content.Delta, content.Text, editorID)
	if err != nil {
		return s.noteErr("persist", err)
	}
	return expectRow(res, "persist")
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID string) (*Listing, error) {
	const owned = `
		SELECT n.id, n.title, n.owner_id, COALESCE(u.display_name, ''), n.is_public, n.tags, n.updated_at, ''
		FROM notes n LEFT JOIN users u ON u.id = n.owner_id
		WHERE n.owner_id = $1
		ORDER BY n.updated_at DESC`
	const shared = `
		SELECT n.id, n.title, n.owner_id, COALESCE(u.display_name, ''), n.is_public, n.tags, n.updated_at, s.level
		FROM notes n
		JOIN note_shares s ON s.note_id = n.id
		LEFT JOIN users u ON u.id = n.owner_id
		WHERE s.user_id = $1 AND n.owner_id <> $1
		ORDER BY n.updated_at DESC`
	const public = `
		SELECT n.id, n.title, n.owner_id, COALESCE(u.display_name, ''), n.is_public, n.tags, n.updated_at, ''
		FROM notes n LEFT JOIN users u ON u.id = n.owner_id
		WHERE n.is_public AND n.owner_id <> $1
		ORDER BY n.updated_at DESC`

	var l Listing
	var err error
	if l.Owned, err = s.listSummaries(ctx, owned, userID); err != nil {
		return nil, err
	}
	if l.Shared, err = s.listSummaries(ctx, shared, userID); err != nil {
		return nil, err
	}
	if l.Public, err = s.listSummaries(ctx, public, userID); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) listSummaries(ctx context.Context, query, userID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		var level string
		err := rows.Scan(&sum.ID, &sum.Title, &sum.OwnerID, &sum.OwnerName, &sum.IsPublic,
			pq.Array(&sum.Tags), &sum.UpdatedAt, &level)
		if err != nil {
			return nil, fmt.Errorf("store: scan summary: %w", err)
		}
		sum.Level = access.Level(level)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, ownerID, title string, content notes.Content, isPublic bool) (*Note, error) {
	const query = `
		INSERT INTO notes (id, title, owner_id, is_public, content_delta, content, last_editor)
		VALUES ($1, $2, $3, $4, $5, $6, $3)
		RETURNING created_at, updated_at`

	n := &Note{
		ID:         uuid.New().String(),
		Title:      title,
		OwnerID:    ownerID,
		IsPublic:   isPublic,
		Tags:       []string{},
		Content:    content,
		LastEditor: ownerID,
	}
	err := s.db.QueryRowContext(ctx, query, n.ID, title, ownerID, isPublic, content.Delta, content.Text).
		Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if isPQCode(err, pqForeignKeyViolation) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("store: create: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Rename(ctx context.Context, noteID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET title = $2, updated_at = NOW() WHERE id = $1`, noteID, title)
	if err != nil {
		return s.noteErr("rename", err)
	}
	return expectRow(res, "rename")
}

func (s *PostgresStore) SetPublic(ctx context.Context, noteID string, public bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET is_public = $2, updated_at = NOW() WHERE id = $1`, noteID, public)
	if err != nil {
		return s.noteErr("set public", err)
	}
	return expectRow(res, "set public")
}

func (s *PostgresStore) SetTags(ctx context.Context, noteID string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET tags = $2, updated_at = NOW() WHERE id = $1`, noteID, pq.Array(tags))
	if err != nil {
		return s.noteErr("set tags", err)
	}
	return expectRow(res, "set tags")
}

func (s *PostgresStore) Share(ctx context.Context, noteID, userID string, level access.Level) (bool, error) {
	// xmax is non-zero only for rows that took the ON CONFLICT update path.
	const query = `
		INSERT INTO note_shares (note_id, user_id, level)
		VALUES ($1, $2, $3)
		ON CONFLICT (note_id, user_id) DO UPDATE SET level = EXCLUDED.level
		RETURNING (xmax <> 0)`

	var updated bool
	err := s.db.QueryRowContext(ctx, query, noteID, userID, string(level)).Scan(&updated)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			if pqErr.Constraint == "note_shares_note_id_fkey" {
				return false, ErrNotFound
			}
			return false, ErrUserNotFound
		}
		return false, s.noteErr("share", err)
	}
	return updated, nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, userID, displayName string) error {
	const query = `
		INSERT INTO users (id, display_name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name)`

	if _, err := s.db.ExecContext(ctx, query, userID, displayName); err != nil {
		return fmt.Errorf("store: ensure user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: user exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// noteErr maps missing rows and malformed note ids to ErrNotFound.
func (s *PostgresStore) noteErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) || isPQCode(err, pqInvalidTextRepresent) {
		return ErrNotFound
	}
	return fmt.Errorf("store: %s: %w", op, err)
}

func expectRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isPQCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}
