package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	sqlNoteColumns = `id, uri, author_uri, content, content_type, visibility, replies_to, quotes, reblogs, sensitive, subject, local, raw_json, created_at, updated_at, deleted_at`
	sqlInsertNote  = `INSERT INTO notes(` + sqlNoteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`

	// Tombstoned notes are not revived by a late update.
	sqlUpsertNote = sqlInsertNote + `
		ON CONFLICT(uri) DO UPDATE SET
			content = excluded.content,
			content_type = excluded.content_type,
			visibility = excluded.visibility,
			replies_to = excluded.replies_to,
			quotes = excluded.quotes,
			reblogs = excluded.reblogs,
			sensitive = excluded.sensitive,
			subject = excluded.subject,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
		WHERE notes.deleted_at IS NULL`
	sqlSelectNoteByURI     = `SELECT ` + sqlNoteColumns + ` FROM notes WHERE uri = ?`
	sqlSelectNoteById      = `SELECT ` + sqlNoteColumns + ` FROM notes WHERE id = ?`
	sqlTombstoneNote       = `UPDATE notes SET deleted_at = ?, content = '', raw_json = '', updated_at = ? WHERE uri = ? AND deleted_at IS NULL`
	sqlDeleteNote          = `DELETE FROM notes WHERE uri = ?`
	sqlDeleteNotesByAuthor = `DELETE FROM notes WHERE author_uri = ?`
	sqlCountNotes          = `SELECT COUNT(*) FROM notes`
	sqlSelectNotesByAuthor = `SELECT ` + sqlNoteColumns + ` FROM notes WHERE author_uri = ? AND deleted_at IS NULL ORDER BY id DESC LIMIT ?`
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateNote stores a locally authored note.
func (db *DB) CreateNote(ctx context.Context, note *domain.Note) error {
	if err := prepareNote(note); err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return execNote(ctx, tx, sqlInsertNote, note)
	})
}

func (db *DB) NoteByURI(ctx context.Context, uri string) (*domain.Note, error) {
	return scanNote(db.db.QueryRowContext(ctx, sqlSelectNoteByURI, uri))
}

func (db *DB) NoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error) {
	return scanNote(db.db.QueryRowContext(ctx, sqlSelectNoteById, id))
}

func (db *DB) CountNotes(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountNotes).Scan(&n)
	return n, err
}

// NotesByAuthor returns the newest live notes of an author.
func (db *DB) NotesByAuthor(ctx context.Context, authorURI string, limit int) ([]*domain.Note, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectNotesByAuthor, authorURI, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []*domain.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func prepareNote(note *domain.Note) error {
	if note.Id == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		note.Id = id
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	if note.UpdatedAt.IsZero() {
		note.UpdatedAt = note.CreatedAt
	}
	if note.ContentType == "" {
		note.ContentType = "text/plain"
	}
	return nil
}

func execNote(ctx context.Context, q querier, query string, note *domain.Note) error {
	_, err := q.ExecContext(ctx, query,
		note.Id,
		note.URI,
		note.AuthorURI,
		note.Content,
		note.ContentType,
		note.Visibility,
		note.RepliesTo,
		note.Quotes,
		note.Reblogs,
		note.Sensitive,
		note.Subject,
		note.Local,
		note.RawJSON,
		utc(note.CreatedAt),
		utc(note.UpdatedAt),
	)
	return err
}

func scanNote(row scanner) (*domain.Note, error) {
	var note domain.Note
	var deletedAt sql.NullTime
	err := row.Scan(
		&note.Id,
		&note.URI,
		&note.AuthorURI,
		&note.Content,
		&note.ContentType,
		&note.Visibility,
		&note.RepliesTo,
		&note.Quotes,
		&note.Reblogs,
		&note.Sensitive,
		&note.Subject,
		&note.Local,
		&note.RawJSON,
		&note.CreatedAt,
		&note.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		note.DeletedAt = &t
	}
	return &note, nil
}
