package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	// A marker older than the dedup window is refreshed and counts as new.
	sqlMarkProcessed = `INSERT INTO processed_entities(uri, entity_type, digest, processed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(uri, entity_type, digest) DO UPDATE SET processed_at = excluded.processed_at
		WHERE processed_entities.processed_at < ?`
	sqlSelectProcessed = `SELECT 1 FROM processed_entities WHERE uri = ? AND entity_type = ? AND digest = ? AND processed_at >= ?`
	sqlPruneProcessed  = `DELETE FROM processed_entities WHERE processed_at < ?`
	sqlDeleteActor    = `DELETE FROM remote_actors WHERE uri = ?`
)

// Tx is an open inbox transaction. It implements domain.InboxTx.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// InInboxTx runs fn in one transaction. Returning an error rolls back every write,
// including the dedup marker.
func (db *DB) InInboxTx(ctx context.Context, fn func(tx domain.InboxTx) error) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return fn(&Tx{ctx: ctx, tx: tx})
	})
}

func (db *DB) Processed(ctx context.Context, uri, entityType, digest string, notBefore time.Time) (bool, error) {
	var one int
	err := db.db.QueryRowContext(ctx, sqlSelectProcessed, uri, entityType, digest, utc(notBefore)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// PruneProcessed drops dedup markers recorded before cutoff.
func (db *DB) PruneProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlPruneProcessed, utc(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (t *Tx) MarkProcessed(uri, entityType, digest string, at, notBefore time.Time) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, sqlMarkProcessed, uri, entityType, digest, utc(at), utc(notBefore))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *Tx) NoteByURI(uri string) (*domain.Note, error) {
	return scanNote(t.tx.QueryRowContext(t.ctx, sqlSelectNoteByURI, uri))
}

func (t *Tx) UpsertNote(note *domain.Note) error {
	if err := prepareNote(note); err != nil {
		return err
	}
	return execNote(t.ctx, t.tx, sqlUpsertNote, note)
}

func (t *Tx) TombstoneNote(uri string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, sqlTombstoneNote, utc(at), utc(at), uri)
	return err
}

func (t *Tx) DeleteNote(uri string) error {
	_, err := t.tx.ExecContext(t.ctx, sqlDeleteNote, uri)
	return err
}

func (t *Tx) RelationshipBetween(followerURI, followeeURI string) (*domain.Relationship, error) {
	return scanRelationship(t.tx.QueryRowContext(t.ctx, sqlSelectRelationship, followerURI, followeeURI))
}

func (t *Tx) UpsertRelationship(rel *domain.Relationship) error {
	return upsertRelationship(t.ctx, t.tx, rel)
}

func (t *Tx) SetRelationshipStatus(followerURI, followeeURI string, status domain.RelationshipStatus, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, sqlUpdateRelationshipStatus, string(status), utc(at), followerURI, followeeURI)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *Tx) RelationshipByURI(uri string) (*domain.Relationship, error) {
	return scanRelationship(t.tx.QueryRowContext(t.ctx, sqlSelectRelationshipByURI, uri))
}

func (t *Tx) DeleteRelationshipByURI(uri, followerURI string) error {
	_, err := t.tx.ExecContext(t.ctx, sqlDeleteRelationshipByURI, uri, followerURI)
	return err
}

func (t *Tx) AddReaction(r *domain.Reaction) error {
	if r.Id == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		r.Id = id
	}
	_, err := t.tx.ExecContext(t.ctx, sqlInsertReaction, r.Id, r.URI, r.SubjectURI, r.ActorURI, r.Content, utc(r.CreatedAt))
	return err
}

func (t *Tx) ReactionByURI(uri string) (*domain.Reaction, error) {
	return scanReaction(t.tx.QueryRowContext(t.ctx, sqlSelectReactionByURI, uri))
}

func (t *Tx) DeleteReactionByURI(uri, actorURI string) error {
	_, err := t.tx.ExecContext(t.ctx, sqlDeleteReactionByURI, uri, actorURI)
	return err
}

func (t *Tx) CreateReport(r *domain.Report) error {
	if r.Id == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		r.Id = id
	}
	reported, err := json.Marshal(r.Reported)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, sqlInsertReport, r.Id, r.URI, r.AuthorURI, string(reported), string(tags), r.Comment, utc(r.CreatedAt))
	return err
}

func (t *Tx) DeleteActor(uri string) error {
	for _, stmt := range []struct {
		query string
		args  []any
	}{
		{sqlDeleteRelationshipsByActor, []any{uri, uri}},
		{sqlDeleteReactionsByActor, []any{uri}},
		{sqlDeleteNotesByAuthor, []any{uri}},
		{sqlDeleteActor, []any{uri}},
	} {
		if _, err := t.tx.ExecContext(t.ctx, stmt.query, stmt.args...); err != nil {
			return err
		}
	}
	return nil
}
