package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	sqlRelationshipColumns = `id, uri, follower_uri, followee_uri, status, created_at, updated_at`

	// A repeated follow request reuses the row; its status is reset unless already accepted.
	sqlUpsertRelationship = `INSERT INTO relationships(` + sqlRelationshipColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(follower_uri, followee_uri) DO UPDATE SET
			uri = excluded.uri,
			status = CASE WHEN relationships.status = 'accepted' THEN relationships.status ELSE excluded.status END,
			updated_at = excluded.updated_at`
	sqlSelectRelationship         = `SELECT ` + sqlRelationshipColumns + ` FROM relationships WHERE follower_uri = ? AND followee_uri = ?`
	sqlUpdateRelationshipStatus   = `UPDATE relationships SET status = ?, updated_at = ? WHERE follower_uri = ? AND followee_uri = ?`
	sqlSelectRelationshipByURI    = `SELECT ` + sqlRelationshipColumns + ` FROM relationships WHERE uri = ?`
	sqlDeleteRelationshipByURI    = `DELETE FROM relationships WHERE uri = ? AND follower_uri = ?`
	sqlDeleteRelationshipsByActor = `DELETE FROM relationships WHERE follower_uri = ? OR followee_uri = ?`
	sqlSelectFollowerURIs         = `SELECT follower_uri FROM relationships WHERE followee_uri = ? AND status = 'accepted' ORDER BY id`

	sqlInsertReaction = `INSERT INTO reactions(id, uri, subject_uri, actor_uri, content, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_uri, actor_uri, content) DO NOTHING`
	sqlSelectReactionByURI      = `SELECT id, uri, subject_uri, actor_uri, content, created_at FROM reactions WHERE uri = ?`
	sqlDeleteReactionByURI      = `DELETE FROM reactions WHERE uri = ? AND actor_uri = ?`
	sqlDeleteReactionsByActor   = `DELETE FROM reactions WHERE actor_uri = ?`
	sqlSelectReactionsBySubject = `SELECT id, uri, subject_uri, actor_uri, content, created_at FROM reactions WHERE subject_uri = ? ORDER BY id`

	sqlInsertReport = `INSERT INTO reports(id, uri, author_uri, reported, tags, comment, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO NOTHING`
	sqlSelectReports = `SELECT id, uri, author_uri, reported, tags, comment, created_at FROM reports ORDER BY id DESC LIMIT ?`
)

// UpsertRelationship records a follow originating locally.
func (db *DB) UpsertRelationship(ctx context.Context, rel *domain.Relationship) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return upsertRelationship(ctx, tx, rel)
	})
}

func (db *DB) RelationshipBetween(ctx context.Context, followerURI, followeeURI string) (*domain.Relationship, error) {
	return scanRelationship(db.db.QueryRowContext(ctx, sqlSelectRelationship, followerURI, followeeURI))
}

// FollowerURIs lists the accepted followers of an actor.
func (db *DB) FollowerURIs(ctx context.Context, followeeURI string) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerURIs, followeeURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}

func (db *DB) ReactionsFor(ctx context.Context, subjectURI string) ([]*domain.Reaction, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectReactionsBySubject, subjectURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reactions []*domain.Reaction
	for rows.Next() {
		r, err := scanReaction(rows)
		if err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}

// ListReports returns the newest moderation reports.
func (db *DB) ListReports(ctx context.Context, limit int) ([]*domain.Report, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectReports, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*domain.Report
	for rows.Next() {
		var r domain.Report
		var reported, tags string
		if err := rows.Scan(&r.Id, &r.URI, &r.AuthorURI, &reported, &tags, &r.Comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(reported), &r.Reported); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, err
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

func upsertRelationship(ctx context.Context, q querier, rel *domain.Relationship) error {
	if rel.Id == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		rel.Id = id
	}
	now := time.Now()
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = now
	}
	if rel.UpdatedAt.IsZero() {
		rel.UpdatedAt = rel.CreatedAt
	}
	_, err := q.ExecContext(ctx, sqlUpsertRelationship,
		rel.Id,
		rel.URI,
		rel.FollowerURI,
		rel.FolloweeURI,
		string(rel.Status),
		utc(rel.CreatedAt),
		utc(rel.UpdatedAt),
	)
	return err
}

func scanRelationship(row scanner) (*domain.Relationship, error) {
	var rel domain.Relationship
	var status string
	err := row.Scan(&rel.Id, &rel.URI, &rel.FollowerURI, &rel.FolloweeURI, &status, &rel.CreatedAt, &rel.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	rel.Status = domain.RelationshipStatus(status)
	return &rel, nil
}

func scanReaction(row scanner) (*domain.Reaction, error) {
	var r domain.Reaction
	if err := row.Scan(&r.Id, &r.URI, &r.SubjectURI, &r.ActorURI, &r.Content, &r.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}
