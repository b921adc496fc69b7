package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

// collectionQuery describes where the members of one collection kind live.
type collectionQuery struct {
	table  string
	item   string
	filter string
}

var collectionQueries = map[domain.CollectionKind]collectionQuery{
	domain.CollectionReplies:   {"notes", "uri", "replies_to = ? AND deleted_at IS NULL"},
	domain.CollectionQuotes:    {"notes", "uri", "quotes = ? AND deleted_at IS NULL"},
	domain.CollectionShares:    {"notes", "uri", "reblogs = ? AND deleted_at IS NULL"},
	domain.CollectionOutbox:    {"notes", "uri", "author_uri = ? AND deleted_at IS NULL AND visibility IN ('public', 'unlisted')"},
	domain.CollectionFollowers: {"relationships", "follower_uri", "followee_uri = ? AND status = 'accepted'"},
	domain.CollectionFollowing: {"relationships", "followee_uri", "follower_uri = ? AND status = 'accepted'"},
}

func lookupCollection(kind domain.CollectionKind) (collectionQuery, error) {
	q, ok := collectionQueries[kind]
	if !ok {
		return q, fmt.Errorf("unknown collection %q", kind)
	}
	return q, nil
}

// CollectionItems returns one window of a collection in ascending id order.
// Ids are time-ordered UUIDs stored as text, so text order is id order.
func (db *DB) CollectionItems(ctx context.Context, kind domain.CollectionKind, subject string, page domain.PageQuery) ([]domain.CollectionItem, error) {
	c, err := lookupCollection(kind)
	if err != nil {
		return nil, err
	}

	var query string
	args := []any{subject}
	switch {
	case page.AfterID != uuid.Nil:
		query = fmt.Sprintf(`SELECT id, %s FROM %s WHERE %s AND id > ? ORDER BY id ASC LIMIT ?`, c.item, c.table, c.filter)
		args = append(args, page.AfterID, page.Limit)
	case page.BeforeID != uuid.Nil:
		// Walk backwards from the cursor (inclusive), then restore ascending order.
		query = fmt.Sprintf(`SELECT id, item FROM (SELECT id, %s AS item FROM %s WHERE %s AND id <= ? ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, c.item, c.table, c.filter)
		args = append(args, page.BeforeID, page.Limit)
	default:
		query = fmt.Sprintf(`SELECT id, %s FROM %s WHERE %s ORDER BY id ASC LIMIT ? OFFSET ?`, c.item, c.table, c.filter)
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []domain.CollectionItem{}
	for rows.Next() {
		var item domain.CollectionItem
		if err := rows.Scan(&item.Id, &item.URI); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) CollectionCount(ctx context.Context, kind domain.CollectionKind, subject string) (uint64, error) {
	c, err := lookupCollection(kind)
	if err != nil {
		return 0, err
	}
	var n uint64
	err = db.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, c.table, c.filter), subject).Scan(&n)
	return n, err
}

func (db *DB) CollectionRank(ctx context.Context, kind domain.CollectionKind, subject string, id uuid.UUID) (uint64, error) {
	c, err := lookupCollection(kind)
	if err != nil {
		return 0, err
	}
	var n uint64
	err = db.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s AND id < ?`, c.table, c.filter), subject, id).Scan(&n)
	return n, err
}

func (db *DB) CollectionPredecessor(ctx context.Context, kind domain.CollectionKind, subject string, id uuid.UUID) (uuid.UUID, error) {
	c, err := lookupCollection(kind)
	if err != nil {
		return uuid.Nil, err
	}
	var prev uuid.UUID
	err = db.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE %s AND id < ? ORDER BY id DESC LIMIT 1`, c.table, c.filter), subject, id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, nil
	}
	return prev, err
}
