package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		locked INTEGER NOT NULL DEFAULT 0,
		public_key TEXT NOT NULL,
		private_key_pem TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		following_uri TEXT NOT NULL DEFAULT '',
		featured_uri TEXT NOT NULL DEFAULT '',
		instance_base_url TEXT NOT NULL,
		manually_approves INTEGER NOT NULL DEFAULT 0,
		fetched_at TIMESTAMP NOT NULL
	)`

	sqlCreateRemoteInstancesTable = `CREATE TABLE IF NOT EXISTS remote_instances (
		base_url TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL,
		software_name TEXT NOT NULL DEFAULT '',
		software_version TEXT NOT NULL DEFAULT '',
		compatible_versions TEXT NOT NULL DEFAULT '[]',
		shared_inbox TEXT NOT NULL DEFAULT '',
		fetched_at TIMESTAMP NOT NULL
	)`

	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		author_uri TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT 'text/plain',
		visibility TEXT NOT NULL DEFAULT 'public',
		replies_to TEXT NOT NULL DEFAULT '',
		quotes TEXT NOT NULL DEFAULT '',
		reblogs TEXT NOT NULL DEFAULT '',
		sensitive INTEGER NOT NULL DEFAULT 0,
		subject TEXT NOT NULL DEFAULT '',
		local INTEGER NOT NULL DEFAULT 0,
		raw_json TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	)`

	sqlCreateNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_notes_author_uri ON notes(author_uri, id);
		CREATE INDEX IF NOT EXISTS idx_notes_replies_to ON notes(replies_to, id);
		CREATE INDEX IF NOT EXISTS idx_notes_quotes ON notes(quotes, id);
		CREATE INDEX IF NOT EXISTS idx_notes_reblogs ON notes(reblogs, id);
	`

	sqlCreateRelationshipsTable = `CREATE TABLE IF NOT EXISTS relationships (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT NOT NULL,
		follower_uri TEXT NOT NULL,
		followee_uri TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(follower_uri, followee_uri)
	)`

	sqlCreateRelationshipsIndices = `
		CREATE INDEX IF NOT EXISTS idx_relationships_uri ON relationships(uri);
		CREATE INDEX IF NOT EXISTS idx_relationships_followee ON relationships(followee_uri, status, id);
		CREATE INDEX IF NOT EXISTS idx_relationships_follower ON relationships(follower_uri, status, id);
	`

	sqlCreateReactionsTable = `CREATE TABLE IF NOT EXISTS reactions (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT NOT NULL,
		subject_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(subject_uri, actor_uri, content)
	)`

	sqlCreateReactionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_reactions_uri ON reactions(uri);
	`

	sqlCreateReportsTable = `CREATE TABLE IF NOT EXISTS reports (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		author_uri TEXT NOT NULL DEFAULT '',
		reported TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		comment TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateDeliveryJobsTable = `CREATE TABLE IF NOT EXISTS delivery_jobs (
		id TEXT NOT NULL PRIMARY KEY,
		target_inbox_uri TEXT NOT NULL,
		entity_uri TEXT NOT NULL,
		payload TEXT NOT NULL,
		signing_actor TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`

	sqlCreateDeliveryJobsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_due ON delivery_jobs(status, next_attempt_at);
	`

	sqlCreateProcessedEntitiesTable = `CREATE TABLE IF NOT EXISTS processed_entities (
		uri TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		digest TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL,
		PRIMARY KEY(uri, entity_type, digest)
	)`

	sqlCreateProcessedEntitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_processed_entities_at ON processed_entities(processed_at);
	`
)

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{"accounts", sqlCreateAccountsTable},
	{"remote_actors", sqlCreateRemoteActorsTable},
	{"remote_instances", sqlCreateRemoteInstancesTable},
	{"notes", sqlCreateNotesTable},
	{"notes indices", sqlCreateNotesIndices},
	{"relationships", sqlCreateRelationshipsTable},
	{"relationships indices", sqlCreateRelationshipsIndices},
	{"reactions", sqlCreateReactionsTable},
	{"reactions indices", sqlCreateReactionsIndices},
	{"reports", sqlCreateReportsTable},
	{"delivery_jobs", sqlCreateDeliveryJobsTable},
	{"delivery_jobs indices", sqlCreateDeliveryJobsIndices},
	{"processed_entities", sqlCreateProcessedEntitiesTable},
	{"processed_entities indices", sqlCreateProcessedEntitiesIndices},
}

// RunMigrations creates every table and index that does not exist yet.
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, m := range migrations {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				db.log.Error("db: migration failed", zap.String("migration", m.name), zap.Error(err))
				return fmt.Errorf("migration %s: %w", m.name, err)
			}
		}
		db.log.Debug("db: migrations applied", zap.Int("count", len(migrations)))
		return nil
	})
}
