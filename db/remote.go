package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	sqlRemoteActorColumns = `id, uri, username, display_name, public_key, inbox_uri, outbox_uri, followers_uri, following_uri, featured_uri, instance_base_url, manually_approves, fetched_at`

	// The id of an existing row is kept so references stay valid across refreshes.
	sqlUpsertRemoteActor = `INSERT INTO remote_actors(` + sqlRemoteActorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			public_key = excluded.public_key,
			inbox_uri = excluded.inbox_uri,
			outbox_uri = excluded.outbox_uri,
			followers_uri = excluded.followers_uri,
			following_uri = excluded.following_uri,
			featured_uri = excluded.featured_uri,
			instance_base_url = excluded.instance_base_url,
			manually_approves = excluded.manually_approves,
			fetched_at = excluded.fetched_at`
	sqlSelectRemoteActorByURI = `SELECT ` + sqlRemoteActorColumns + ` FROM remote_actors WHERE uri = ?`
	sqlCountRemoteActors      = `SELECT COUNT(*) FROM remote_actors`

	sqlRemoteInstanceColumns = `base_url, name, public_key, software_name, software_version, compatible_versions, shared_inbox, fetched_at`
	sqlUpsertRemoteInstance  = `INSERT INTO remote_instances(` + sqlRemoteInstanceColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(base_url) DO UPDATE SET
			name = excluded.name,
			public_key = excluded.public_key,
			software_name = excluded.software_name,
			software_version = excluded.software_version,
			compatible_versions = excluded.compatible_versions,
			shared_inbox = excluded.shared_inbox,
			fetched_at = excluded.fetched_at`
	sqlSelectRemoteInstance = `SELECT ` + sqlRemoteInstanceColumns + ` FROM remote_instances WHERE base_url = ?`
)

func (db *DB) UpsertRemoteActor(ctx context.Context, actor *domain.RemoteActor) error {
	if actor.Id == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		actor.Id = id
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemoteActor,
			actor.Id,
			actor.URI,
			actor.Username,
			actor.DisplayName,
			actor.PublicKey,
			actor.InboxURI,
			actor.OutboxURI,
			actor.FollowersURI,
			actor.FollowingURI,
			actor.FeaturedURI,
			actor.InstanceBaseURL,
			actor.ManuallyApproves,
			utc(actor.FetchedAt),
		)
		return err
	})
}

func (db *DB) RemoteActorByURI(ctx context.Context, uri string) (*domain.RemoteActor, error) {
	var a domain.RemoteActor
	err := db.db.QueryRowContext(ctx, sqlSelectRemoteActorByURI, uri).Scan(
		&a.Id,
		&a.URI,
		&a.Username,
		&a.DisplayName,
		&a.PublicKey,
		&a.InboxURI,
		&a.OutboxURI,
		&a.FollowersURI,
		&a.FollowingURI,
		&a.FeaturedURI,
		&a.InstanceBaseURL,
		&a.ManuallyApproves,
		&a.FetchedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// CountRemoteActors returns the number of cached remote actors.
func (db *DB) CountRemoteActors(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountRemoteActors).Scan(&n)
	return n, err
}

func (db *DB) UpsertRemoteInstance(ctx context.Context, instance *domain.RemoteInstance) error {
	versions, err := json.Marshal(instance.CompatibleVersions)
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemoteInstance,
			instance.BaseURL,
			instance.Name,
			instance.PublicKey,
			instance.SoftwareName,
			instance.SoftwareVersion,
			string(versions),
			instance.SharedInbox,
			utc(instance.FetchedAt),
		)
		return err
	})
}

func (db *DB) RemoteInstanceByBaseURL(ctx context.Context, baseURL string) (*domain.RemoteInstance, error) {
	var inst domain.RemoteInstance
	var versions string
	err := db.db.QueryRowContext(ctx, sqlSelectRemoteInstance, baseURL).Scan(
		&inst.BaseURL,
		&inst.Name,
		&inst.PublicKey,
		&inst.SoftwareName,
		&inst.SoftwareVersion,
		&versions,
		&inst.SharedInbox,
		&inst.FetchedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(versions), &inst.CompatibleVersions); err != nil {
		return nil, err
	}
	return &inst, nil
}
