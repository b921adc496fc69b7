package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	sqlDeliveryJobColumns = `id, target_inbox_uri, entity_uri, payload, signing_actor, attempt_count, next_attempt_at, status, last_error, created_at, updated_at`
	sqlInsertDeliveryJob  = `INSERT INTO delivery_jobs(` + sqlDeliveryJobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDueJobs      = `SELECT ` + sqlDeliveryJobColumns + ` FROM delivery_jobs WHERE status = 'pending' AND next_attempt_at <= ? ORDER BY next_attempt_at, id LIMIT ?`
	sqlClaimJob           = `UPDATE delivery_jobs SET status = 'in_flight', updated_at = ? WHERE id = ? AND status = 'pending'`
	sqlMarkDelivered      = `UPDATE delivery_jobs SET status = 'delivered', attempt_count = ?, last_error = '', updated_at = ? WHERE id = ? AND status = 'in_flight'`
	sqlScheduleRetry      = `UPDATE delivery_jobs SET status = 'pending', attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = 'in_flight'`
	sqlMarkFailed         = `UPDATE delivery_jobs SET status = 'failed', attempt_count = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = 'in_flight'`
	sqlReleaseJob         = `UPDATE delivery_jobs SET status = 'pending', updated_at = ? WHERE id = ? AND status = 'in_flight'`
	sqlRequeueInFlight    = `UPDATE delivery_jobs SET status = 'pending', updated_at = ? WHERE status = 'in_flight'`
	// A dead-lettered job stays failed; requeueing enqueues a copy under a new id.
	sqlRequeueFailedJob = `INSERT INTO delivery_jobs(` + sqlDeliveryJobColumns + `)
		SELECT ?, target_inbox_uri, entity_uri, payload, signing_actor, 0, ?, 'pending', '', ?, ?
		FROM delivery_jobs WHERE id = ? AND status = 'failed'`
	sqlSelectJobsByState  = `SELECT ` + sqlDeliveryJobColumns + ` FROM delivery_jobs WHERE status = ? ORDER BY created_at, id LIMIT ?`
	sqlSelectJobById      = `SELECT ` + sqlDeliveryJobColumns + ` FROM delivery_jobs WHERE id = ?`
)

func (db *DB) InsertDeliveryJobs(ctx context.Context, jobs []*domain.DeliveryJob) error {
	for _, job := range jobs {
		if job.Id == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			job.Id = id
		}
		if job.Status == "" {
			job.Status = domain.DeliveryPending
		}
		if job.UpdatedAt.IsZero() {
			job.UpdatedAt = job.CreatedAt
		}
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, job := range jobs {
			_, err := tx.ExecContext(ctx, sqlInsertDeliveryJob,
				job.Id,
				job.TargetInboxURI,
				job.EntityURI,
				job.Payload,
				job.SigningActor,
				job.AttemptCount,
				utc(job.NextAttemptAt),
				string(job.Status),
				job.LastError,
				utc(job.CreatedAt),
				utc(job.UpdatedAt),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryJob, error) {
	var jobs []*domain.DeliveryJob
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		jobs = nil
		rows, err := tx.QueryContext(ctx, sqlSelectDueJobs, utc(now), limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			job, err := scanDeliveryJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			jobs = append(jobs, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, job := range jobs {
			if _, err := tx.ExecContext(ctx, sqlClaimJob, utc(now), job.Id); err != nil {
				return err
			}
			job.Status = domain.DeliveryInFlight
			job.UpdatedAt = now
		}
		return nil
	})
	return jobs, err
}

func (db *DB) MarkDelivered(ctx context.Context, id uuid.UUID, attempts int, at time.Time) error {
	return db.execJob(ctx, sqlMarkDelivered, attempts, utc(at), id)
}

func (db *DB) ScheduleRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string, at time.Time) error {
	return db.execJob(ctx, sqlScheduleRetry, attempts, utc(next), lastErr, utc(at), id)
}

func (db *DB) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string, at time.Time) error {
	return db.execJob(ctx, sqlMarkFailed, attempts, lastErr, utc(at), id)
}

func (db *DB) ReleaseJob(ctx context.Context, id uuid.UUID, at time.Time) error {
	return db.execJob(ctx, sqlReleaseJob, utc(at), id)
}

func (db *DB) RequeueJob(ctx context.Context, id uuid.UUID, at time.Time) (uuid.UUID, error) {
	copyId, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}
	if err := db.execJob(ctx, sqlRequeueFailedJob, copyId, utc(at), utc(at), utc(at), id); err != nil {
		return uuid.Nil, err
	}
	return copyId, nil
}

func (db *DB) RequeueInFlight(ctx context.Context, at time.Time) (int, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlRequeueInFlight, utc(at))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (db *DB) ListDeliveryJobs(ctx context.Context, status domain.DeliveryStatus, limit int) ([]*domain.DeliveryJob, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectJobsByState, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.DeliveryJob
	for rows.Next() {
		job, err := scanDeliveryJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (db *DB) DeliveryJobById(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error) {
	return scanDeliveryJob(db.db.QueryRowContext(ctx, sqlSelectJobById, id))
}

// execJob runs a single-row job transition. A job not in the expected state is ErrNotFound.
func (db *DB) execJob(ctx context.Context, query string, args ...any) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanDeliveryJob(row scanner) (*domain.DeliveryJob, error) {
	var job domain.DeliveryJob
	var status string
	err := row.Scan(
		&job.Id,
		&job.TargetInboxURI,
		&job.EntityURI,
		&job.Payload,
		&job.SigningActor,
		&job.AttemptCount,
		&job.NextAttemptAt,
		&status,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	job.Status = domain.DeliveryStatus(status)
	return &job, nil
}
