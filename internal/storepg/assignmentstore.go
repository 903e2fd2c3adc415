package storepg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/namastack/outbox-go/internal/model"
	"github.com/namastack/outbox-go/internal/outboxerr"
)

const pgUniqueViolation = "23505"

// AssignmentStore is the Postgres-backed implementation of
// store.AssignmentStore. SaveAll is the system's only concurrency
// primitive (section 4.5): it runs in a single transaction and aborts the
// whole batch on the first optimistic-version mismatch or primary-key
// conflict.
type AssignmentStore struct {
	db *pgxpool.Pool
}

func NewAssignmentStore(db *pgxpool.Pool) *AssignmentStore {
	return &AssignmentStore{db: db}
}

func scanAssignment(row pgx.Row) (model.PartitionAssignment, error) {
	var a model.PartitionAssignment
	err := row.Scan(&a.PartitionNumber, &a.InstanceID, &a.Version, &a.UpdatedAt)
	return a, err
}

const selectAssignmentColumns = `partition_number, instance_id, version, updated_at`

func (s *AssignmentStore) FindAll(ctx context.Context) ([]model.PartitionAssignment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+selectAssignmentColumns+` FROM outbox_partition ORDER BY partition_number ASC`)
	if err != nil {
		return nil, outboxerr.TransientStorage("query partition assignments", err)
	}
	defer rows.Close()

	var out []model.PartitionAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, outboxerr.TransientStorage("scan partition assignment", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, outboxerr.TransientStorage("iterate partition assignments", err)
	}
	return out, nil
}

func (s *AssignmentStore) FindByInstanceID(ctx context.Context, instanceID string) ([]model.PartitionAssignment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+selectAssignmentColumns+` FROM outbox_partition WHERE instance_id = $1 ORDER BY partition_number ASC`, instanceID)
	if err != nil {
		return nil, outboxerr.TransientStorage("query partition assignments by instance", err)
	}
	defer rows.Close()

	var out []model.PartitionAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, outboxerr.TransientStorage("scan partition assignment", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, outboxerr.TransientStorage("iterate partition assignments", err)
	}
	return out, nil
}

func (s *AssignmentStore) SaveAll(ctx context.Context, assignments []model.PartitionAssignment) error {
	if len(assignments) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return outboxerr.TransientStorage("begin saveAll transaction", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()

	for _, a := range assignments {
		var existingVersion int64
		err := tx.QueryRow(ctx, `SELECT version FROM outbox_partition WHERE partition_number = $1 FOR UPDATE`, a.PartitionNumber).Scan(&existingVersion)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			_, insertErr := tx.Exec(ctx, `
				INSERT INTO outbox_partition (partition_number, instance_id, version, updated_at)
				VALUES ($1, $2, 0, $3)
			`, a.PartitionNumber, a.InstanceID, now)
			if insertErr != nil {
				var pgErr *pgconn.PgError
				if errors.As(insertErr, &pgErr) && pgErr.Code == pgUniqueViolation {
					return outboxerr.IntegrityViolation("partition already claimed", insertErr)
				}
				return outboxerr.TransientStorage("insert partition assignment", insertErr)
			}

		case err != nil:
			return outboxerr.TransientStorage("read partition assignment for update", err)

		case existingVersion != a.Version:
			return outboxerr.OptimisticConflict("partition assignment version mismatch")

		default:
			_, updateErr := tx.Exec(ctx, `
				UPDATE outbox_partition
				SET instance_id = $1, version = version + 1, updated_at = $2
				WHERE partition_number = $3 AND version = $4
			`, a.InstanceID, now, a.PartitionNumber, a.Version)
			if updateErr != nil {
				return outboxerr.TransientStorage("update partition assignment", updateErr)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return outboxerr.TransientStorage("commit saveAll transaction", err)
	}
	return nil
}
