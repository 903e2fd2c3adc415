package storepg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/namastack/outbox-go/internal/model"
	"github.com/namastack/outbox-go/internal/outboxerr"
)

// InstanceRegistry is the Postgres-backed implementation of
// store.InstanceRegistry.
type InstanceRegistry struct {
	db *pgxpool.Pool
}

func NewInstanceRegistry(db *pgxpool.Pool) *InstanceRegistry {
	return &InstanceRegistry{db: db}
}

const selectInstanceColumns = `
	instance_id, hostname, port, status, started_at, last_heartbeat, created_at, updated_at
`

func scanInstance(row pgx.Row) (model.OutboxInstance, error) {
	var i model.OutboxInstance
	err := row.Scan(&i.InstanceID, &i.Hostname, &i.Port, &i.Status, &i.StartedAt, &i.LastHeartbeat, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

func (s *InstanceRegistry) Save(ctx context.Context, inst model.OutboxInstance) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO outbox_instance
			(instance_id, hostname, port, status, started_at, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (instance_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			port = EXCLUDED.port,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = EXCLUDED.updated_at
	`, inst.InstanceID, inst.Hostname, inst.Port, inst.Status, inst.StartedAt, inst.LastHeartbeat, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return outboxerr.TransientStorage("save outbox instance", err)
	}
	return nil
}

func (s *InstanceRegistry) FindByID(ctx context.Context, instanceID string) (*model.OutboxInstance, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectInstanceColumns+` FROM outbox_instance WHERE instance_id = $1`, instanceID)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, outboxerr.TransientStorage("find outbox instance by id", err)
	}
	return &inst, nil
}

func (s *InstanceRegistry) queryInstances(ctx context.Context, query string, args ...any) ([]model.OutboxInstance, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, outboxerr.TransientStorage("query outbox instances", err)
	}
	defer rows.Close()

	var out []model.OutboxInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, outboxerr.TransientStorage("scan outbox instance", err)
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, outboxerr.TransientStorage("iterate outbox instances", err)
	}
	return out, nil
}

func (s *InstanceRegistry) FindAll(ctx context.Context) ([]model.OutboxInstance, error) {
	return s.queryInstances(ctx, `SELECT `+selectInstanceColumns+` FROM outbox_instance ORDER BY created_at ASC`)
}

func (s *InstanceRegistry) FindByStatus(ctx context.Context, status model.InstanceStatus) ([]model.OutboxInstance, error) {
	return s.queryInstances(ctx, `SELECT `+selectInstanceColumns+` FROM outbox_instance WHERE status = $1`, status)
}

func (s *InstanceRegistry) FindActive(ctx context.Context) ([]model.OutboxInstance, error) {
	return s.queryInstances(ctx, `SELECT `+selectInstanceColumns+` FROM outbox_instance WHERE status IN ($1, $2)`, model.InstanceActive, model.InstanceShuttingDown)
}

func (s *InstanceRegistry) FindInstancesWithStaleHeartbeat(ctx context.Context, cutoff time.Time) ([]model.OutboxInstance, error) {
	return s.queryInstances(ctx, `SELECT `+selectInstanceColumns+` FROM outbox_instance WHERE last_heartbeat < $1`, cutoff)
}

func (s *InstanceRegistry) UpdateHeartbeat(ctx context.Context, instanceID string, at time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE outbox_instance SET last_heartbeat = $1, updated_at = $1 WHERE instance_id = $2`, at, instanceID)
	if err != nil {
		return 0, outboxerr.TransientStorage("update outbox instance heartbeat", err)
	}
	return tag.RowsAffected(), nil
}

func (s *InstanceRegistry) UpdateStatus(ctx context.Context, instanceID string, status model.InstanceStatus, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE outbox_instance SET status = $1, updated_at = $2 WHERE instance_id = $3`, status, at, instanceID)
	if err != nil {
		return outboxerr.TransientStorage("update outbox instance status", err)
	}
	return nil
}

func (s *InstanceRegistry) CountByStatus(ctx context.Context, status model.InstanceStatus) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_instance WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, outboxerr.TransientStorage("count outbox instances by status", err)
	}
	return n, nil
}

func (s *InstanceRegistry) DeleteByID(ctx context.Context, instanceID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM outbox_instance WHERE instance_id = $1`, instanceID)
	if err != nil {
		return outboxerr.TransientStorage("delete outbox instance", err)
	}
	return nil
}
