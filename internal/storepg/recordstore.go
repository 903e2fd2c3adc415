package storepg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/namastack/outbox-go/internal/model"
	"github.com/namastack/outbox-go/internal/outboxerr"
)

// RecordStore is the Postgres-backed implementation of store.RecordStore.
type RecordStore struct {
	db *pgxpool.Pool
}

// NewRecordStore wraps an existing pool. The caller owns the pool's
// lifecycle (migrations, Close).
func NewRecordStore(db *pgxpool.Pool) *RecordStore {
	return &RecordStore{db: db}
}

func encodeContext(ctxMap map[string]string) (*string, error) {
	if len(ctxMap) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ctxMap)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeContext(raw *string) (map[string]string, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(*raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *RecordStore) Save(ctx context.Context, r model.OutboxRecord) error {
	ctxJSON, err := encodeContext(r.Context)
	if err != nil {
		return outboxerr.Configuration("encode outbox record context", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO outbox_record
			(id, status, record_key, record_type, payload, context, partition_no,
			 created_at, completed_at, failure_count, failure_reason, next_retry_at, handler_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			failure_count = EXCLUDED.failure_count,
			failure_reason = EXCLUDED.failure_reason,
			next_retry_at = EXCLUDED.next_retry_at
	`,
		r.ID, r.Status, r.Key, r.RecordType, r.Payload, ctxJSON, r.Partition,
		r.CreatedAt, r.CompletedAt, r.FailureCount, r.FailureReason, r.NextRetryAt, r.HandlerID,
	)
	if err != nil {
		return outboxerr.TransientStorage("save outbox record", err)
	}
	return nil
}

const selectRecordColumns = `
	id, status, record_key, record_type, payload, context, partition_no,
	created_at, completed_at, failure_count, failure_reason, next_retry_at, handler_id
`

func scanRecord(row pgx.Row) (model.OutboxRecord, error) {
	var r model.OutboxRecord
	var ctxJSON *string
	if err := row.Scan(
		&r.ID, &r.Status, &r.Key, &r.RecordType, &r.Payload, &ctxJSON, &r.Partition,
		&r.CreatedAt, &r.CompletedAt, &r.FailureCount, &r.FailureReason, &r.NextRetryAt, &r.HandlerID,
	); err != nil {
		return model.OutboxRecord{}, err
	}
	decoded, err := decodeContext(ctxJSON)
	if err != nil {
		return model.OutboxRecord{}, err
	}
	r.Context = decoded
	return r, nil
}

func (s *RecordStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.OutboxRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, outboxerr.TransientStorage("query outbox records", err)
	}
	defer rows.Close()

	var out []model.OutboxRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, outboxerr.TransientStorage("scan outbox record", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, outboxerr.TransientStorage("iterate outbox records", err)
	}
	return out, nil
}

func (s *RecordStore) FindPending(ctx context.Context) ([]model.OutboxRecord, error) {
	return s.queryRecords(ctx, `SELECT `+selectRecordColumns+` FROM outbox_record WHERE status = $1 ORDER BY created_at ASC`, model.RecordNew)
}

func (s *RecordStore) FindCompleted(ctx context.Context) ([]model.OutboxRecord, error) {
	return s.queryRecords(ctx, `SELECT `+selectRecordColumns+` FROM outbox_record WHERE status = $1 ORDER BY created_at ASC`, model.RecordCompleted)
}

func (s *RecordStore) FindFailed(ctx context.Context) ([]model.OutboxRecord, error) {
	return s.queryRecords(ctx, `SELECT `+selectRecordColumns+` FROM outbox_record WHERE status = $1 ORDER BY created_at ASC`, model.RecordFailed)
}

func (s *RecordStore) FindIncompleteRecordsByKey(ctx context.Context, key string) ([]model.OutboxRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+selectRecordColumns+`
		FROM outbox_record
		WHERE record_key = $1 AND status = $2
		ORDER BY created_at ASC
	`, key, model.RecordNew)
}

func (s *RecordStore) CountByStatus(ctx context.Context, status model.RecordStatus) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_record WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, outboxerr.TransientStorage("count outbox records by status", err)
	}
	return n, nil
}

func (s *RecordStore) CountByPartitionStatus(ctx context.Context, partition int, status model.RecordStatus) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_record WHERE partition_no = $1 AND status = $2`, partition, status).Scan(&n)
	if err != nil {
		return 0, outboxerr.TransientStorage("count outbox records by partition and status", err)
	}
	return n, nil
}

func (s *RecordStore) DeleteByStatus(ctx context.Context, status model.RecordStatus) error {
	_, err := s.db.Exec(ctx, `DELETE FROM outbox_record WHERE status = $1`, status)
	if err != nil {
		return outboxerr.TransientStorage("delete outbox records by status", err)
	}
	return nil
}

func (s *RecordStore) DeleteByKeyAndStatus(ctx context.Context, key string, status model.RecordStatus) error {
	_, err := s.db.Exec(ctx, `DELETE FROM outbox_record WHERE record_key = $1 AND status = $2`, key, status)
	if err != nil {
		return outboxerr.TransientStorage("delete outbox records by key and status", err)
	}
	return nil
}

func (s *RecordStore) DeleteByID(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM outbox_record WHERE id = $1`, id)
	if err != nil {
		return outboxerr.TransientStorage("delete outbox record by id", err)
	}
	return nil
}

// FindReadyRecordKeys implements the scheduler's primary query (section
// 4.3). When ignorePreviousFailure is true, a key is excluded if it has
// an earlier (strictly smaller created_at) sibling record that is not yet
// completed, via a NOT EXISTS correlated subquery.
func (s *RecordStore) FindReadyRecordKeys(ctx context.Context, partitions []int, status model.RecordStatus, batchSize int, ignorePreviousFailure bool) ([]string, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	if len(partitions) == 0 {
		return nil, nil
	}

	now := time.Now()

	query := `
		SELECT record_key, MIN(created_at) AS min_created
		FROM outbox_record r
		WHERE r.partition_no = ANY($1)
		  AND r.status = $2
		  AND r.next_retry_at <= $3
	`
	if ignorePreviousFailure {
		query += `
		  AND NOT EXISTS (
		      SELECT 1 FROM outbox_record earlier
		      WHERE earlier.record_key = r.record_key
		        AND earlier.created_at < r.created_at
		        AND earlier.completed_at IS NULL
		  )
		`
	}
	query += `
		GROUP BY record_key
		ORDER BY min_created ASC, record_key ASC
		LIMIT $4
	`

	rows, err := s.db.Query(ctx, query, partitions, status, now, batchSize)
	if err != nil {
		return nil, outboxerr.TransientStorage("find ready record keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		var minCreated time.Time
		if err := rows.Scan(&key, &minCreated); err != nil {
			return nil, outboxerr.TransientStorage("scan ready record key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, outboxerr.TransientStorage("iterate ready record keys", err)
	}
	return keys, nil
}
