package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
)

const recordColumns = `id, to_address, from_address, body, status, status_reason,
	retry_count, version, queued_at, processed_at, created_at, modified_at`

type PostgresMessageRepo struct {
	db *pgxpool.Pool
}

func NewPostgresMessageRepo(db *pgxpool.Pool) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

func (r *PostgresMessageRepo) Insert(ctx context.Context, msg model.NewMessage) (model.MessageRecord, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO messages (to_address, from_address, body, status)
		VALUES ($1, $2, $3, 'created')
		RETURNING `+recordColumns,
		msg.To, msg.From, msg.Body,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return model.MessageRecord{}, fmt.Errorf("insert message: %w", err)
	}
	return rec, nil
}

func (r *PostgresMessageRepo) Get(ctx context.Context, id int64) (model.MessageRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM messages WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MessageRecord{}, ErrNotFound
	}
	if err != nil {
		return model.MessageRecord{}, fmt.Errorf("get message %d: %w", id, err)
	}
	return rec, nil
}

func (r *PostgresMessageRepo) ListRecordsByState(ctx context.Context, state model.Status, limit int) ([]model.MessageRecord, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM messages
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s messages: %w", state, err)
	}
	return collectRecords(rows)
}

func (r *PostgresMessageRepo) List(ctx context.Context, f ListFilter) ([]model.MessageRecord, error) {
	f = normalizeListFilter(f)

	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM messages
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectRecords(rows)
}

func (r *PostgresMessageRepo) ListStale(ctx context.Context, state model.Status, olderThan time.Time, limit int) ([]model.MessageRecord, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM messages
		WHERE status = $1 AND modified_at < $2
		ORDER BY modified_at ASC, id ASC
		LIMIT $3
	`, string(state), olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale %s messages: %w", state, err)
	}
	return collectRecords(rows)
}

func (r *PostgresMessageRepo) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}

// UpdateRecordState applies tr only if the record is currently in one of
// model.AllowedFrom(tr.To). No row updated means either the record does not
// exist or the transition would move it sideways or backwards.
func (r *PostgresMessageRepo) UpdateRecordState(ctx context.Context, id int64, tr model.Transition) (model.MessageRecord, error) {
	from := model.AllowedFrom(tr.To)
	if len(from) == 0 {
		return model.MessageRecord{}, ErrInvalidTransition
	}
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}

	retryInc := 0
	if tr.IncrementRetry {
		retryInc = 1
	}

	row := r.db.QueryRow(ctx, `
		UPDATE messages
		SET status        = $2,
		    status_reason = $3,
		    retry_count   = retry_count + $4,
		    queued_at     = COALESCE(queued_at, $5),
		    processed_at  = CASE WHEN $6 THEN $5 ELSE processed_at END,
		    modified_at   = $5,
		    version       = version + 1
		WHERE id = $1 AND status = ANY($7)
		RETURNING `+recordColumns,
		id, string(tr.To), tr.Reason, retryInc, tr.At.UTC(), tr.To.IsTerminal(), allowed,
	)

	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.MessageRecord{}, fmt.Errorf("update message %d to %s: %w", id, tr.To, err)
	}

	var current string
	err = r.db.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MessageRecord{}, ErrNotFound
	}
	if err != nil {
		return model.MessageRecord{}, fmt.Errorf("read message %d status: %w", id, err)
	}
	return model.MessageRecord{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, tr.To)
}

// TryLock takes a session-level advisory lock on a dedicated connection.
// The connection is held until release is called.
func (r *PostgresMessageRepo) TryLock(ctx context.Context, key int64) (func(), bool, error) {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("advisory lock %d: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, true, nil
}

func (r *PostgresMessageRepo) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func collectRecords(rows pgx.Rows) ([]model.MessageRecord, error) {
	defer rows.Close()

	var out []model.MessageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (model.MessageRecord, error) {
	var m model.MessageRecord
	var status string

	if err := row.Scan(
		&m.ID,
		&m.To,
		&m.From,
		&m.Body,
		&status,
		&m.StatusReason,
		&m.RetryCount,
		&m.Version,
		&m.QueuedAt,
		&m.ProcessedAt,
		&m.CreatedAt,
		&m.ModifiedAt,
	); err != nil {
		return model.MessageRecord{}, err
	}
	m.Status = model.Status(status)
	return m, nil
}
