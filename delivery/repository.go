package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that no delivery matches the identifier or token.
	ErrNotFound = errors.New("delivery: not found")
	// ErrDuplicateToken signals a public token collision on insert.
	ErrDuplicateToken = errors.New("delivery: public token already exists")
)

// Repository handles data access for deliveries.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	GetByID(ctx context.Context, id string) (Record, error)
	GetByToken(ctx context.Context, token string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	ApplyTransition(ctx context.Context, tx pgx.Tx, update TransitionUpdate) (Record, error)
	AppendTimeline(ctx context.Context, tx pgx.Tx, deliveryID, eventType string, actorID *string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	List(ctx context.Context, filters Filters) ([]Record, int, error)
	Stats(ctx context.Context) (Stats, error)
}

// TransitionUpdate carries the columns written when a delivery enters Status.
// Nil pointers leave the stored value untouched.
type TransitionUpdate struct {
	ID            string
	Status        Status
	At            time.Time
	DriverID      *string
	DriverName    *string
	GeotagMapLink *string
	ReceiverName  *string
	FailureReason *string
	CancelReason  *string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed delivery repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const deliveryColumns = `id::text, public_token, job_file_id::text, job_file, delivery_location, notes,
		driver_id::text, driver_name, status, timestamps, geotag_map_link, receiver_name,
		failure_reason, cancel_reason, created_by::text, created_at, updated_at`

// Create inserts a new delivery.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	jobFile, err := json.Marshal(rec.JobFile)
	if err != nil {
		return Record{}, fmt.Errorf("delivery: marshal job file: %w", err)
	}
	stamps, err := marshalTimestamps(rec.Timestamps)
	if err != nil {
		return Record{}, err
	}

	query := `
		INSERT INTO deliveries (id, public_token, job_file_id, job_file, delivery_location, notes,
			driver_id, driver_name, status, timestamps, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7::uuid, $8, $9, $10::jsonb, $11, $12, $12)
		RETURNING ` + deliveryColumns

	created, err := scanRecord(tx.QueryRow(ctx, query,
		rec.ID,
		rec.PublicToken,
		rec.JobFileID,
		string(jobFile),
		rec.DeliveryLocation,
		rec.Notes,
		rec.DriverID,
		rec.DriverName,
		rec.Status,
		stamps,
		rec.CreatedBy,
		rec.CreatedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateToken
		}
		return Record{}, fmt.Errorf("delivery: create: %w", err)
	}
	return created, nil
}

// GetByID retrieves a delivery by primary key.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Record, error) {
	if !validID(id) {
		return Record{}, ErrNotFound
	}
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("delivery: get by id: %w", err)
	}
	return rec, nil
}

// GetByToken retrieves a delivery by its public tracking token.
func (r *PGRepository) GetByToken(ctx context.Context, token string) (Record, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE public_token = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("delivery: get by token: %w", err)
	}
	return rec, nil
}

// GetForUpdate loads a delivery and locks its row for the rest of tx.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	if !validID(id) {
		return Record{}, ErrNotFound
	}
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("delivery: get for update: %w", err)
	}
	return rec, nil
}

// ApplyTransition writes the new status together with its event timestamp.
func (r *PGRepository) ApplyTransition(ctx context.Context, tx pgx.Tx, u TransitionUpdate) (Record, error) {
	query := `
		UPDATE deliveries
		SET status = $2,
		    timestamps = timestamps || jsonb_build_object($3::text, $4::text),
		    driver_id = COALESCE($5::uuid, driver_id),
		    driver_name = COALESCE($6, driver_name),
		    geotag_map_link = COALESCE($7, geotag_map_link),
		    receiver_name = COALESCE($8, receiver_name),
		    failure_reason = COALESCE($9, failure_reason),
		    cancel_reason = COALESCE($10, cancel_reason),
		    updated_at = $11
		WHERE id = $1
		RETURNING ` + deliveryColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query,
		u.ID,
		u.Status,
		string(u.Status.Event()),
		u.At.UTC().Format(time.RFC3339Nano),
		u.DriverID,
		u.DriverName,
		u.GeotagMapLink,
		u.ReceiverName,
		u.FailureReason,
		u.CancelReason,
		u.At,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("delivery: apply transition: %w", err)
	}
	return rec, nil
}

// AppendTimeline records an immutable business event for a delivery.
func (r *PGRepository) AppendTimeline(ctx context.Context, tx pgx.Tx, deliveryID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("delivery: marshal timeline payload: %w", err)
	}

	const insertSQL = `
INSERT INTO timeline_events (delivery_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid);
`
	if _, err := tx.Exec(ctx, insertSQL, deliveryID, eventType, string(body), actorID); err != nil {
		return fmt.Errorf("delivery: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox writes a transactional outbox message.
func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("delivery: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2::jsonb);
`
	if _, err := tx.Exec(ctx, insertSQL, topic, string(body)); err != nil {
		return fmt.Errorf("delivery: insert outbox message: %w", err)
	}
	return nil
}

// List returns a page of deliveries and the total matching count.
func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Record, int, error) {
	filters = filters.normalized()
	if filters.DriverID != "" && !validID(filters.DriverID) {
		return []Record{}, 0, nil
	}

	where := []string{"1=1"}
	args := []any{}

	switch filters.View {
	case ViewPending:
		where = append(where, "status NOT IN ('delivered','failed','cancelled')")
	case ViewCompleted:
		where = append(where, "status = 'delivered'")
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.DriverID != "" {
		where = append(where, fmt.Sprintf("driver_id=$%d::uuid", len(args)+1))
		args = append(args, filters.DriverID)
	}
	if q := strings.TrimSpace(filters.Search); q != "" {
		n := len(args) + 1
		where = append(where, fmt.Sprintf("(job_file->>'jfn' ILIKE $%d OR job_file->>'sh' ILIKE $%d OR job_file->>'co' ILIKE $%d)", n, n, n))
		args = append(args, "%"+escapeLike(q)+"%")
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM deliveries%s ORDER BY created_at DESC LIMIT %d OFFSET %d`, deliveryColumns, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("delivery: query list: %w", err)
	}
	defer rows.Close()

	list := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("delivery: scan list: %w", err)
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("delivery: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM deliveries"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("delivery: count list: %w", err)
	}

	return list, total, nil
}

// Stats counts pending, completed and total deliveries.
func (r *PGRepository) Stats(ctx context.Context) (Stats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE status NOT IN ('delivered','failed','cancelled')),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*)
		FROM deliveries
	`
	var s Stats
	if err := r.pool.QueryRow(ctx, query).Scan(&s.Pending, &s.Completed, &s.Total); err != nil {
		return Stats{}, fmt.Errorf("delivery: stats: %w", err)
	}
	return s, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		jobFile []byte
		stamps  []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.PublicToken,
		&rec.JobFileID,
		&jobFile,
		&rec.DeliveryLocation,
		&rec.Notes,
		&rec.DriverID,
		&rec.DriverName,
		&rec.Status,
		&stamps,
		&rec.GeotagMapLink,
		&rec.ReceiverName,
		&rec.FailureReason,
		&rec.CancelReason,
		&rec.CreatedBy,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	if len(jobFile) > 0 {
		if err := json.Unmarshal(jobFile, &rec.JobFile); err != nil {
			return Record{}, fmt.Errorf("delivery: decode job file: %w", err)
		}
	}
	rec.Timestamps, rec.UnreadableStamps, err = unmarshalTimestamps(stamps)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func marshalTimestamps(ts Timestamps) (string, error) {
	out := make(map[string]string, len(ts))
	for k, v := range ts {
		if v.IsZero() {
			continue
		}
		out[string(k)] = v.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("delivery: marshal timestamps: %w", err)
	}
	return string(b), nil
}

// unmarshalTimestamps decodes the stored stamp object. Keys whose value is
// not an RFC 3339 instant are left out of the map and returned separately,
// sorted, so callers can report them.
func unmarshalTimestamps(raw []byte) (Timestamps, []string, error) {
	ts := make(Timestamps)
	if len(raw) == 0 {
		return ts, nil, nil
	}
	var stored map[string]any
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, nil, fmt.Errorf("delivery: decode timestamps: %w", err)
	}
	var unreadable []string
	for k, v := range stored {
		str, ok := v.(string)
		if !ok {
			unreadable = append(unreadable, k)
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			unreadable = append(unreadable, k)
			continue
		}
		ts[Event(k)] = t
	}
	sort.Strings(unreadable)
	return ts, unreadable, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
