package jobfile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested job file does not exist.
	ErrNotFound = errors.New("jobfile: not found")
	// ErrDuplicate signals a job file number that is already registered.
	ErrDuplicate = errors.New("jobfile: job file number already exists")
)

// Repository provides access to job files.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id::text, jfn, shipper, consignee, origin, destination, airlines, mawb, invoice_no, created_at`

// GetByID fetches a job file by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Record{}, ErrNotFound
	}
	query := `SELECT ` + columns + ` FROM job_files WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("jobfile: query by id: %w", err)
	}
	return rec, nil
}

// Search returns up to limit job files whose number, shipper or consignee
// contains q, newest first. An empty q lists the most recent files.
func (r *Repository) Search(ctx context.Context, q string, limit int) ([]Record, error) {
	query := `
		SELECT ` + columns + `
		FROM job_files
		WHERE $1 = ''
		   OR jfn ILIKE '%' || $1 || '%' ESCAPE '\'
		   OR shipper ILIKE '%' || $1 || '%' ESCAPE '\'
		   OR consignee ILIKE '%' || $1 || '%' ESCAPE '\'
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, escapeLike(q), limit)
	if err != nil {
		return nil, fmt.Errorf("jobfile: search: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("jobfile: scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobfile: iterate records: %w", err)
	}
	return records, nil
}

// Create inserts a job file.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Record, error) {
	query := `
		INSERT INTO job_files (jfn, shipper, consignee, origin, destination, airlines, mawb, invoice_no)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + columns

	rec, err := scanRecord(r.pool.QueryRow(ctx, query,
		params.JobFileNo,
		params.Shipper,
		params.Consignee,
		params.Origin,
		params.Destination,
		params.Airlines,
		params.MAWB,
		params.InvoiceNo,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("jobfile: create: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.JobFileNo,
		&rec.Shipper,
		&rec.Consignee,
		&rec.Origin,
		&rec.Destination,
		&rec.Airlines,
		&rec.MAWB,
		&rec.InvoiceNo,
		&rec.CreatedAt,
	)
	return rec, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
