package jobfile

import (
	"context"
	"errors"
	"strings"
)

// MaxSearchLimit caps a single search page.
const MaxSearchLimit = 50

// ErrNumberRequired signals a job file without a job file number.
var ErrNumberRequired = errors.New("jobfile: job file number required")

// Store abstracts repository operations for the service.
type Store interface {
	GetByID(ctx context.Context, id string) (Record, error)
	Search(ctx context.Context, q string, limit int) ([]Record, error)
	Create(ctx context.Context, params CreateParams) (Record, error)
}

// Service exposes business-level job file operations.
type Service struct {
	repo Store
}

// NewService builds a Service using the provided repository.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// GetByID returns the job file for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, ErrNotFound
	}
	return s.repo.GetByID(ctx, id)
}

// Search returns up to limit job files matching q.
func (s *Service) Search(ctx context.Context, q string, limit int) ([]Record, error) {
	if limit <= 0 || limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	return s.repo.Search(ctx, strings.TrimSpace(q), limit)
}

// Create registers a new job file.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	params.JobFileNo = strings.ToUpper(strings.TrimSpace(params.JobFileNo))
	if params.JobFileNo == "" {
		return Record{}, ErrNumberRequired
	}
	params.Shipper = strings.TrimSpace(params.Shipper)
	params.Consignee = strings.TrimSpace(params.Consignee)
	params.Origin = strings.TrimSpace(params.Origin)
	params.Destination = strings.TrimSpace(params.Destination)
	params.Airlines = strings.TrimSpace(params.Airlines)
	params.MAWB = strings.TrimSpace(params.MAWB)
	params.InvoiceNo = strings.TrimSpace(params.InvoiceNo)
	return s.repo.Create(ctx, params)
}
