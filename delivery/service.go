package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"podtrack/auth"
	"podtrack/jobfile"
)

var (
	ErrForbidden          = errors.New("delivery: forbidden")
	ErrInvalidTransition  = errors.New("delivery: invalid status transition")
	ErrJobFileRequired    = errors.New("delivery: job file id required")
	ErrLocationRequired   = errors.New("delivery: delivery location required")
	ErrDriverUnavailable  = errors.New("delivery: driver is not an active driver")
	ErrReceiverRequired   = errors.New("delivery: receiver name required")
	ErrReasonRequired     = errors.New("delivery: failure reason required")
	ErrInvalidCoordinates = errors.New("delivery: invalid geotag coordinates")
)

// OutboxTopicCreated is enqueued when staff create a delivery.
const OutboxTopicCreated = "delivery.created"

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// UserDirectory resolves driver accounts.
type UserDirectory interface {
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

// JobFileReader resolves the job file a delivery is assigned against.
type JobFileReader interface {
	GetByID(ctx context.Context, id string) (jobfile.Record, error)
}

// Actor identifies the authenticated caller of a service operation.
type Actor struct {
	ID   string
	Role auth.Role
}

func (a Actor) isStaff() bool {
	return a.Role == auth.RoleStaff || a.Role == auth.RoleAdmin
}

// Service implements staff and driver delivery operations.
type Service struct {
	pool     TxBeginner
	repo     Repository
	users    UserDirectory
	jobFiles JobFileReader
	now      func() time.Time
	idGen    func() string
	tokenGen func() string
	logger   *zap.Logger
}

// NewService wires a delivery service.
func NewService(pool TxBeginner, repo Repository, users UserDirectory, jobFiles JobFileReader) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		users:    users,
		jobFiles: jobFiles,
		now:      time.Now,
		idGen:    func() string { return uuid.NewString() },
		tokenGen: newPublicToken,
		logger:   zap.NewNop(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithTokenGenerator(gen func() string) *Service {
	s.tokenGen = gen
	return s
}

func (s *Service) WithLogger(logger *zap.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// CreateParams carries the staff assignment form.
type CreateParams struct {
	JobFileID        string
	DeliveryLocation string
	Notes            string
	DriverID         string
}

// Create records a new delivery against a job file. When a driver is given
// the delivery is assigned in the same transaction.
func (s *Service) Create(ctx context.Context, actor Actor, params CreateParams) (Record, error) {
	if !actor.isStaff() {
		return Record{}, ErrForbidden
	}
	params.JobFileID = strings.TrimSpace(params.JobFileID)
	params.DeliveryLocation = strings.TrimSpace(params.DeliveryLocation)
	params.DriverID = strings.TrimSpace(params.DriverID)
	if params.JobFileID == "" {
		return Record{}, ErrJobFileRequired
	}
	if params.DeliveryLocation == "" {
		return Record{}, ErrLocationRequired
	}

	job, err := s.jobFiles.GetByID(ctx, params.JobFileID)
	if err != nil {
		return Record{}, err
	}

	var driver *auth.User
	if params.DriverID != "" {
		driver, err = s.activeDriver(ctx, params.DriverID)
		if err != nil {
			return Record{}, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("delivery: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	rec, err := s.repo.Create(ctx, tx, Record{
		ID:               s.idGen(),
		PublicToken:      s.tokenGen(),
		JobFileID:        job.ID,
		JobFile:          snapshotJobFile(job),
		DeliveryLocation: params.DeliveryLocation,
		Notes:            strings.TrimSpace(params.Notes),
		Status:           StatusCreated,
		Timestamps:       Timestamps{EventCreated: now},
		CreatedBy:        actor.ID,
		CreatedAt:        now,
	})
	if err != nil {
		return Record{}, err
	}

	actorID := &actor.ID
	if err := s.repo.AppendTimeline(ctx, tx, rec.ID, "DELIVERY_CREATED", actorID, map[string]any{
		"job_file_id": rec.JobFileID,
		"jfn":         rec.JobFile.JobFileNo,
	}); err != nil {
		return Record{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicCreated, map[string]any{
		"delivery_id": rec.ID,
		"status":      rec.Status,
	}); err != nil {
		return Record{}, err
	}

	if driver != nil {
		rec, err = s.applyTransition(ctx, tx, actor, rec, TransitionUpdate{
			ID:         rec.ID,
			Status:     StatusAssigned,
			At:         now,
			DriverID:   &driver.ID,
			DriverName: &driver.DisplayName,
		})
		if err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("delivery: commit create: %w", err)
	}

	s.logger.Info("delivery created",
		zap.String("delivery_id", rec.ID),
		zap.String("jfn", rec.JobFile.JobFileNo),
		zap.String("status", string(rec.Status)),
	)
	return rec, nil
}

// AssignDriver moves a created delivery to assigned.
func (s *Service) AssignDriver(ctx context.Context, actor Actor, deliveryID, driverID string) (Record, error) {
	if !actor.isStaff() {
		return Record{}, ErrForbidden
	}
	driver, err := s.activeDriver(ctx, strings.TrimSpace(driverID))
	if err != nil {
		return Record{}, err
	}
	return s.transition(ctx, actor, deliveryID, StatusAssigned, nil, func(u *TransitionUpdate) {
		u.DriverID = &driver.ID
		u.DriverName = &driver.DisplayName
	})
}

// StartDelivery marks an assigned delivery as out for delivery.
func (s *Service) StartDelivery(ctx context.Context, actor Actor, deliveryID string) (Record, error) {
	return s.transition(ctx, actor, deliveryID, StatusOutForDelivery, s.requireAssignedDriver(actor), nil)
}

// CompleteParams carries the proof-of-delivery form.
type CompleteParams struct {
	DeliveryID   string
	ReceiverName string
	Latitude     *float64
	Longitude    *float64
}

// Complete marks a delivery as delivered and records the handoff location.
func (s *Service) Complete(ctx context.Context, actor Actor, params CompleteParams) (Record, error) {
	receiver := strings.TrimSpace(params.ReceiverName)
	if receiver == "" {
		return Record{}, ErrReceiverRequired
	}
	link, err := geotagLink(params.Latitude, params.Longitude)
	if err != nil {
		return Record{}, err
	}
	return s.transition(ctx, actor, params.DeliveryID, StatusDelivered, s.requireAssignedDriver(actor), func(u *TransitionUpdate) {
		u.ReceiverName = &receiver
		u.GeotagMapLink = link
	})
}

// Fail records an unsuccessful delivery attempt.
func (s *Service) Fail(ctx context.Context, actor Actor, deliveryID, reason string) (Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Record{}, ErrReasonRequired
	}
	return s.transition(ctx, actor, deliveryID, StatusFailed, s.requireAssignedDriver(actor), func(u *TransitionUpdate) {
		u.FailureReason = &reason
	})
}

// Cancel aborts an assigned or in-flight delivery.
func (s *Service) Cancel(ctx context.Context, actor Actor, deliveryID string, reason *string) (Record, error) {
	if !actor.isStaff() {
		return Record{}, ErrForbidden
	}
	var trimmed *string
	if reason != nil {
		if r := strings.TrimSpace(*reason); r != "" {
			trimmed = &r
		}
	}
	return s.transition(ctx, actor, deliveryID, StatusCancelled, nil, func(u *TransitionUpdate) {
		u.CancelReason = trimmed
	})
}

// Get returns a delivery visible to the actor.
func (s *Service) Get(ctx context.Context, actor Actor, deliveryID string) (Record, error) {
	rec, err := s.repo.GetByID(ctx, deliveryID)
	if err != nil {
		return Record{}, err
	}
	if actor.isStaff() || rec.AssignedTo(actor.ID) {
		return rec, nil
	}
	// Drivers cannot distinguish foreign deliveries from missing ones.
	return Record{}, ErrNotFound
}

// ListResult is a page of deliveries.
type ListResult struct {
	Items []Record
	Total int
}

// List returns deliveries for the staff dashboard.
func (s *Service) List(ctx context.Context, actor Actor, filters Filters) (ListResult, error) {
	if !actor.isStaff() {
		return ListResult{}, ErrForbidden
	}
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// ListForDriver returns one page of the actor's own deliveries, newest first.
func (s *Service) ListForDriver(ctx context.Context, actor Actor, pendingOnly bool, page int) (ListResult, error) {
	if actor.Role != auth.RoleDriver || actor.ID == "" {
		return ListResult{}, ErrForbidden
	}
	filters := Filters{DriverID: actor.ID, Page: page, PageSize: MaxPageSize}
	if pendingOnly {
		filters.View = ViewPending
	}
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Stats returns dashboard counters.
func (s *Service) Stats(ctx context.Context, actor Actor) (Stats, error) {
	if !actor.isStaff() {
		return Stats{}, ErrForbidden
	}
	return s.repo.Stats(ctx)
}

func (s *Service) transition(ctx context.Context, actor Actor, deliveryID string, next Status, authorize func(Record) error, build func(*TransitionUpdate)) (Record, error) {
	if strings.TrimSpace(deliveryID) == "" {
		return Record{}, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("delivery: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, deliveryID)
	if err != nil {
		return Record{}, err
	}
	if authorize != nil {
		if err := authorize(current); err != nil {
			return Record{}, err
		}
	}

	update := TransitionUpdate{ID: current.ID, Status: next, At: s.now().UTC()}
	if build != nil {
		build(&update)
	}

	updated, err := s.applyTransition(ctx, tx, actor, current, update)
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("delivery: commit transition: %w", err)
	}

	s.logger.Info("delivery status changed",
		zap.String("delivery_id", updated.ID),
		zap.String("previous_status", string(current.Status)),
		zap.String("next_status", string(updated.Status)),
		zap.String("actor_id", actor.ID),
	)
	return updated, nil
}

// applyTransition runs inside tx: it validates the edge, writes the status and
// its timestamp, and appends the timeline and outbox rows.
func (s *Service) applyTransition(ctx context.Context, tx pgx.Tx, actor Actor, current Record, update TransitionUpdate) (Record, error) {
	if !CanTransition(current.Status, update.Status) {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, update.Status)
	}

	updated, err := s.repo.ApplyTransition(ctx, tx, update)
	if err != nil {
		return Record{}, err
	}

	var actorPtr *string
	payload := map[string]any{
		"previous_status": current.Status,
		"next_status":     update.Status,
	}
	if actor.ID != "" {
		actorPtr = &actor.ID
		payload["actor_id"] = actor.ID
	}
	if err := s.repo.AppendTimeline(ctx, tx, current.ID, timelineStatusChanged, actorPtr, payload); err != nil {
		return Record{}, err
	}

	outboxPayload := map[string]any{
		"delivery_id": current.ID,
		"previous":    current.Status,
		"next":        update.Status,
		"at":          update.At.UTC().Format(time.RFC3339),
	}
	if updated.DriverID != nil {
		outboxPayload["driver_id"] = *updated.DriverID
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicStatusChanged, outboxPayload); err != nil {
		return Record{}, err
	}

	return updated, nil
}

func (s *Service) requireAssignedDriver(actor Actor) func(Record) error {
	return func(rec Record) error {
		if actor.Role != auth.RoleDriver || !rec.AssignedTo(actor.ID) {
			return ErrForbidden
		}
		return nil
	}
}

func (s *Service) activeDriver(ctx context.Context, driverID string) (*auth.User, error) {
	if driverID == "" {
		return nil, ErrDriverUnavailable
	}
	user, err := s.users.GetUserByID(ctx, driverID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return nil, ErrDriverUnavailable
		}
		return nil, err
	}
	if user.Role != auth.RoleDriver || user.Status != auth.StatusActive {
		return nil, ErrDriverUnavailable
	}
	return user, nil
}

func snapshotJobFile(job jobfile.Record) JobFileSnapshot {
	return JobFileSnapshot{
		JobFileNo:   job.JobFileNo,
		Shipper:     job.Shipper,
		Consignee:   job.Consignee,
		Origin:      job.Origin,
		Destination: job.Destination,
		Airlines:    job.Airlines,
		MAWB:        job.MAWB,
		InvoiceNo:   job.InvoiceNo,
	}
}

func geotagLink(lat, lng *float64) (*string, error) {
	if lat == nil && lng == nil {
		return nil, nil
	}
	if lat == nil || lng == nil {
		return nil, ErrInvalidCoordinates
	}
	if *lat < -90 || *lat > 90 || *lng < -180 || *lng > 180 {
		return nil, ErrInvalidCoordinates
	}
	link := fmt.Sprintf("https://www.google.com/maps?q=%.6f,%.6f", *lat, *lng)
	return &link, nil
}

// newPublicToken returns a customer-facing tracking number. It carries no
// database identifiers.
func newPublicToken() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
