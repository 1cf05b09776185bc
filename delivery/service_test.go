package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"podtrack/auth"
	"podtrack/jobfile"
)

var (
	staff   = Actor{ID: "staff-1", Role: auth.RoleStaff}
	driverA = Actor{ID: "driver-a", Role: auth.RoleDriver}
	driverB = Actor{ID: "driver-b", Role: auth.RoleDriver}
	fixedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newTestService() (*Service, *fakePool, *fakeRepo) {
	pool := &fakePool{}
	repo := newFakeRepo()
	users := fakeUsers{
		"driver-a": {ID: "driver-a", DisplayName: "Dana", Role: auth.RoleDriver, Status: auth.StatusActive},
		"driver-b": {ID: "driver-b", DisplayName: "Bo", Role: auth.RoleDriver, Status: auth.StatusActive},
		"driver-x": {ID: "driver-x", DisplayName: "Gone", Role: auth.RoleDriver, Status: auth.StatusInactive},
		"staff-1":  {ID: "staff-1", DisplayName: "Sam", Role: auth.RoleStaff, Status: auth.StatusActive},
	}
	jobs := fakeJobFiles{
		"jf-1": {ID: "jf-1", JobFileNo: "JF-001", Shipper: "Acme", Consignee: "Globex", MAWB: "176-1234"},
	}
	seq := 0
	svc := NewService(pool, repo, users, jobs).
		WithClock(func() time.Time { return fixedAt }).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("del-%d", seq)
		}).
		WithTokenGenerator(func() string { return fmt.Sprintf("TOKEN%d", seq) })
	return svc, pool, repo
}

func TestCreate_WithDriverAssignsInSameTx(t *testing.T) {
	svc, pool, repo := newTestService()

	rec, err := svc.Create(context.Background(), staff, CreateParams{
		JobFileID:        "jf-1",
		DeliveryLocation: " Warehouse 4 ",
		DriverID:         "driver-a",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if rec.Status != StatusAssigned {
		t.Fatalf("expected assigned, got %s", rec.Status)
	}
	if !rec.Timestamps.Has(EventCreated) || !rec.Timestamps.Has(EventAssigned) {
		t.Fatalf("expected created_at and assigned_at, got %v", rec.Timestamps)
	}
	if rec.DriverName == nil || *rec.DriverName != "Dana" {
		t.Fatalf("expected driver name snapshot, got %v", rec.DriverName)
	}
	if rec.JobFile.JobFileNo != "JF-001" || rec.JobFile.MAWB != "176-1234" {
		t.Fatalf("expected job file snapshot, got %+v", rec.JobFile)
	}
	if rec.DeliveryLocation != "Warehouse 4" {
		t.Fatalf("expected trimmed location, got %q", rec.DeliveryLocation)
	}
	if pool.begins != 1 || !pool.tx.committed {
		t.Fatalf("expected a single committed tx, begins=%d", pool.begins)
	}
	if got := repo.outboxTopics(); strings.Join(got, ",") != OutboxTopicCreated+","+OutboxTopicStatusChanged {
		t.Fatalf("unexpected outbox topics %v", got)
	}
	if len(repo.timeline) != 2 {
		t.Fatalf("expected two timeline rows, got %d", len(repo.timeline))
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name   string
		actor  Actor
		params CreateParams
		want   error
	}{
		{"driver forbidden", driverA, CreateParams{JobFileID: "jf-1", DeliveryLocation: "x"}, ErrForbidden},
		{"job file required", staff, CreateParams{DeliveryLocation: "x"}, ErrJobFileRequired},
		{"location required", staff, CreateParams{JobFileID: "jf-1", DeliveryLocation: "  "}, ErrLocationRequired},
		{"unknown job file", staff, CreateParams{JobFileID: "jf-404", DeliveryLocation: "x"}, jobfile.ErrNotFound},
		{"inactive driver", staff, CreateParams{JobFileID: "jf-1", DeliveryLocation: "x", DriverID: "driver-x"}, ErrDriverUnavailable},
		{"staff is not a driver", staff, CreateParams{JobFileID: "jf-1", DeliveryLocation: "x", DriverID: "staff-1"}, ErrDriverUnavailable},
		{"unknown driver", staff, CreateParams{JobFileID: "jf-1", DeliveryLocation: "x", DriverID: "nobody"}, ErrDriverUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tc.actor, tc.params); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, staff, CreateParams{JobFileID: "jf-1", DeliveryLocation: "Gate 2"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != StatusCreated || rec.Timestamps.Has(EventAssigned) {
		t.Fatalf("expected unassigned created delivery, got %s %v", rec.Status, rec.Timestamps)
	}

	if _, err := svc.StartDelivery(ctx, driverA, rec.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("unassigned driver must not start, got %v", err)
	}

	rec, err = svc.AssignDriver(ctx, staff, rec.ID, "driver-a")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	if _, err := svc.StartDelivery(ctx, driverB, rec.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other driver must not start, got %v", err)
	}

	rec, err = svc.StartDelivery(ctx, driverA, rec.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.Status != StatusOutForDelivery || !rec.Timestamps.Has(EventOutForDelivery) {
		t.Fatalf("expected out_for_delivery with timestamp, got %s %v", rec.Status, rec.Timestamps)
	}
	if rec.GeotagMapLink != nil {
		t.Fatal("geotag must not exist before delivery")
	}

	lat, lng := 29.3759, 47.9774
	rec, err = svc.Complete(ctx, driverA, CompleteParams{DeliveryID: rec.ID, ReceiverName: " Rania ", Latitude: &lat, Longitude: &lng})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rec.Status != StatusDelivered || !rec.Timestamps.Has(EventDelivered) {
		t.Fatalf("expected delivered with timestamp, got %s %v", rec.Status, rec.Timestamps)
	}
	if rec.GeotagMapLink == nil || *rec.GeotagMapLink != "https://www.google.com/maps?q=29.375900,47.977400" {
		t.Fatalf("unexpected geotag %v", rec.GeotagMapLink)
	}
	if rec.ReceiverName == nil || *rec.ReceiverName != "Rania" {
		t.Fatalf("unexpected receiver %v", rec.ReceiverName)
	}

	if _, err := svc.Cancel(ctx, staff, rec.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("delivered is terminal, got %v", err)
	}
}

func TestTransition_InvalidEdgeRollsBack(t *testing.T) {
	svc, pool, repo := newTestService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, staff, CreateParams{JobFileID: "jf-1", DeliveryLocation: "Gate 2", DriverID: "driver-a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	outboxBefore := len(repo.outbox)

	_, err = svc.Complete(ctx, driverA, CompleteParams{DeliveryID: rec.ID, ReceiverName: "Rania"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if pool.tx.committed || !pool.tx.rolled {
		t.Fatal("expected rollback without commit")
	}
	if len(repo.outbox) != outboxBefore {
		t.Fatal("no outbox row may be enqueued for a rejected transition")
	}
	if repo.rows[rec.ID].Status != StatusAssigned {
		t.Fatalf("status must be unchanged, got %s", repo.rows[rec.ID].Status)
	}
}

func TestFailAndCancel(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	rec, _ := svc.Create(ctx, staff, CreateParams{JobFileID: "jf-1", DeliveryLocation: "A", DriverID: "driver-a"})
	if _, err := svc.StartDelivery(ctx, driverA, rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Fail(ctx, driverA, rec.ID, "   "); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	failed, err := svc.Fail(ctx, driverA, rec.ID, "Recipient unavailable")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != StatusFailed || !failed.Timestamps.Has(EventFailed) || failed.GeotagMapLink != nil {
		t.Fatalf("unexpected failed record %+v", failed)
	}

	other, _ := svc.Create(ctx, staff, CreateParams{JobFileID: "jf-1", DeliveryLocation: "B", DriverID: "driver-b"})
	if _, err := svc.Cancel(ctx, driverB, other.ID, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("drivers cannot cancel, got %v", err)
	}
	reason := "  customer request "
	cancelled, err := svc.Cancel(ctx, staff, other.ID, &reason)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CancelReason == nil || *cancelled.CancelReason != "customer request" {
		t.Fatalf("unexpected cancel reason %v", cancelled.CancelReason)
	}
	if !cancelled.Timestamps.Has(EventCancelled) {
		t.Fatal("expected cancelled_at")
	}

	created, _ := svc.Create(ctx, staff, CreateParams{JobFileID: "jf-1", DeliveryLocation: "C"})
	if _, err := svc.Cancel(ctx, staff, created.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("created cannot be cancelled, got %v", err)
	}
}

func TestComplete_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	lat, badLng := 10.0, 200.0

	cases := []struct {
		name   string
		params CompleteParams
		want   error
	}{
		{"receiver required", CompleteParams{DeliveryID: "del-1"}, ErrReceiverRequired},
		{"half coordinates", CompleteParams{DeliveryID: "del-1", ReceiverName: "R", Latitude: &lat}, ErrInvalidCoordinates},
		{"out of range", CompleteParams{DeliveryID: "del-1", ReceiverName: "R", Latitude: &lat, Longitude: &badLng}, ErrInvalidCoordinates},
		{"missing delivery", CompleteParams{DeliveryID: "del-404", ReceiverName: "R"}, ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Complete(ctx, driverA, tc.params); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestGet_DriverVisibility(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	rec, _ := svc.Create(ctx, staff, CreateParams{JobFileID: "jf-1", DeliveryLocation: "A", DriverID: "driver-a"})

	if _, err := svc.Get(ctx, staff, rec.ID); err != nil {
		t.Fatalf("staff get: %v", err)
	}
	if _, err := svc.Get(ctx, driverA, rec.ID); err != nil {
		t.Fatalf("assigned driver get: %v", err)
	}
	if _, err := svc.Get(ctx, driverB, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign driver must see not found, got %v", err)
	}
}

func TestListAndStats_Authorization(t *testing.T) {
	svc, _, repo := newTestService()
	ctx := context.Background()

	if _, err := svc.List(ctx, driverA, Filters{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("drivers cannot list all, got %v", err)
	}
	if _, err := svc.Stats(ctx, driverA); !errors.Is(err, ErrForbidden) {
		t.Fatalf("drivers cannot read stats, got %v", err)
	}
	if _, err := svc.ListForDriver(ctx, staff, false, 1); !errors.Is(err, ErrForbidden) {
		t.Fatalf("staff use List, got %v", err)
	}

	if _, err := svc.ListForDriver(ctx, driverA, true, 2); err != nil {
		t.Fatalf("list for driver: %v", err)
	}
	if repo.lastFilters.DriverID != "driver-a" || repo.lastFilters.View != ViewPending ||
		repo.lastFilters.Page != 2 || repo.lastFilters.PageSize != MaxPageSize {
		t.Fatalf("unexpected filters %+v", repo.lastFilters)
	}
}

type fakePool struct {
	tx     *fakeTx
	begins int
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.begins++
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeRepo struct {
	rows        map[string]Record
	pending     map[string]Record
	timeline    []string
	outbox      []string
	lastFilters Filters
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[string]Record)}
}

func (f *fakeRepo) outboxTopics() []string {
	return f.outbox
}

func (f *fakeRepo) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	rec.UpdatedAt = rec.CreatedAt
	f.stage(tx, rec)
	return rec, nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id string) (Record, error) {
	rec, ok := f.rows[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (f *fakeRepo) GetByToken(ctx context.Context, token string) (Record, error) {
	for _, rec := range f.rows {
		if rec.PublicToken == token {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeRepo) ApplyTransition(ctx context.Context, tx pgx.Tx, u TransitionUpdate) (Record, error) {
	rec, ok := f.staged(tx, u.ID)
	if !ok {
		return Record{}, ErrNotFound
	}
	stamps := make(Timestamps, len(rec.Timestamps)+1)
	for k, v := range rec.Timestamps {
		stamps[k] = v
	}
	stamps[u.Status.Event()] = u.At
	rec.Timestamps = stamps
	rec.Status = u.Status
	rec.UpdatedAt = u.At
	if u.DriverID != nil {
		rec.DriverID = u.DriverID
		rec.DriverName = u.DriverName
	}
	if u.GeotagMapLink != nil {
		rec.GeotagMapLink = u.GeotagMapLink
	}
	if u.ReceiverName != nil {
		rec.ReceiverName = u.ReceiverName
	}
	if u.FailureReason != nil {
		rec.FailureReason = u.FailureReason
	}
	if u.CancelReason != nil {
		rec.CancelReason = u.CancelReason
	}
	f.stage(tx, rec)
	return rec, nil
}

func (f *fakeRepo) AppendTimeline(ctx context.Context, tx pgx.Tx, deliveryID, eventType string, actorID *string, payload map[string]any) error {
	tx.(*fakeTx).onCommit(func() { f.timeline = append(f.timeline, eventType) })
	return nil
}

func (f *fakeRepo) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	tx.(*fakeTx).onCommit(func() { f.outbox = append(f.outbox, topic) })
	return nil
}

func (f *fakeRepo) List(ctx context.Context, filters Filters) ([]Record, int, error) {
	f.lastFilters = filters
	var out []Record
	for _, rec := range f.rows {
		if filters.DriverID != "" && !rec.AssignedTo(filters.DriverID) {
			continue
		}
		out = append(out, rec)
	}
	return out, len(out), nil
}

func (f *fakeRepo) Stats(ctx context.Context) (Stats, error) {
	return Stats{Total: len(f.rows)}, nil
}

// stage keeps writes private to tx until it commits.
func (f *fakeRepo) stage(tx pgx.Tx, rec Record) {
	ft := tx.(*fakeTx)
	if ft.staged == nil {
		ft.staged = make(map[string]Record)
	}
	ft.staged[rec.ID] = rec
	ft.onCommit(func() { f.rows[rec.ID] = ft.staged[rec.ID] })
}

func (f *fakeRepo) staged(tx pgx.Tx, id string) (Record, bool) {
	if rec, ok := tx.(*fakeTx).staged[id]; ok {
		return rec, true
	}
	rec, ok := f.rows[id]
	return rec, ok
}

type fakeUsers map[string]auth.User

func (f fakeUsers) GetUserByID(ctx context.Context, userID string) (*auth.User, error) {
	u, ok := f[userID]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	return &u, nil
}

type fakeJobFiles map[string]jobfile.Record

func (f fakeJobFiles) GetByID(ctx context.Context, id string) (jobfile.Record, error) {
	rec, ok := f[id]
	if !ok {
		return jobfile.Record{}, jobfile.ErrNotFound
	}
	return rec, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
	staged    map[string]Record
	hooks     []func()
}

func (f *fakeTx) onCommit(fn func()) {
	f.hooks = append(f.hooks, fn)
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.rolled {
		return pgx.ErrTxClosed
	}
	f.committed = true
	for _, fn := range f.hooks {
		fn()
	}
	f.hooks = nil
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.rolled = true
	f.hooks = nil
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
