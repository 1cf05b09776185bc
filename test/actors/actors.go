package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"podtrack/delivery"
	"podtrack/tracking"
)

// Registry collects the deliveries created during a run so other actors can
// race on them.
type Registry struct {
	mu     sync.Mutex
	ids    []string
	tokens []string
}

func (r *Registry) Add(id, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.tokens = append(r.tokens, token)
}

// Pick returns a random delivery id and its public token.
func (r *Registry) Pick(rng *rand.Rand) (string, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return "", "", false
	}
	i := rng.Intn(len(r.ids))
	return r.ids[i], r.tokens[i], true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// rejected reports errors caused by the actor's own input. Lost races and
// connections dropped by chaos are tolerated; the oracles judge the outcome.
func rejected(err error) bool {
	return errors.Is(err, delivery.ErrJobFileRequired) ||
		errors.Is(err, delivery.ErrLocationRequired) ||
		errors.Is(err, delivery.ErrDriverUnavailable) ||
		errors.Is(err, delivery.ErrReceiverRequired) ||
		errors.Is(err, delivery.ErrReasonRequired) ||
		errors.Is(err, delivery.ErrInvalidCoordinates)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Dispatcher keeps creating deliveries, half of them assigned on creation and
// the rest assigned in a second step.
func Dispatcher(ctx context.Context, svc *delivery.Service, staff delivery.Actor, jobFileID string, driverIDs []string, reg *Registry, rng *rand.Rand, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		driverID := driverIDs[rng.Intn(len(driverIDs))]
		params := delivery.CreateParams{
			JobFileID:        jobFileID,
			DeliveryLocation: fmt.Sprintf("Warehouse %d", rng.Intn(40)),
		}
		assignLater := rng.Intn(2) == 0
		if !assignLater {
			params.DriverID = driverID
		}

		rec, err := svc.Create(ctx, staff, params)
		if err != nil {
			if rejected(err) {
				return fmt.Errorf("dispatcher create: %w", err)
			}
			continue
		}
		reg.Add(rec.ID, rec.PublicToken)

		if assignLater {
			if _, err := svc.AssignDriver(ctx, staff, rec.ID, driverID); rejected(err) {
				return fmt.Errorf("dispatcher assign: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rng.Intn(20)) * time.Millisecond)
	}
	return nil
}

// Driver races other drivers on random deliveries. Most attempts on foreign
// deliveries are rejected; the state machine has to stay consistent anyway.
func Driver(ctx context.Context, svc *delivery.Service, driver delivery.Actor, reg *Registry, rng *rand.Rand, stop <-chan struct{}) error {
	lat, lng := 29.3759, 47.9774
	for !stopped(ctx, stop) {
		id, _, ok := reg.Pick(rng)
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}

		var err error
		switch rng.Intn(4) {
		case 0, 1:
			_, err = svc.StartDelivery(ctx, driver, id)
		case 2:
			_, err = svc.Complete(ctx, driver, delivery.CompleteParams{
				DeliveryID:   id,
				ReceiverName: "Front desk",
				Latitude:     &lat,
				Longitude:    &lng,
			})
		default:
			_, err = svc.Fail(ctx, driver, id, "Consignee not available")
		}
		if rejected(err) {
			return fmt.Errorf("driver %s: %w", driver.ID, err)
		}
		time.Sleep(time.Duration(5+rng.Intn(20)) * time.Millisecond)
	}
	return nil
}

// Canceller cancels random deliveries as staff.
func Canceller(ctx context.Context, svc *delivery.Service, staff delivery.Actor, reg *Registry, rng *rand.Rand, stop <-chan struct{}) error {
	reason := "Customer request"
	for !stopped(ctx, stop) {
		if id, _, ok := reg.Pick(rng); ok {
			if _, err := svc.Cancel(ctx, staff, id, &reason); rejected(err) {
				return fmt.Errorf("canceller: %w", err)
			}
		}
		time.Sleep(time.Duration(80+rng.Intn(120)) * time.Millisecond)
	}
	return nil
}

// Tracker performs public lookups while the lifecycle is moving and checks
// each answer against the disclosure rules.
func Tracker(ctx context.Context, svc *tracking.Service, reg *Registry, rng *rand.Rand, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, token, ok := reg.Pick(rng)
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		view, err := svc.Track(ctx, token)
		if err != nil {
			// Lookups fail only when chaos drops the connection.
			continue
		}
		if err := checkView(view); err != nil {
			return fmt.Errorf("tracker %s: %w", token, err)
		}
		time.Sleep(time.Duration(5+rng.Intn(15)) * time.Millisecond)
	}
	return nil
}

func checkView(view tracking.View) error {
	if !view.DisplayStatus {
		if view.Status != "" || len(view.Timestamps) != 0 || view.GeotagMapLink != "" || len(view.Timeline) != 0 {
			return fmt.Errorf("withheld view carries data: %+v", view)
		}
		return nil
	}
	switch view.CurrentStatus {
	case delivery.StatusCreated, delivery.StatusAssigned:
		return fmt.Errorf("status %s disclosed", view.CurrentStatus)
	}
	if view.GeotagMapLink != "" && view.CurrentStatus != delivery.StatusDelivered {
		return fmt.Errorf("map link disclosed for %s", view.CurrentStatus)
	}
	if _, ok := view.Timestamps[view.CurrentStatus.Event()]; !ok {
		return fmt.Errorf("current status %s has no timestamp", view.CurrentStatus)
	}
	return nil
}

// FlakyPublisher drops roughly one publish in ten.
type FlakyPublisher struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewFlakyPublisher(rng *rand.Rand) *FlakyPublisher {
	return &FlakyPublisher{rng: rng}
}

func (p *FlakyPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	fail := p.rng.Intn(10) == 0
	p.mu.Unlock()
	if fail {
		return fmt.Errorf("publish %s: simulated broker outage", channel)
	}
	return nil
}

// OutboxWorker drains the outbox through the relay. Claim errors caused by
// chaos-terminated connections are retried.
func OutboxWorker(ctx context.Context, relay Relay, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := relay.RunOnce(ctx); err != nil && ctx.Err() == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// Relay is the part of notify.Relay the worker drives.
type Relay interface {
	RunOnce(ctx context.Context) (int, error)
}
