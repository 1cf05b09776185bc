package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"podtrack/delivery"
	"podtrack/metrics"
)

var (
	// ErrTokenRequired signals an empty tracking number.
	ErrTokenRequired = errors.New("tracking: tracking number is required")
	// ErrNotAvailable covers unknown tokens. Callers render it exactly like a
	// withheld result.
	ErrNotAvailable = errors.New("tracking: status not available")
)

// NeutralMessage is shown whenever nothing may be disclosed.
const NeutralMessage = "Your shipment is being prepared. Real-time tracking will be available once it is out for delivery. Please check back later."

// DeliveryFinder resolves a public token to a delivery.
type DeliveryFinder interface {
	GetByToken(ctx context.Context, token string) (delivery.Record, error)
}

// View is everything the public page may render.
type View struct {
	Result
	Timeline []TimelineEntry `json:"timeline,omitempty"`
}

// MarshalJSON overrides the promoted Result encoder so the timeline survives.
func (v View) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Result.wire(v.Timeline))
}

// Service answers public tracking lookups.
type Service struct {
	finder DeliveryFinder
	policy Policy
	logger *zap.Logger
}

// NewService wires a lookup service around the given policy.
func NewService(finder DeliveryFinder, policy Policy) *Service {
	return &Service{
		finder: finder,
		policy: policy,
		logger: zap.NewNop(),
	}
}

func (s *Service) WithLogger(logger *zap.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Track looks token up and applies the disclosure policy.
func (s *Service) Track(ctx context.Context, token string) (View, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return View{}, ErrTokenRequired
	}

	rec, err := s.finder.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			metrics.TrackingLookupsTotal.WithLabelValues(metrics.OutcomeNotFound).Inc()
			return View{}, ErrNotAvailable
		}
		metrics.TrackingLookupsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return View{}, fmt.Errorf("tracking: lookup: %w", err)
	}

	if !Recognized(rec.Status) {
		metrics.TrackingIntegrityWarningsTotal.Inc()
		s.logger.Warn("delivery status integrity warning",
			zap.String("delivery_id", rec.ID),
			zap.String("status", string(rec.Status)),
		)
	}
	if len(rec.UnreadableStamps) > 0 {
		metrics.TrackingIntegrityWarningsTotal.Inc()
		s.logger.Warn("delivery timestamp integrity warning",
			zap.String("delivery_id", rec.ID),
			zap.Strings("keys", rec.UnreadableStamps),
		)
	}

	res := s.policy.Evaluate(rec)
	if !res.DisplayStatus {
		metrics.TrackingLookupsTotal.WithLabelValues(metrics.OutcomeWithheld).Inc()
		return View{Result: res}, nil
	}

	metrics.TrackingLookupsTotal.WithLabelValues(metrics.OutcomeDisclosed).Inc()
	return View{Result: res, Timeline: BuildTimeline(res)}, nil
}
