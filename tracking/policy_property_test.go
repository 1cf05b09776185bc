package tracking

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"podtrack/delivery"
)

var genStatus = gen.OneConstOf(
	delivery.StatusCreated,
	delivery.StatusAssigned,
	delivery.StatusOutForDelivery,
	delivery.StatusDelivered,
	delivery.StatusFailed,
	delivery.StatusCancelled,
	delivery.Status("unknown_value"),
	delivery.Status(""),
)

// buildRecord turns generated primitives into a snapshot. Each bit of mask
// records one lifecycle event.
func buildRecord(status delivery.Status, mask int, base int64, withLink bool) delivery.Record {
	stamps := make(delivery.Timestamps)
	for i, e := range lifecycleEvents {
		if mask&(1<<i) != 0 {
			stamps[e] = time.Unix(base+int64(i)*90, 0).UTC()
		}
	}
	rec := delivery.Record{ID: "prop", Status: status, Timestamps: stamps}
	if withLink {
		link := "https://www.google.com/maps?q=0.000000,0.000000"
		rec.GeotagMapLink = &link
	}
	return rec
}

func TestEvaluate_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)
	policy := NewPolicy(nil)

	args := []gopter.Gen{
		genStatus,
		gen.IntRange(0, 1<<len(lifecycleEvents)-1),
		gen.Int64Range(0, 4102444800),
		gen.Bool(),
	}

	properties.Property("pre-transit and unknown states disclose nothing", prop.ForAll(
		func(status delivery.Status, mask int, base int64, withLink bool) bool {
			res := policy.Evaluate(buildRecord(status, mask, base, withLink))
			switch status {
			case delivery.StatusOutForDelivery, delivery.StatusDelivered, delivery.StatusFailed, delivery.StatusCancelled:
				return res.DisplayStatus && res.Status != ""
			default:
				return reflect.DeepEqual(res, Result{})
			}
		},
		args...,
	))

	properties.Property("disclosed timestamps are a subset of recorded ones", prop.ForAll(
		func(status delivery.Status, mask int, base int64, withLink bool) bool {
			rec := buildRecord(status, mask, base, withLink)
			for key := range policy.Evaluate(rec).Timestamps {
				if !rec.Timestamps.Has(key) {
					return false
				}
			}
			return true
		},
		args...,
	))

	properties.Property("map link iff delivered with delivered_at", prop.ForAll(
		func(status delivery.Status, mask int, base int64, withLink bool) bool {
			rec := buildRecord(status, mask, base, withLink)
			res := policy.Evaluate(rec)
			want := withLink && status == delivery.StatusDelivered && rec.Timestamps.Has(delivery.EventDelivered)
			return (res.GeotagMapLink != "") == want
		},
		args...,
	))

	properties.Property("evaluation is idempotent", prop.ForAll(
		func(status delivery.Status, mask int, base int64, withLink bool) bool {
			rec := buildRecord(status, mask, base, withLink)
			return reflect.DeepEqual(policy.Evaluate(rec), policy.Evaluate(rec))
		},
		args...,
	))

	properties.Property("timeline has exactly one current entry, the last", prop.ForAll(
		func(status delivery.Status, mask int, base int64, withLink bool) bool {
			entries := BuildTimeline(policy.Evaluate(buildRecord(status, mask, base, withLink)))
			for i, e := range entries {
				if !e.Completed || e.Current != (i == len(entries)-1) {
					return false
				}
			}
			return true
		},
		args...,
	))

	properties.TestingRun(t)
}
