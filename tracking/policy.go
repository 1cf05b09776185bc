// Package tracking decides what an anonymous caller holding a public token
// may learn about a delivery, and projects that decision into a timeline.
package tracking

import (
	"encoding/json"
	"time"
	_ "time/tzdata"

	"podtrack/delivery"
)

// DefaultZone is the canonical zone all disclosed instants are rendered in.
const DefaultZone = "Asia/Kuwait"

// DisplayLayout renders instants like "1 Mar 2026, 12:05 pm".
const DisplayLayout = "2 Jan 2006, 3:04 pm"

var labels = map[delivery.Status]string{
	delivery.StatusOutForDelivery: "Out for Delivery",
	delivery.StatusDelivered:      "Delivered",
	delivery.StatusFailed:         "Delivery Attempted",
	delivery.StatusCancelled:      "Cancelled",
}

// lifecycleEvents are the only timestamp keys that can ever be disclosed.
var lifecycleEvents = []delivery.Event{
	delivery.EventCreated,
	delivery.EventAssigned,
	delivery.EventOutForDelivery,
	delivery.EventDelivered,
	delivery.EventFailed,
	delivery.EventCancelled,
}

// Result is the public-safe projection of a delivery. When DisplayStatus is
// false every other field is empty.
type Result struct {
	DisplayStatus bool                      `json:"displayStatus"`
	Status        string                    `json:"status,omitempty"`
	CurrentStatus delivery.Status           `json:"currentStatus,omitempty"`
	Timestamps    map[delivery.Event]string `json:"timestamps,omitempty"`
	GeotagMapLink string                    `json:"geotagMapLink,omitempty"`
}

// MarshalJSON keeps the timestamps key on every disclosing result, even
// when no lifecycle instant was recorded, and omits it otherwise.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.wire(nil))
}

type wireResult struct {
	DisplayStatus bool                       `json:"displayStatus"`
	Status        string                     `json:"status,omitempty"`
	CurrentStatus delivery.Status            `json:"currentStatus,omitempty"`
	Timestamps    *map[delivery.Event]string `json:"timestamps,omitempty"`
	GeotagMapLink string                     `json:"geotagMapLink,omitempty"`
	Timeline      []TimelineEntry            `json:"timeline,omitempty"`
}

func (r Result) wire(timeline []TimelineEntry) wireResult {
	if !r.DisplayStatus {
		return wireResult{}
	}
	stamps := r.Timestamps
	if stamps == nil {
		stamps = map[delivery.Event]string{}
	}
	return wireResult{
		DisplayStatus: true,
		Status:        r.Status,
		CurrentStatus: r.CurrentStatus,
		Timestamps:    &stamps,
		GeotagMapLink: r.GeotagMapLink,
		Timeline:      timeline,
	}
}

// Policy is the disclosure decision. It is immutable and safe for concurrent use.
type Policy struct {
	loc *time.Location
}

// NewPolicy returns a policy that renders instants in loc. A nil loc selects
// DefaultZone.
func NewPolicy(loc *time.Location) Policy {
	if loc == nil {
		loc = defaultLocation()
	}
	return Policy{loc: loc}
}

// LoadPolicy resolves an IANA zone name. An empty name selects DefaultZone.
func LoadPolicy(zone string) (Policy, error) {
	if zone == "" {
		return NewPolicy(nil), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Policy{}, err
	}
	return NewPolicy(loc), nil
}

// Location reports the zone instants are rendered in.
func (p Policy) Location() *time.Location {
	if p.loc == nil {
		return defaultLocation()
	}
	return p.loc
}

// Evaluate maps a delivery snapshot to what may be shown publicly.
//
// Nothing is disclosed until the delivery is out for delivery. From then on
// the label, every recorded lifecycle timestamp, and (only for a completed
// handoff) the map link are disclosed. A status outside the lifecycle
// discloses nothing.
func (p Policy) Evaluate(rec delivery.Record) Result {
	label, ok := labels[rec.Status]
	if !ok {
		return Result{DisplayStatus: false}
	}

	loc := p.Location()
	stamps := make(map[delivery.Event]string, len(rec.Timestamps))
	for _, e := range lifecycleEvents {
		if rec.Timestamps.Has(e) {
			stamps[e] = rec.Timestamps[e].In(loc).Format(DisplayLayout)
		}
	}

	res := Result{
		DisplayStatus: true,
		Status:        label,
		CurrentStatus: rec.Status,
		Timestamps:    stamps,
	}
	if rec.Status == delivery.StatusDelivered && rec.Timestamps.Has(delivery.EventDelivered) &&
		rec.GeotagMapLink != nil && *rec.GeotagMapLink != "" {
		res.GeotagMapLink = *rec.GeotagMapLink
	}
	return res
}

// Recognized reports whether status belongs to the lifecycle. Callers use it
// to flag integrity problems; Evaluate itself never fails.
func Recognized(status delivery.Status) bool {
	return status.Valid()
}

func defaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultZone)
	if err != nil {
		// Kuwait has observed UTC+3 without DST since 2007.
		return time.FixedZone("AST", 3*60*60)
	}
	return loc
}
