package delivery

import "time"

// Status is the lifecycle state of a delivery.
type Status string

const (
	StatusCreated        Status = "created"
	StatusAssigned       Status = "assigned"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Event identifies a recorded lifecycle timestamp. Each status S has the
// event key S + "_at".
type Event string

const (
	EventCreated        Event = "created_at"
	EventAssigned       Event = "assigned_at"
	EventOutForDelivery Event = "out_for_delivery_at"
	EventDelivered      Event = "delivered_at"
	EventFailed         Event = "failed_at"
	EventCancelled      Event = "cancelled_at"
)

var transitions = map[Status][]Status{
	StatusCreated:        {StatusAssigned},
	StatusAssigned:       {StatusOutForDelivery, StatusCancelled},
	StatusOutForDelivery: {StatusDelivered, StatusFailed, StatusCancelled},
}

// Valid reports whether s belongs to the closed set of lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusAssigned, StatusOutForDelivery, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// Event returns the timestamp key recorded when a delivery enters s.
func (s Status) Event() Event {
	return Event(string(s) + "_at")
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Timestamps maps an event key to the instant it was recorded. Only events
// that actually happened have a key.
type Timestamps map[Event]time.Time

// Has reports whether e was recorded with a non-zero instant.
func (t Timestamps) Has(e Event) bool {
	ts, ok := t[e]
	return ok && !ts.IsZero()
}

// JobFileSnapshot is the job file data copied onto a delivery at assignment
// time so later job file edits do not rewrite delivery history.
type JobFileSnapshot struct {
	JobFileNo   string `json:"jfn"`
	Shipper     string `json:"sh"`
	Consignee   string `json:"co"`
	Origin      string `json:"origin,omitempty"`
	Destination string `json:"destination,omitempty"`
	Airlines    string `json:"airlines,omitempty"`
	MAWB        string `json:"mawb,omitempty"`
	InvoiceNo   string `json:"inv,omitempty"`
}

// Record mirrors the deliveries table.
type Record struct {
	ID               string
	PublicToken      string
	JobFileID        string
	JobFile          JobFileSnapshot
	DeliveryLocation string
	Notes            string
	DriverID         *string
	DriverName       *string
	Status           Status
	Timestamps       Timestamps
	GeotagMapLink    *string
	ReceiverName     *string
	FailureReason    *string
	CancelReason     *string
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	// UnreadableStamps lists stored timestamp keys whose value failed to parse.
	// They are absent from Timestamps.
	UnreadableStamps []string
}

// AssignedTo reports whether the delivery is assigned to driverID.
func (r Record) AssignedTo(driverID string) bool {
	return r.DriverID != nil && *r.DriverID == driverID && driverID != ""
}

// Stats backs the dashboard counters.
type Stats struct {
	Pending   int
	Completed int
	Total     int
}

// Filters narrows a staff listing.
type Filters struct {
	// View is "pending" (non-terminal), "completed" (delivered) or empty.
	View     string
	Status   Status
	DriverID string
	Search   string
	Page     int
	PageSize int
}

const (
	ViewPending   = "pending"
	ViewCompleted = "completed"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// normalized defaults an unset page and clamps the page size to MaxPageSize.
func (f Filters) normalized() Filters {
	if f.Page <= 0 {
		f.Page = 1
	}
	switch {
	case f.PageSize <= 0:
		f.PageSize = DefaultPageSize
	case f.PageSize > MaxPageSize:
		f.PageSize = MaxPageSize
	}
	return f
}

const (
	// OutboxTopicStatusChanged is enqueued on every lifecycle transition.
	OutboxTopicStatusChanged = "delivery.status_changed"
	timelineStatusChanged    = "DELIVERY_STATUS_CHANGED"
)
