package tracking

import "podtrack/delivery"

// TimelineEntry is one rendered step of the public timeline.
type TimelineEntry struct {
	Key       delivery.Event `json:"key"`
	Title     string         `json:"title"`
	Timestamp string         `json:"timestamp"`
	Completed bool           `json:"completed"`
	Current   bool           `json:"current"`
	Link      string         `json:"link,omitempty"`
}

var timelineSteps = []struct {
	key   delivery.Event
	title string
}{
	{delivery.EventCreated, "Order Placed"},
	{delivery.EventOutForDelivery, "Out for Delivery"},
	{delivery.EventDelivered, "Delivered"},
}

// BuildTimeline orders the disclosed timestamps by lifecycle position, not by
// instant, so a skewed clock cannot move the current marker. The last present
// step is current.
func BuildTimeline(res Result) []TimelineEntry {
	if !res.DisplayStatus {
		return []TimelineEntry{}
	}

	entries := make([]TimelineEntry, 0, len(timelineSteps))
	for _, step := range timelineSteps {
		ts, ok := res.Timestamps[step.key]
		if !ok {
			continue
		}
		entry := TimelineEntry{
			Key:       step.key,
			Title:     step.title,
			Timestamp: ts,
			Completed: true,
		}
		if step.key == delivery.EventDelivered {
			entry.Link = res.GeotagMapLink
		}
		entries = append(entries, entry)
	}
	if len(entries) > 0 {
		entries[len(entries)-1].Current = true
	}
	return entries
}
