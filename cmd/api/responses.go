package main

import (
	"encoding/json"
	"time"

	"podtrack/auth"
	"podtrack/delivery"
	"podtrack/jobfile"
	"podtrack/tracking"
)

type userResponse struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"displayName"`
	Phone       *string `json:"phone,omitempty"`
	Role        string  `json:"role"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"createdAt"`
}

func newUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Phone:       u.Phone,
		Role:        string(u.Role),
		Status:      string(u.Status),
		CreatedAt:   u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type deliveryResponse struct {
	ID               string                   `json:"id"`
	PublicToken      string                   `json:"publicToken"`
	JobFileID        string                   `json:"jobFileId"`
	JobFile          delivery.JobFileSnapshot `json:"jobFile"`
	DeliveryLocation string                   `json:"deliveryLocation"`
	Notes            string                   `json:"notes,omitempty"`
	DriverID         *string                  `json:"driverId"`
	DriverName       *string                  `json:"driverName"`
	Status           string                   `json:"status"`
	Timestamps       map[string]string        `json:"timestamps"`
	GeotagMapLink    *string                  `json:"geotagMapLink,omitempty"`
	ReceiverName     *string                  `json:"receiverName,omitempty"`
	FailureReason    *string                  `json:"failureReason,omitempty"`
	CancelReason     *string                  `json:"cancelReason,omitempty"`
	CreatedBy        string                   `json:"createdBy"`
	CreatedAt        string                   `json:"createdAt"`
	UpdatedAt        string                   `json:"updatedAt"`
}

func newDeliveryResponse(rec delivery.Record) deliveryResponse {
	stamps := make(map[string]string, len(rec.Timestamps))
	for event, at := range rec.Timestamps {
		if at.IsZero() {
			continue
		}
		stamps[string(event)] = at.UTC().Format(time.RFC3339)
	}
	return deliveryResponse{
		ID:               rec.ID,
		PublicToken:      rec.PublicToken,
		JobFileID:        rec.JobFileID,
		JobFile:          rec.JobFile,
		DeliveryLocation: rec.DeliveryLocation,
		Notes:            rec.Notes,
		DriverID:         rec.DriverID,
		DriverName:       rec.DriverName,
		Status:           string(rec.Status),
		Timestamps:       stamps,
		GeotagMapLink:    rec.GeotagMapLink,
		ReceiverName:     rec.ReceiverName,
		FailureReason:    rec.FailureReason,
		CancelReason:     rec.CancelReason,
		CreatedBy:        rec.CreatedBy,
		CreatedAt:        rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type deliveryListResponse struct {
	Items []deliveryResponse `json:"items"`
	Total int                `json:"total"`
}

func newDeliveryListResponse(res delivery.ListResult) deliveryListResponse {
	items := make([]deliveryResponse, 0, len(res.Items))
	for _, rec := range res.Items {
		items = append(items, newDeliveryResponse(rec))
	}
	return deliveryListResponse{Items: items, Total: res.Total}
}

type statsResponse struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

type jobFileListResponse struct {
	Items []jobfile.Record `json:"items"`
	Total int              `json:"total"`
}

type driverListResponse struct {
	Items []userResponse `json:"items"`
	Total int            `json:"total"`
}

// trackResponse is the public tracking payload. A withheld or unknown
// delivery serialises to the same bytes.
type trackResponse struct {
	DisplayStatus bool                     `json:"displayStatus"`
	Status        string                   `json:"status,omitempty"`
	CurrentStatus string                   `json:"currentStatus,omitempty"`
	Timestamps    map[string]string        `json:"timestamps,omitempty"`
	GeotagMapLink string                   `json:"geotagMapLink,omitempty"`
	Timeline      []tracking.TimelineEntry `json:"timeline,omitempty"`
	Message       string                   `json:"message,omitempty"`
}

func newTrackResponse(view tracking.View) trackResponse {
	if !view.DisplayStatus {
		return neutralTrackResponse()
	}
	stamps := make(map[string]string, len(view.Timestamps))
	for event, at := range view.Timestamps {
		stamps[string(event)] = at
	}
	return trackResponse{
		DisplayStatus: true,
		Status:        view.Status,
		CurrentStatus: string(view.CurrentStatus),
		Timestamps:    stamps,
		GeotagMapLink: view.GeotagMapLink,
		Timeline:      view.Timeline,
	}
}

// MarshalJSON emits timestamps on every disclosing payload, as {} when none
// were recorded, and never on the neutral one.
func (r trackResponse) MarshalJSON() ([]byte, error) {
	type wire struct {
		DisplayStatus bool                     `json:"displayStatus"`
		Status        string                   `json:"status,omitempty"`
		CurrentStatus string                   `json:"currentStatus,omitempty"`
		Timestamps    *map[string]string       `json:"timestamps,omitempty"`
		GeotagMapLink string                   `json:"geotagMapLink,omitempty"`
		Timeline      []tracking.TimelineEntry `json:"timeline,omitempty"`
		Message       string                   `json:"message,omitempty"`
	}
	out := wire{
		DisplayStatus: r.DisplayStatus,
		Status:        r.Status,
		CurrentStatus: r.CurrentStatus,
		GeotagMapLink: r.GeotagMapLink,
		Timeline:      r.Timeline,
		Message:       r.Message,
	}
	if r.DisplayStatus {
		stamps := r.Timestamps
		if stamps == nil {
			stamps = map[string]string{}
		}
		out.Timestamps = &stamps
	}
	return json.Marshal(out)
}

func neutralTrackResponse() trackResponse {
	return trackResponse{DisplayStatus: false, Message: tracking.NeutralMessage}
}
