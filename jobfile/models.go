package jobfile

import "time"

// Record is a freight job file that deliveries are raised against.
type Record struct {
	ID          string    `json:"id"`
	JobFileNo   string    `json:"jfn"`
	Shipper     string    `json:"sh"`
	Consignee   string    `json:"co"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Airlines    string    `json:"airlines"`
	MAWB        string    `json:"mawb"`
	InvoiceNo   string    `json:"inv"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateParams carries the fields staff enter for a new job file.
type CreateParams struct {
	JobFileNo   string `json:"jfn"`
	Shipper     string `json:"sh"`
	Consignee   string `json:"co"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Airlines    string `json:"airlines"`
	MAWB        string `json:"mawb"`
	InvoiceNo   string `json:"inv"`
}
