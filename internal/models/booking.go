package models

import "time"

type Booking struct {
	BookingID       string     `json:"booking_id"`
	BranchCode      string     `json:"branch_code"`
	LinkID          *string    `json:"link_id,omitempty"`
	Plate           string     `json:"plate"`
	Make            string     `json:"make"`
	Model           string     `json:"model"`
	CustomerName    string     `json:"customer_name,omitempty"`
	CustomerContact string     `json:"customer_contact,omitempty"`
	Status          string     `json:"status"`
	Position        int        `json:"position"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

const (
	StatusQueued    = "queued"
	StatusInService = "in_service"
	StatusDone      = "done"
	StatusCancelled = "cancelled"
)

// InServicePosition is the out-of-band position held by the single
// in_service booking of a branch. Queued positions start at 1.
const InServicePosition = 0
