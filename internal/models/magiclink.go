package models

import "time"

// MagicLink is a single-use, time-limited token that lets one anonymous
// customer submit exactly one booking for a branch. Once used_at is set it
// is never cleared; expired unused links may be pruned as routine cleanup.
type MagicLink struct {
	LinkID          string     `json:"link_id"`
	BranchCode      string     `json:"branch_code"`
	Token           string     `json:"token,omitempty"`
	CustomerName    string     `json:"customer_name,omitempty"`
	CustomerContact string     `json:"customer_contact,omitempty"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	UsedAt          *time.Time `json:"used_at,omitempty"`
	BookingID       *string    `json:"booking_id,omitempty"`
}

// Link validity states, mutually exclusive at any point in time.
const (
	LinkStateActive  = "active"
	LinkStateExpired = "expired"
	LinkStateUsed    = "used"
)

func (l MagicLink) State(now time.Time) string {
	if l.UsedAt != nil {
		return LinkStateUsed
	}
	if now.After(l.ExpiresAt) {
		return LinkStateExpired
	}
	return LinkStateActive
}
