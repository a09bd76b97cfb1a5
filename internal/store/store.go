package store

import (
	"context"
	"time"

	"github.com/alfieprojectsdev/washboard-sub001/internal/models"
)

type IssueLinkInput struct {
	BranchCode      string
	CreatedBy       string
	CustomerName    string
	CustomerContact string
	IssuedAt        time.Time
}

type SubmitBookingInput struct {
	Token           string
	Plate           string
	Make            string
	Model           string
	CustomerName    string
	CustomerContact string
	SubmittedAt     time.Time
}

type BookingActionInput struct {
	BookingID  string
	BranchCode string
	ActorID    string
	Reason     string
	OccurredAt time.Time
}

type ReorderInput struct {
	BookingID   string
	BranchCode  string
	ActorID     string
	NewPosition int
}

type ListQueueInput struct {
	BranchCode string
	Status     string
	Limit      int
	Offset     int
}

// LinkValidation is the read-only answer to "can this token still book".
// Reason is one of the link validity reason codes when Valid is false.
type LinkValidation struct {
	Valid  bool
	Reason string
	Link   models.MagicLink
	Branch models.Branch
}

// Link validity reason codes carried in validation payloads. Callers branch
// on these, never on messages or status codes.
const (
	ReasonNotFound    = "NOT_FOUND"
	ReasonExpired     = "EXPIRED"
	ReasonAlreadyUsed = "ALREADY_USED"
)

// BookingStatus is the status-query read model: the booking plus the branch
// fields needed to estimate wait time.
type BookingStatus struct {
	Booking models.Booking
	Branch  models.Branch
}

type BookingStore interface {
	IssueLink(ctx context.Context, input IssueLinkInput) (models.MagicLink, error)
	ValidateLink(ctx context.Context, token string) (LinkValidation, error)
	ListLinks(ctx context.Context, branchCode, state string, limit, offset int) ([]models.MagicLink, error)
	PruneExpiredLinks(ctx context.Context, retention time.Duration, batchSize int) (int, error)

	SubmitBooking(ctx context.Context, input SubmitBookingInput) (models.Booking, error)
	GetBookingStatus(ctx context.Context, bookingID string) (BookingStatus, error)
	StartService(ctx context.Context, input BookingActionInput) (models.Booking, error)
	CompleteBooking(ctx context.Context, input BookingActionInput) (models.Booking, error)
	CancelBooking(ctx context.Context, input BookingActionInput) (models.Booking, error)
	ReorderBooking(ctx context.Context, input ReorderInput) (models.Booking, error)
	ListQueue(ctx context.Context, input ListQueueInput) ([]models.Booking, error)

	GetBranch(ctx context.Context, branchCode string) (models.Branch, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

// Session is the branch-scoped identity supplied by the external auth
// collaborator. The core reads session rows; it never writes credentials.
type Session struct {
	SessionID  string
	UserID     string
	BranchCode string
	Role       string
	ExpiresAt  time.Time
}
