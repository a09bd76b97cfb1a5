package httpapi

import (
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alfieprojectsdev/washboard-sub001/internal/models"
	"github.com/alfieprojectsdev/washboard-sub001/internal/store"
	"github.com/alfieprojectsdev/washboard-sub001/internal/token"

	"github.com/google/uuid"
)

type Handler struct {
	store store.BookingStore
}

func NewHandler(st store.BookingStore) *Handler {
	return &Handler{store: st}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/bookings", h.handleSubmitBooking)
	mux.HandleFunc("/api/bookings/", h.handleBookingSubpaths)
	mux.HandleFunc("/api/links", h.handleLinks)
	mux.HandleFunc("/api/links/validate", h.handleValidateLink)
	mux.HandleFunc("/api/queues", h.handleListQueue)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type submitBookingRequest struct {
	Token           string `json:"token"`
	Plate           string `json:"plate"`
	Make            string `json:"make"`
	Model           string `json:"model"`
	CustomerName    string `json:"customer_name"`
	CustomerContact string `json:"customer_contact"`
}

// submitBookingResponse is the single response shape for submissions.
// Link-validity rejections keep the 200 status and the same shape as
// success, with only the payload distinguishing the outcomes, so callers
// cannot probe token existence through status codes or response shapes.
type submitBookingResponse struct {
	Valid   bool            `json:"valid"`
	Booking *models.Booking `json:"booking,omitempty"`
	Error   *responseError  `json:"error,omitempty"`
}

func (h *Handler) handleSubmitBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req submitBookingRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_JSON", "invalid JSON payload")
		return
	}

	req.Token = strings.TrimSpace(req.Token)
	req.Plate = strings.TrimSpace(req.Plate)
	req.Make = strings.TrimSpace(req.Make)
	req.Model = strings.TrimSpace(req.Model)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerContact = strings.TrimSpace(req.CustomerContact)

	// Field presence is judged by the store after the link and shop checks,
	// so a dead token reads the same whether or not the vehicle fields were
	// filled in. Only the token format gate runs before storage.
	if !token.Valid(req.Token) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_TOKEN", "token is malformed")
		return
	}

	booking, err := h.store.SubmitBooking(r.Context(), store.SubmitBookingInput{
		Token:           req.Token,
		Plate:           req.Plate,
		Make:            req.Make,
		Model:           req.Model,
		CustomerName:    req.CustomerName,
		CustomerContact: req.CustomerContact,
		SubmittedAt:     time.Now().UTC(),
	})
	if err != nil {
		if reason, ok := linkReason(err); ok {
			writeJSON(w, http.StatusOK, submitBookingResponse{
				Valid: false,
				Error: &responseError{Code: reason, Message: "link is not valid for booking"},
			})
			return
		}
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, submitBookingResponse{Valid: true, Booking: &booking})
}

type validateLinkResponse struct {
	Valid      bool           `json:"valid"`
	BranchCode string         `json:"branch_code,omitempty"`
	BranchName string         `json:"branch_name,omitempty"`
	Open       *bool          `json:"open,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Error      *responseError `json:"error,omitempty"`
}

func (h *Handler) handleValidateLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	value := strings.TrimSpace(r.URL.Query().Get("token"))
	if !token.Valid(value) {
		writeJSON(w, http.StatusOK, validateLinkResponse{
			Valid: false,
			Error: &responseError{Code: store.ReasonNotFound, Message: "link is not valid for booking"},
		})
		return
	}

	validation, err := h.store.ValidateLink(r.Context(), value)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	if !validation.Valid {
		writeJSON(w, http.StatusOK, validateLinkResponse{
			Valid: false,
			Error: &responseError{Code: validation.Reason, Message: "link is not valid for booking"},
		})
		return
	}

	open := validation.Branch.Open
	expiresAt := validation.Link.ExpiresAt
	writeJSON(w, http.StatusOK, validateLinkResponse{
		Valid:      true,
		BranchCode: validation.Branch.BranchCode,
		BranchName: validation.Branch.Name,
		Open:       &open,
		ExpiresAt:  &expiresAt,
	})
}

func (h *Handler) handleBookingSubpaths(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/bookings/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		h.handleBookingStatus(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodPost:
		h.handleBookingAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type bookingStatusResponse struct {
	Status               string     `json:"status"`
	Position             *int       `json:"position"`
	InService            *bool      `json:"in_service,omitempty"`
	EstimatedWaitMinutes *int       `json:"estimated_wait_minutes,omitempty"`
	QueuedAt             *time.Time `json:"queued_at,omitempty"`
	Completed            *bool      `json:"completed,omitempty"`
	Cancelled            *bool      `json:"cancelled,omitempty"`
}

func (h *Handler) handleBookingStatus(w http.ResponseWriter, r *http.Request, bookingID string) {
	if !isValidUUID(bookingID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_BOOKING_ID", "booking id is malformed")
		return
	}

	result, err := h.store.GetBookingStatus(r.Context(), bookingID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}

	boolPtr := func(v bool) *bool { return &v }
	intPtr := func(v int) *int { return &v }

	booking := result.Booking
	resp := bookingStatusResponse{Status: booking.Status}
	switch booking.Status {
	case models.StatusQueued:
		wait := (booking.Position - 1) * result.Branch.AvgServiceMinutes
		queuedAt := booking.CreatedAt
		resp.Position = intPtr(booking.Position)
		resp.InService = boolPtr(false)
		resp.EstimatedWaitMinutes = intPtr(wait)
		resp.QueuedAt = &queuedAt
	case models.StatusInService:
		resp.InService = boolPtr(true)
		resp.EstimatedWaitMinutes = intPtr(0)
	case models.StatusDone:
		resp.Completed = boolPtr(true)
	case models.StatusCancelled:
		resp.Cancelled = boolPtr(true)
	}

	writeJSON(w, http.StatusOK, resp)
}

type bookingActionRequest struct {
	Reason      string `json:"reason"`
	NewPosition int    `json:"new_position"`
}

func (h *Handler) handleBookingAction(w http.ResponseWriter, r *http.Request, bookingID, action string) {
	if !isValidUUID(bookingID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_BOOKING_ID", "booking id is malformed")
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	var req bookingActionRequest
	if r.ContentLength != 0 {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_JSON", "invalid JSON payload")
			return
		}
	}
	req.Reason = strings.TrimSpace(req.Reason)

	input := store.BookingActionInput{
		BookingID:  bookingID,
		BranchCode: session.BranchCode,
		ActorID:    session.UserID,
		Reason:     req.Reason,
		OccurredAt: time.Now().UTC(),
	}

	var booking models.Booking
	var err error
	switch action {
	case "start":
		booking, err = h.store.StartService(r.Context(), input)
	case "complete":
		booking, err = h.store.CompleteBooking(r.Context(), input)
	case "cancel":
		if req.Reason == "" {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_REQUEST", "reason is required")
			return
		}
		booking, err = h.store.CancelBooking(r.Context(), input)
	case "reorder":
		if req.NewPosition < 1 {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_REQUEST", "new_position must be a positive integer")
			return
		}
		booking, err = h.store.ReorderBooking(r.Context(), store.ReorderInput{
			BookingID:   bookingID,
			BranchCode:  session.BranchCode,
			ActorID:     session.UserID,
			NewPosition: req.NewPosition,
		})
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, booking)
}

type issueLinkRequest struct {
	CustomerName    string `json:"customer_name"`
	CustomerContact string `json:"customer_contact"`
}

func (h *Handler) handleLinks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleIssueLink(w, r)
	case http.MethodGet:
		h.handleListLinks(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleIssueLink(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	var req issueLinkRequest
	if r.ContentLength != 0 {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_JSON", "invalid JSON payload")
			return
		}
	}

	link, err := h.store.IssueLink(r.Context(), store.IssueLinkInput{
		BranchCode:      session.BranchCode,
		CreatedBy:       session.UserID,
		CustomerName:    strings.TrimSpace(req.CustomerName),
		CustomerContact: strings.TrimSpace(req.CustomerContact),
		IssuedAt:        time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, link)
}

func (h *Handler) handleListLinks(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	state := strings.TrimSpace(r.URL.Query().Get("state"))
	switch state {
	case "", models.LinkStateActive, models.LinkStateExpired, models.LinkStateUsed:
	default:
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_REQUEST", "state must be active, expired, or used")
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	links, err := h.store.ListLinks(r.Context(), session.BranchCode, state, limit, offset)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	// Tokens are write-once secrets; listing never replays them.
	for i := range links {
		links[i].Token = ""
	}

	writeJSON(w, http.StatusOK, links)
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	switch status {
	case "", models.StatusQueued, models.StatusInService, models.StatusDone, models.StatusCancelled:
	default:
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_REQUEST", "unknown status filter")
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	bookings, err := h.store.ListQueue(r.Context(), store.ListQueueInput{
		BranchCode: session.BranchCode,
		Status:     status,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, bookings)
}

func pagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	limit := 0
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return 0, 0, false
		}
		limit = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_REQUEST", "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = parsed
	}
	return limit, offset, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// linkReason maps link-validity failures to their payload reason codes.
// These three share one transport outcome; only the code differs.
func linkReason(err error) (string, bool) {
	switch {
	case errors.Is(err, store.ErrLinkNotFound):
		return store.ReasonNotFound, true
	case errors.Is(err, store.ErrLinkExpired):
		return store.ReasonExpired, true
	case errors.Is(err, store.ErrLinkUsed):
		return store.ReasonAlreadyUsed, true
	default:
		return "", false
	}
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrBranchNotFound):
		return http.StatusNotFound, "INVALID_BRANCH", "branch not found"
	case errors.Is(err, store.ErrShopClosed):
		return http.StatusConflict, "SHOP_CLOSED", "branch is not accepting bookings"
	case errors.Is(err, store.ErrMissingFields):
		return http.StatusBadRequest, "MISSING_FIELDS", "plate, make, and model are required"
	case errors.Is(err, store.ErrBookingNotFound):
		return http.StatusNotFound, "BOOKING_NOT_FOUND", "booking not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "INVALID_TRANSITION", "booking state does not allow this action"
	case errors.Is(err, store.ErrServiceBusy):
		return http.StatusConflict, "INVALID_TRANSITION", "another booking is already in service"
	case errors.Is(err, store.ErrBadPosition):
		return http.StatusBadRequest, "INVALID_REQUEST", "position out of range"
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "branch access denied"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "invalid session"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONCURRENCY_CONFLICT", "concurrent update, retry the operation"
	default:
		return http.StatusInternalServerError, "STORAGE_UNAVAILABLE", "something went wrong"
	}
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
