package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/alfieprojectsdev/washboard-sub001/internal/models"
	"github.com/alfieprojectsdev/washboard-sub001/internal/store"
	"github.com/alfieprojectsdev/washboard-sub001/internal/token"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const bookingColumns = `booking_id, branch_code, link_id, plate, make, model,
	customer_name, customer_contact, status, position, cancel_reason,
	created_at, started_at, completed_at, cancelled_at`

type Store struct {
	pool    *pgxpool.Pool
	linkTTL time.Duration
}

type Options struct {
	LinkTTL time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	ttl := options.LinkTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{pool: pool, linkTTL: ttl}
}

func (s *Store) IssueLink(ctx context.Context, input store.IssueLinkInput) (models.MagicLink, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.MagicLink{}, translateErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = branchExists(ctx, tx, input.BranchCode); err != nil {
		return models.MagicLink{}, err
	}

	issuedAt := input.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}

	link := models.MagicLink{
		LinkID:          uuid.NewString(),
		BranchCode:      input.BranchCode,
		CustomerName:    input.CustomerName,
		CustomerContact: input.CustomerContact,
		CreatedBy:       input.CreatedBy,
		CreatedAt:       issuedAt,
		ExpiresAt:       issuedAt.Add(s.linkTTL),
	}

	// Token collision is negligible at this entropy, but the column is
	// UNIQUE so one regeneration covers the theoretical case.
	for attempt := 0; attempt < 2; attempt++ {
		link.Token = token.New()
		tag, insertErr := tx.Exec(ctx, `
			INSERT INTO magic_links (link_id, branch_code, token, customer_name, customer_contact, created_by, created_at, expires_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (token) DO NOTHING
		`, link.LinkID, link.BranchCode, link.Token, nullIfEmpty(link.CustomerName), nullIfEmpty(link.CustomerContact), link.CreatedBy, link.CreatedAt, link.ExpiresAt)
		if insertErr != nil {
			err = insertErr
			return models.MagicLink{}, translateErr(err)
		}
		if tag.RowsAffected() == 1 {
			if err = tx.Commit(ctx); err != nil {
				return models.MagicLink{}, translateErr(err)
			}
			return link, nil
		}
	}
	err = errors.New("token collision persisted across retries")
	return models.MagicLink{}, err
}

// ValidateLink is read-only and fails closed: any unexpected storage error
// surfaces as NOT_FOUND so a broken database can never read as "valid". The
// checks run in a fixed order (existence, used, expired) so the outcome is
// deterministic when several conditions hold at once.
func (s *Store) ValidateLink(ctx context.Context, tokenValue string) (store.LinkValidation, error) {
	link, branch, err := s.getLinkByToken(ctx, tokenValue)
	if err != nil {
		return store.LinkValidation{Valid: false, Reason: store.ReasonNotFound}, nil
	}
	if link.UsedAt != nil {
		return store.LinkValidation{Valid: false, Reason: store.ReasonAlreadyUsed, Link: link, Branch: branch}, nil
	}
	if time.Now().UTC().After(link.ExpiresAt) {
		return store.LinkValidation{Valid: false, Reason: store.ReasonExpired, Link: link, Branch: branch}, nil
	}
	return store.LinkValidation{Valid: true, Link: link, Branch: branch}, nil
}

func (s *Store) getLinkByToken(ctx context.Context, tokenValue string) (models.MagicLink, models.Branch, error) {
	var link models.MagicLink
	var branch models.Branch
	var customerNameNull, customerContactNull, bookingIDNull sql.NullString
	var usedAtNull sql.NullTime
	var closedReasonNull sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT l.link_id, l.branch_code, l.customer_name, l.customer_contact, l.created_by,
			l.created_at, l.expires_at, l.used_at, l.booking_id,
			b.name, b.avg_service_minutes, t.open, t.closed_reason
		FROM magic_links l
		JOIN branches b ON b.branch_code = l.branch_code
		JOIN shop_status t ON t.branch_code = l.branch_code
		WHERE l.token = $1
	`, tokenValue)
	if err := row.Scan(&link.LinkID, &link.BranchCode, &customerNameNull, &customerContactNull, &link.CreatedBy,
		&link.CreatedAt, &link.ExpiresAt, &usedAtNull, &bookingIDNull,
		&branch.Name, &branch.AvgServiceMinutes, &branch.Open, &closedReasonNull); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MagicLink{}, models.Branch{}, store.ErrLinkNotFound
		}
		return models.MagicLink{}, models.Branch{}, translateErr(err)
	}
	if customerNameNull.Valid {
		link.CustomerName = customerNameNull.String
	}
	if customerContactNull.Valid {
		link.CustomerContact = customerContactNull.String
	}
	link.UsedAt = nullTimePtr(usedAtNull)
	link.BookingID = nullStringPtr(bookingIDNull)
	branch.BranchCode = link.BranchCode
	if closedReasonNull.Valid {
		branch.ClosedReason = closedReasonNull.String
	}
	return link, branch, nil
}

func (s *Store) ListLinks(ctx context.Context, branchCode, state string, limit, offset int) ([]models.MagicLink, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT link_id, branch_code, customer_name, customer_contact, created_by, created_at, expires_at, used_at, booking_id
		FROM magic_links
		WHERE branch_code = $1
	`
	switch state {
	case models.LinkStateActive:
		query += " AND used_at IS NULL AND expires_at > now()"
	case models.LinkStateExpired:
		query += " AND used_at IS NULL AND expires_at <= now()"
	case models.LinkStateUsed:
		query += " AND used_at IS NOT NULL"
	}
	query += " ORDER BY created_at DESC LIMIT $2 OFFSET $3"

	rows, err := s.pool.Query(ctx, query, branchCode, limit, offset)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var links []models.MagicLink
	for rows.Next() {
		var link models.MagicLink
		var customerNameNull, customerContactNull, bookingIDNull sql.NullString
		var usedAtNull sql.NullTime
		if err := rows.Scan(&link.LinkID, &link.BranchCode, &customerNameNull, &customerContactNull, &link.CreatedBy,
			&link.CreatedAt, &link.ExpiresAt, &usedAtNull, &bookingIDNull); err != nil {
			return nil, translateErr(err)
		}
		if customerNameNull.Valid {
			link.CustomerName = customerNameNull.String
		}
		if customerContactNull.Valid {
			link.CustomerContact = customerContactNull.String
		}
		link.UsedAt = nullTimePtr(usedAtNull)
		link.BookingID = nullStringPtr(bookingIDNull)
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, translateErr(err)
	}
	return links, nil
}

// PruneExpiredLinks deletes unused links past their expiry plus retention.
// Consumed links are never deleted; they are the audit trail behind their
// booking. Pruning is routine cleanup, not required for correctness.
func (s *Store) PruneExpiredLinks(ctx context.Context, retention time.Duration, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, translateErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	cutoff := time.Now().UTC().Add(-retention)
	rows, err := tx.Query(ctx, `
		SELECT link_id
		FROM magic_links
		WHERE used_at IS NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, cutoff, batchSize)
	if err != nil {
		return 0, translateErr(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return 0, translateErr(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, translateErr(err)
	}
	if len(ids) == 0 {
		if err = tx.Commit(ctx); err != nil {
			return 0, translateErr(err)
		}
		return 0, nil
	}

	if _, err = tx.Exec(ctx, `DELETE FROM magic_links WHERE link_id = ANY($1)`, ids); err != nil {
		return 0, translateErr(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, translateErr(err)
	}
	return len(ids), nil
}

// SubmitBooking runs the whole submission as one unit of work: lock the
// link row, confirm the shop is open, lock the branch queue, derive the
// next position, insert the booking, and consume the link. A failure at
// any step rolls the entire unit back, so a used link always points at a
// persisted booking and vice versa.
func (s *Store) SubmitBooking(ctx context.Context, input store.SubmitBookingInput) (models.Booking, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Booking{}, translateErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	submittedAt := input.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now().UTC()
	}
	input.Plate = strings.TrimSpace(input.Plate)
	input.Make = strings.TrimSpace(input.Make)
	input.Model = strings.TrimSpace(input.Model)
	input.CustomerName = strings.TrimSpace(input.CustomerName)
	input.CustomerContact = strings.TrimSpace(input.CustomerContact)

	var linkID, branchCode string
	var usedAtNull sql.NullTime
	var expiresAt time.Time
	row := tx.QueryRow(ctx, `
		SELECT link_id, branch_code, used_at, expires_at
		FROM magic_links
		WHERE token = $1
		FOR UPDATE
	`, input.Token)
	if err = row.Scan(&linkID, &branchCode, &usedAtNull, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrLinkNotFound
			return models.Booking{}, err
		}
		return models.Booking{}, translateErr(err)
	}
	if usedAtNull.Valid {
		err = store.ErrLinkUsed
		return models.Booking{}, err
	}
	if submittedAt.After(expiresAt) {
		err = store.ErrLinkExpired
		return models.Booking{}, err
	}

	// The shop_status row doubles as the per-branch submission lock.
	// Locking only the active booking rows is not enough: against an empty
	// queue there is nothing to lock and two submissions would both count
	// zero and derive position 1.
	var open bool
	row = tx.QueryRow(ctx, `SELECT open FROM shop_status WHERE branch_code = $1 FOR UPDATE`, branchCode)
	if err = row.Scan(&open); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrBranchNotFound
			return models.Booking{}, err
		}
		return models.Booking{}, translateErr(err)
	}
	if !open {
		err = store.ErrShopClosed
		return models.Booking{}, err
	}

	if input.Plate == "" || input.Make == "" || input.Model == "" {
		err = store.ErrMissingFields
		return models.Booking{}, err
	}

	// Lock the identifiers first, then count in a second statement: row
	// locking clauses cannot be combined with aggregates, and the lock must
	// be held before the count is taken or two submissions can derive the
	// same position.
	if err = lockQueue(ctx, tx, branchCode); err != nil {
		return models.Booking{}, translateErr(err)
	}
	count, err := countActive(ctx, tx, branchCode)
	if err != nil {
		return models.Booking{}, translateErr(err)
	}
	position := count + 1

	booking := models.Booking{
		BookingID:       uuid.NewString(),
		BranchCode:      branchCode,
		LinkID:          &linkID,
		Plate:           input.Plate,
		Make:            input.Make,
		Model:           input.Model,
		CustomerName:    input.CustomerName,
		CustomerContact: input.CustomerContact,
		Status:          models.StatusQueued,
		Position:        position,
		CreatedAt:       submittedAt,
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO bookings (booking_id, branch_code, link_id, plate, make, model, customer_name, customer_contact, status, position, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, booking.BookingID, booking.BranchCode, linkID, booking.Plate, booking.Make, booking.Model,
		nullIfEmpty(booking.CustomerName), nullIfEmpty(booking.CustomerContact), booking.Status, booking.Position, booking.CreatedAt); err != nil {
		return models.Booking{}, translateErr(err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE magic_links
		SET used_at = $2, booking_id = $3
		WHERE link_id = $1 AND used_at IS NULL
	`, linkID, submittedAt, booking.BookingID)
	if err != nil {
		return models.Booking{}, translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrLinkUsed
		return models.Booking{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Booking{}, translateErr(err)
	}
	return booking, nil
}

func (s *Store) GetBookingStatus(ctx context.Context, bookingID string) (store.BookingStatus, error) {
	var result store.BookingStatus
	row := s.pool.QueryRow(ctx, `
		SELECT `+prefixed("k", bookingColumns)+`,
			b.name, b.avg_service_minutes, t.open, t.closed_reason
		FROM bookings k
		JOIN branches b ON b.branch_code = k.branch_code
		JOIN shop_status t ON t.branch_code = k.branch_code
		WHERE k.booking_id = $1
	`, bookingID)
	booking, extra, err := scanBookingWithBranch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.BookingStatus{}, store.ErrBookingNotFound
		}
		return store.BookingStatus{}, translateErr(err)
	}
	result.Booking = booking
	result.Branch = extra
	return result, nil
}

func (s *Store) StartService(ctx context.Context, input store.BookingActionInput) (models.Booking, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Booking{}, translateErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	booking, err := lockBooking(ctx, tx, input.BookingID, input.BranchCode)
	if err != nil {
		return models.Booking{}, err
	}
	if !store.ValidTransition("start", booking.Status) {
		err = store.ErrInvalidState
		return models.Booking{}, err
	}

	if err = lockQueue(ctx, tx, booking.BranchCode); err != nil {
		return models.Booking{}, translateErr(err)
	}
	var inService int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE branch_code = $1 AND status = $2
	`, booking.BranchCode, models.StatusInService)
	if err = row.Scan(&inService); err != nil {
		return models.Booking{}, translateErr(err)
	}
	if inService > 0 {
		err = store.ErrServiceBusy
		return models.Booking{}, err
	}

	occurredAt := actionTime(input.OccurredAt)
	oldPosition := booking.Position
	if _, err = tx.Exec(ctx, `
		UPDATE bookings
		SET status = $2, position = $3, started_at = $4
		WHERE booking_id = $1
	`, booking.BookingID, models.StatusInService, models.InServicePosition, occurredAt); err != nil {
		return models.Booking{}, translateErr(err)
	}
	// Close the gap so the queued sequence stays 1..N.
	if err = shiftDownAfter(ctx, tx, booking.BranchCode, oldPosition); err != nil {
		return models.Booking{}, translateErr(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Booking{}, translateErr(err)
	}
	booking.Status = models.StatusInService
	booking.Position = models.InServicePosition
	booking.StartedAt = &occurredAt
	return booking, nil
}

func (s *Store) CompleteBooking(ctx context.Context, input store.BookingActionInput) (models.Booking, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Booking{}, translateErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	booking, err := lockBooking(ctx, tx, input.BookingID, input.BranchCode)
	if err != nil {
		return models.Booking{}, err
	}
	if !store.ValidTransition("complete", booking.Status) {
		err = store.ErrInvalidState
		return models.Booking{}, err
	}

	occurredAt := actionTime(input.OccurredAt)
	if err = lockQueue(ctx, tx, booking.BranchCode); err != nil {
		return models.Booking{}, translateErr(err)
	}
	if _, err = tx.Exec(ctx, `
		UPDATE bookings
		SET status = $2, completed_at = $3
		WHERE booking_id = $1
	`, booking.BookingID, models.StatusDone, occurredAt); err != nil {
		return models.Booking{}, translateErr(err)
	}
	// Submissions that arrived during service were numbered past the
	// occupied slot. With the bay empty the queued sequence compacts
	// back to 1..N.
	if err = resequenceQueue(ctx, tx, booking.BranchCode); err != nil {
		return models.Booking{}, translateErr(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Booking{}, translateErr(err)
	}
	booking.Status = models.StatusDone
	booking.CompletedAt = &occurredAt
	return booking, nil
}

func (s *Store) CancelBooking(ctx context.Context, input store.BookingActionInput) (models.Booking, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Booking{}, translateErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	booking, err := lockBooking(ctx, tx, input.BookingID, input.BranchCode)
	if err != nil {
		return models.Booking{}, err
	}
	if !store.ValidTransition("cancel", booking.Status) {
		err = store.ErrInvalidState
		return models.Booking{}, err
	}

	occurredAt := actionTime(input.OccurredAt)
	wasQueued := booking.Status == models.StatusQueued
	if err = lockQueue(ctx, tx, booking.BranchCode); err != nil {
		return models.Booking{}, translateErr(err)
	}

	// Position is left at its last value for audit; terminal rows are out
	// of the queued ordering.
	if _, err = tx.Exec(ctx, `
		UPDATE bookings
		SET status = $2, cancel_reason = $3, cancelled_at = $4
		WHERE booking_id = $1
	`, booking.BookingID, models.StatusCancelled, input.Reason, occurredAt); err != nil {
		return models.Booking{}, translateErr(err)
	}
	if wasQueued {
		if err = shiftDownAfter(ctx, tx, booking.BranchCode, booking.Position); err != nil {
			return models.Booking{}, translateErr(err)
		}
	} else {
		// Cancelling the in-service row empties the bay; compact the
		// queued sequence back to 1..N.
		if err = resequenceQueue(ctx, tx, booking.BranchCode); err != nil {
			return models.Booking{}, translateErr(err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Booking{}, translateErr(err)
	}
	booking.Status = models.StatusCancelled
	booking.CancelReason = input.Reason
	booking.CancelledAt = &occurredAt
	return booking, nil
}

// ReorderBooking moves a queued booking to a new position and renumbers the
// rows in between. The transaction is serializable so two concurrent moves
// (or a move racing a submission) cannot interleave; the loser surfaces as
// a retryable conflict.
func (s *Store) ReorderBooking(ctx context.Context, input store.ReorderInput) (models.Booking, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return models.Booking{}, translateErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	booking, err := lockBooking(ctx, tx, input.BookingID, input.BranchCode)
	if err != nil {
		return models.Booking{}, err
	}
	if !store.ValidTransition("reorder", booking.Status) {
		err = store.ErrInvalidState
		return models.Booking{}, err
	}

	if err = lockQueue(ctx, tx, booking.BranchCode); err != nil {
		return models.Booking{}, translateErr(err)
	}
	var queued int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE branch_code = $1 AND status = $2
	`, booking.BranchCode, models.StatusQueued)
	if err = row.Scan(&queued); err != nil {
		return models.Booking{}, translateErr(err)
	}
	if input.NewPosition < 1 || input.NewPosition > queued {
		err = store.ErrBadPosition
		return models.Booking{}, err
	}

	from := booking.Position
	to := input.NewPosition
	if from == to {
		if err = tx.Commit(ctx); err != nil {
			return models.Booking{}, translateErr(err)
		}
		return booking, nil
	}

	if from < to {
		// Moving down: everything in (from, to] steps up one slot.
		_, err = tx.Exec(ctx, `
			UPDATE bookings
			SET position = position - 1
			WHERE branch_code = $1 AND status = $2 AND position > $3 AND position <= $4
		`, booking.BranchCode, models.StatusQueued, from, to)
	} else {
		// Moving up: everything in [to, from) steps down one slot.
		_, err = tx.Exec(ctx, `
			UPDATE bookings
			SET position = position + 1
			WHERE branch_code = $1 AND status = $2 AND position >= $3 AND position < $4
		`, booking.BranchCode, models.StatusQueued, to, from)
	}
	if err != nil {
		return models.Booking{}, translateErr(err)
	}

	if _, err = tx.Exec(ctx, `
		UPDATE bookings SET position = $2 WHERE booking_id = $1
	`, booking.BookingID, to); err != nil {
		return models.Booking{}, translateErr(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Booking{}, translateErr(err)
	}
	booking.Position = to
	return booking, nil
}

func (s *Store) ListQueue(ctx context.Context, input store.ListQueueInput) ([]models.Booking, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE branch_code = $1
	`
	args := []interface{}{input.BranchCode}
	switch input.Status {
	case models.StatusQueued, models.StatusInService:
		query += " AND status = $2 ORDER BY position ASC, created_at ASC"
		args = append(args, input.Status)
	case models.StatusDone, models.StatusCancelled:
		query += " AND status = $2 ORDER BY created_at DESC"
		args = append(args, input.Status)
	default:
		// Active view: the in_service row (position 0) leads, then the
		// queue in order, oldest first on ties.
		query += " AND status IN ('queued','in_service') ORDER BY position ASC, created_at ASC"
	}
	query += " LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, limit, input.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var bookings []models.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, translateErr(err)
		}
		bookings = append(bookings, booking)
	}
	if err := rows.Err(); err != nil {
		return nil, translateErr(err)
	}
	return bookings, nil
}

func (s *Store) GetBranch(ctx context.Context, branchCode string) (models.Branch, error) {
	var branch models.Branch
	var closedReasonNull sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT b.branch_code, b.name, b.avg_service_minutes, t.open, t.closed_reason
		FROM branches b
		JOIN shop_status t ON t.branch_code = b.branch_code
		WHERE b.branch_code = $1
	`, branchCode)
	if err := row.Scan(&branch.BranchCode, &branch.Name, &branch.AvgServiceMinutes, &branch.Open, &closedReasonNull); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Branch{}, store.ErrBranchNotFound
		}
		return models.Branch{}, translateErr(err)
	}
	if closedReasonNull.Valid {
		branch.ClosedReason = closedReasonNull.String
	}
	return branch, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, branch_code, role, expires_at
		FROM sessions
		WHERE session_id = $1
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.BranchCode, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, translateErr(err)
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func branchExists(ctx context.Context, tx pgx.Tx, branchCode string) error {
	var code string
	row := tx.QueryRow(ctx, `SELECT branch_code FROM branches WHERE branch_code = $1`, branchCode)
	if err := row.Scan(&code); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrBranchNotFound
		}
		return translateErr(err)
	}
	return nil
}

// lockQueue takes row locks on every active booking of the branch. All
// position reads and writes happen behind these locks for the rest of the
// transaction.
func lockQueue(ctx context.Context, tx pgx.Tx, branchCode string) error {
	rows, err := tx.Query(ctx, `
		SELECT booking_id
		FROM bookings
		WHERE branch_code = $1 AND status IN ('queued','in_service')
		FOR UPDATE
	`, branchCode)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
	}
	return rows.Err()
}

func countActive(ctx context.Context, tx pgx.Tx, branchCode string) (int, error) {
	var count int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM bookings
		WHERE branch_code = $1 AND status IN ('queued','in_service')
	`, branchCode)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func shiftDownAfter(ctx context.Context, tx pgx.Tx, branchCode string, position int) error {
	_, err := tx.Exec(ctx, `
		UPDATE bookings
		SET position = position - 1
		WHERE branch_code = $1 AND status = $2 AND position > $3
	`, branchCode, models.StatusQueued, position)
	return err
}

// resequenceQueue rewrites queued positions to 1..N in the current order.
// Callers hold the queue lock.
func resequenceQueue(ctx context.Context, tx pgx.Tx, branchCode string) error {
	_, err := tx.Exec(ctx, `
		UPDATE bookings b
		SET position = ranked.rn
		FROM (
			SELECT booking_id, ROW_NUMBER() OVER (ORDER BY position, created_at) AS rn
			FROM bookings
			WHERE branch_code = $1 AND status = $2
		) ranked
		WHERE b.booking_id = ranked.booking_id AND b.position <> ranked.rn
	`, branchCode, models.StatusQueued)
	return err
}

// lockBooking loads the booking under a row lock and enforces branch scope:
// a booking that exists but belongs to another branch is a Forbidden, not a
// NotFound.
func lockBooking(ctx context.Context, tx pgx.Tx, bookingID, branchCode string) (models.Booking, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE booking_id = $1
		FOR UPDATE
	`, bookingID)
	booking, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Booking{}, store.ErrBookingNotFound
		}
		return models.Booking{}, translateErr(err)
	}
	if booking.BranchCode != branchCode {
		return models.Booking{}, store.ErrForbidden
	}
	return booking, nil
}

func actionTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value
}

func scanBooking(row pgx.Row) (models.Booking, error) {
	var booking models.Booking
	var linkIDNull, customerNameNull, customerContactNull, cancelReasonNull sql.NullString
	var startedAtNull, completedAtNull, cancelledAtNull sql.NullTime
	if err := row.Scan(&booking.BookingID, &booking.BranchCode, &linkIDNull, &booking.Plate, &booking.Make, &booking.Model,
		&customerNameNull, &customerContactNull, &booking.Status, &booking.Position, &cancelReasonNull,
		&booking.CreatedAt, &startedAtNull, &completedAtNull, &cancelledAtNull); err != nil {
		return models.Booking{}, err
	}
	booking.LinkID = nullStringPtr(linkIDNull)
	if customerNameNull.Valid {
		booking.CustomerName = customerNameNull.String
	}
	if customerContactNull.Valid {
		booking.CustomerContact = customerContactNull.String
	}
	if cancelReasonNull.Valid {
		booking.CancelReason = cancelReasonNull.String
	}
	booking.StartedAt = nullTimePtr(startedAtNull)
	booking.CompletedAt = nullTimePtr(completedAtNull)
	booking.CancelledAt = nullTimePtr(cancelledAtNull)
	return booking, nil
}

func scanBookingWithBranch(row pgx.Row) (models.Booking, models.Branch, error) {
	var booking models.Booking
	var branch models.Branch
	var linkIDNull, customerNameNull, customerContactNull, cancelReasonNull sql.NullString
	var startedAtNull, completedAtNull, cancelledAtNull sql.NullTime
	var closedReasonNull sql.NullString
	if err := row.Scan(&booking.BookingID, &booking.BranchCode, &linkIDNull, &booking.Plate, &booking.Make, &booking.Model,
		&customerNameNull, &customerContactNull, &booking.Status, &booking.Position, &cancelReasonNull,
		&booking.CreatedAt, &startedAtNull, &completedAtNull, &cancelledAtNull,
		&branch.Name, &branch.AvgServiceMinutes, &branch.Open, &closedReasonNull); err != nil {
		return models.Booking{}, models.Branch{}, err
	}
	booking.LinkID = nullStringPtr(linkIDNull)
	if customerNameNull.Valid {
		booking.CustomerName = customerNameNull.String
	}
	if customerContactNull.Valid {
		booking.CustomerContact = customerContactNull.String
	}
	if cancelReasonNull.Valid {
		booking.CancelReason = cancelReasonNull.String
	}
	booking.StartedAt = nullTimePtr(startedAtNull)
	booking.CompletedAt = nullTimePtr(completedAtNull)
	booking.CancelledAt = nullTimePtr(cancelledAtNull)
	branch.BranchCode = booking.BranchCode
	if closedReasonNull.Valid {
		branch.ClosedReason = closedReasonNull.String
	}
	return booking, branch, nil
}

// translateErr folds serialization failures, deadlocks, and lock timeouts
// into ErrConflict so callers see one retryable condition instead of raw
// SQLSTATEs.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return store.ErrConflict
		}
	}
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
