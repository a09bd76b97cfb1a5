package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alfieprojectsdev/washboard-sub001/internal/models"
	"github.com/alfieprojectsdev/washboard-sub001/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestSubmitBookingAssignsSequentialPositions(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, true)

	first := submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))
	if first.Position != 1 {
		t.Fatalf("expected first booking at position 1, got %d", first.Position)
	}
	if first.Status != models.StatusQueued {
		t.Fatalf("expected queued status, got %s", first.Status)
	}

	second := submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))
	if second.Position != 2 {
		t.Fatalf("expected second booking at position 2, got %d", second.Position)
	}
}

func TestSubmitBookingCountsInServiceRow(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, true)
	actor := seedSession(t, ctx, pool, branch)

	first := submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))
	submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))
	submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))

	if _, err := st.StartService(ctx, actionInput(first.BookingID, branch, actor)); err != nil {
		t.Fatalf("start service: %v", err)
	}

	assertQueuedPositions(t, ctx, pool, branch, []int{1, 2})

	fourth := submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))
	if fourth.Position != 4 {
		t.Fatalf("expected new booking behind 2 queued and 1 in service, got position %d", fourth.Position)
	}

	// Completing the in-service booking frees the bay and compacts the
	// queued sequence, so the next submission cannot collide with the
	// stranded position.
	if _, err := st.CompleteBooking(ctx, actionInput(first.BookingID, branch, actor)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	assertQueuedPositions(t, ctx, pool, branch, []int{1, 2, 3})

	fifth := submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))
	if fifth.Position != 4 {
		t.Fatalf("expected position 4 after compaction, got %d", fifth.Position)
	}
}

func TestConcurrentSubmissionsGetDistinctPositions(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, true)

	const n = 5
	links := make([]string, n)
	for i := range links {
		links[i] = issueLink(t, ctx, st, branch)
	}

	var wg sync.WaitGroup
	results := make(chan models.Booking, n)
	for _, tok := range links {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			booking, err := st.SubmitBooking(ctx, store.SubmitBookingInput{
				Token:       tok,
				Plate:       "PLT-" + tok[:6],
				Make:        "Toyota",
				Model:       "Vios",
				SubmittedAt: time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			results <- booking
		}(tok)
	}
	wg.Wait()
	close(results)

	seen := map[int]bool{}
	for booking := range results {
		if seen[booking.Position] {
			t.Fatalf("duplicate position %d", booking.Position)
		}
		seen[booking.Position] = true
	}
	for want := 1; want <= n; want++ {
		if !seen[want] {
			t.Fatalf("missing position %d, got %v", want, seen)
		}
	}
}

func TestLinkSingleUse(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, true)
	tok := issueLink(t, ctx, st, branch)

	submitBooking(t, ctx, st, tok)

	_, err := st.SubmitBooking(ctx, store.SubmitBookingInput{
		Token:       tok,
		Plate:       "XYZ-9999",
		Make:        "Honda",
		Model:       "City",
		SubmittedAt: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrLinkUsed) {
		t.Fatalf("expected ErrLinkUsed on reuse, got %v", err)
	}
}

func TestExpiredLinkRejected(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, true)
	tok := issueLink(t, ctx, st, branch)
	forceExpiry(t, ctx, pool, tok)

	_, err := st.SubmitBooking(ctx, store.SubmitBookingInput{
		Token:       tok,
		Plate:       "ABC-1234",
		Make:        "Toyota",
		Model:       "Vios",
		SubmittedAt: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrLinkExpired) {
		t.Fatalf("expected ErrLinkExpired, got %v", err)
	}

	validation, err := st.ValidateLink(ctx, tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Valid || validation.Reason != store.ReasonExpired {
		t.Fatalf("expected invalid EXPIRED, got valid=%v reason=%q", validation.Valid, validation.Reason)
	}
}

func TestUsedWinsOverExpired(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, true)
	tok := issueLink(t, ctx, st, branch)
	submitBooking(t, ctx, st, tok)
	forceExpiry(t, ctx, pool, tok)

	validation, err := st.ValidateLink(ctx, tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Valid || validation.Reason != store.ReasonAlreadyUsed {
		t.Fatalf("used check precedes expiry check, got valid=%v reason=%q", validation.Valid, validation.Reason)
	}
}

func TestValidateUnknownTokenFailsClosed(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	validation, err := st.ValidateLink(ctx, strings.Repeat("A", 128))
	if err != nil {
		t.Fatalf("validate must not error for unknown tokens: %v", err)
	}
	if validation.Valid || validation.Reason != store.ReasonNotFound {
		t.Fatalf("expected invalid NOT_FOUND, got valid=%v reason=%q", validation.Valid, validation.Reason)
	}
}

func TestSubmitRejectedWhenShopClosed(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, false)
	tok := issueLink(t, ctx, st, branch)

	_, err := st.SubmitBooking(ctx, store.SubmitBookingInput{
		Token:       tok,
		Plate:       "ABC-1234",
		Make:        "Toyota",
		Model:       "Vios",
		SubmittedAt: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrShopClosed) {
		t.Fatalf("expected ErrShopClosed, got %v", err)
	}

	validation, err := st.ValidateLink(ctx, tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !validation.Valid {
		t.Fatalf("closed shop must not consume or invalidate the link: %+v", validation)
	}
}

func TestSubmitRequiresVehicleFieldsAfterLinkChecks(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, true)
	tok := issueLink(t, ctx, st, branch)

	_, err := st.SubmitBooking(ctx, store.SubmitBookingInput{
		Token:       tok,
		Plate:       "   ",
		Make:        "Toyota",
		Model:       "Vios",
		SubmittedAt: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}

	validation, err := st.ValidateLink(ctx, tok)
	if err != nil || !validation.Valid {
		t.Fatalf("rejected submission must not consume the link: %v %+v", err, validation)
	}

	// A dead link outranks blank fields.
	forceExpiry(t, ctx, pool, tok)
	_, err = st.SubmitBooking(ctx, store.SubmitBookingInput{
		Token:       tok,
		SubmittedAt: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrLinkExpired) {
		t.Fatalf("expected ErrLinkExpired before field checks, got %v", err)
	}
}

func TestCancelClosesGap(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, true)
	actor := seedSession(t, ctx, pool, branch)

	submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))
	second := submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))
	third := submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))

	input := actionInput(second.BookingID, branch, actor)
	input.Reason = "customer left"
	cancelled, err := st.CancelBooking(ctx, input)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	assertQueuedPositions(t, ctx, pool, branch, []int{1, 2})

	status, err := st.GetBookingStatus(ctx, third.BookingID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Booking.Position != 2 {
		t.Fatalf("expected third booking to move up to 2, got %d", status.Booking.Position)
	}
}

func TestStartServiceClosesGapAndSingleBay(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, true)
	actor := seedSession(t, ctx, pool, branch)

	first := submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))
	second := submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))

	started, err := st.StartService(ctx, actionInput(first.BookingID, branch, actor))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != models.StatusInService || started.Position != models.InServicePosition {
		t.Fatalf("expected in_service at position 0, got %s/%d", started.Status, started.Position)
	}
	assertQueuedPositions(t, ctx, pool, branch, []int{1})

	_, err = st.StartService(ctx, actionInput(second.BookingID, branch, actor))
	if !errors.Is(err, store.ErrServiceBusy) {
		t.Fatalf("expected ErrServiceBusy with a bay occupied, got %v", err)
	}

	if _, err := st.CompleteBooking(ctx, actionInput(first.BookingID, branch, actor)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := st.StartService(ctx, actionInput(second.BookingID, branch, actor)); err != nil {
		t.Fatalf("start after completion: %v", err)
	}
}

func TestTerminalBookingsRejectActions(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, true)
	actor := seedSession(t, ctx, pool, branch)

	booking := submitBooking(t, ctx, st, issueLink(t, ctx, st, branch))
	if _, err := st.StartService(ctx, actionInput(booking.BookingID, branch, actor)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := st.CompleteBooking(ctx, actionInput(booking.BookingID, branch, actor)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := st.StartService(ctx, actionInput(booking.BookingID, branch, actor)); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState starting a done booking, got %v", err)
	}
	cancel := actionInput(booking.BookingID, branch, actor)
	cancel.Reason = "late cancel"
	if _, err := st.CancelBooking(ctx, cancel); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling a done booking, got %v", err)
	}
}

func TestReorderShiftsNeighbours(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, true)
	actor := seedSession(t, ctx, pool, branch)

	var bookings []models.Booking
	for i := 0; i < 4; i++ {
		bookings = append(bookings, submitBooking(t, ctx, st, issueLink(t, ctx, st, branch)))
	}

	// Move position 1 down to 3: 2 and 3 shift up.
	moved, err := st.ReorderBooking(ctx, store.ReorderInput{
		BookingID:   bookings[0].BookingID,
		BranchCode:  branch,
		ActorID:     actor,
		NewPosition: 3,
	})
	if err != nil {
		t.Fatalf("reorder down: %v", err)
	}
	if moved.Position != 3 {
		t.Fatalf("expected position 3, got %d", moved.Position)
	}
	assertOrder(t, ctx, pool, branch, []string{
		bookings[1].BookingID, bookings[2].BookingID, bookings[0].BookingID, bookings[3].BookingID,
	})

	// Move position 4 up to 1: everyone else shifts down.
	if _, err := st.ReorderBooking(ctx, store.ReorderInput{
		BookingID:   bookings[3].BookingID,
		BranchCode:  branch,
		ActorID:     actor,
		NewPosition: 1,
	}); err != nil {
		t.Fatalf("reorder up: %v", err)
	}
	assertOrder(t, ctx, pool, branch, []string{
		bookings[3].BookingID, bookings[1].BookingID, bookings[2].BookingID, bookings[0].BookingID,
	})

	if _, err := st.ReorderBooking(ctx, store.ReorderInput{
		BookingID:   bookings[0].BookingID,
		BranchCode:  branch,
		ActorID:     actor,
		NewPosition: 9,
	}); !errors.Is(err, store.ErrBadPosition) {
		t.Fatalf("expected ErrBadPosition beyond queue length, got %v", err)
	}
}

func TestCrossBranchActionForbidden(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branchA := seedBranch(t, ctx, pool, true)
	branchB := seedBranch(t, ctx, pool, true)
	actorB := seedSession(t, ctx, pool, branchB)

	booking := submitBooking(t, ctx, st, issueLink(t, ctx, st, branchA))

	_, err := st.StartService(ctx, actionInput(booking.BookingID, branchB, actorB))
	if !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden across branches, got %v", err)
	}
}

func TestPruneExpiredLinks(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch := seedBranch(t, ctx, pool, true)

	stale := issueLink(t, ctx, st, branch)
	forceExpiry(t, ctx, pool, stale)
	if _, err := pool.Exec(ctx, `
		UPDATE magic_links SET expires_at = now() - interval '30 days' WHERE token = $1
	`, stale); err != nil {
		t.Fatalf("age link: %v", err)
	}

	used := issueLink(t, ctx, st, branch)
	submitBooking(t, ctx, st, used)
	fresh := issueLink(t, ctx, st, branch)

	count, err := st.PruneExpiredLinks(ctx, 7*24*time.Hour, 50)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 pruned link, got %d", count)
	}

	var remaining int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM magic_links`).Scan(&remaining); err != nil {
		t.Fatalf("count links: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("used and fresh links must survive pruning, got %d rows", remaining)
	}
	validation, err := st.ValidateLink(ctx, fresh)
	if err != nil || !validation.Valid {
		t.Fatalf("fresh link must stay valid: %v %+v", err, validation)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{LinkTTL: 24 * time.Hour})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedBranch(t *testing.T, ctx context.Context, pool *pgxpool.Pool, open bool) string {
	t.Helper()
	branchCode := "wash-" + uuid.NewString()[:8]
	if _, err := pool.Exec(ctx, `
		INSERT INTO branches (branch_code, name, avg_service_minutes) VALUES ($1, 'Test Branch', 20)
	`, branchCode); err != nil {
		t.Fatalf("insert branch: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO shop_status (branch_code, open) VALUES ($1, $2)
	`, branchCode, open); err != nil {
		t.Fatalf("insert shop status: %v", err)
	}
	return branchCode
}

func seedSession(t *testing.T, ctx context.Context, pool *pgxpool.Pool, branchCode string) string {
	t.Helper()
	userID := "staff-" + uuid.NewString()[:8]
	if _, err := pool.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, branch_code, role, expires_at)
		VALUES ($1, $2, $3, 'staff', now() + interval '1 hour')
	`, uuid.NewString(), userID, branchCode); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return userID
}

func issueLink(t *testing.T, ctx context.Context, st *Store, branchCode string) string {
	t.Helper()
	link, err := st.IssueLink(ctx, store.IssueLinkInput{
		BranchCode: branchCode,
		CreatedBy:  "staff-seed",
		IssuedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	return link.Token
}

func submitBooking(t *testing.T, ctx context.Context, st *Store, token string) models.Booking {
	t.Helper()
	booking, err := st.SubmitBooking(ctx, store.SubmitBookingInput{
		Token:       token,
		Plate:       "PLT-" + token[:6],
		Make:        "Toyota",
		Model:       "Vios",
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("submit booking: %v", err)
	}
	return booking
}

func actionInput(bookingID, branchCode, actorID string) store.BookingActionInput {
	return store.BookingActionInput{
		BookingID:  bookingID,
		BranchCode: branchCode,
		ActorID:    actorID,
		OccurredAt: time.Now().UTC(),
	}
}

func forceExpiry(t *testing.T, ctx context.Context, pool *pgxpool.Pool, token string) {
	t.Helper()
	if _, err := pool.Exec(ctx, `
		UPDATE magic_links SET expires_at = now() - interval '1 minute' WHERE token = $1
	`, token); err != nil {
		t.Fatalf("expire link: %v", err)
	}
}

func assertQueuedPositions(t *testing.T, ctx context.Context, pool *pgxpool.Pool, branchCode string, want []int) {
	t.Helper()
	rows, err := pool.Query(ctx, `
		SELECT position FROM bookings
		WHERE branch_code = $1 AND status = 'queued'
		ORDER BY position
	`, branchCode)
	if err != nil {
		t.Fatalf("query positions: %v", err)
	}
	defer rows.Close()
	var got []int
	for rows.Next() {
		var position int
		if err := rows.Scan(&position); err != nil {
			t.Fatalf("scan position: %v", err)
		}
		got = append(got, position)
	}
	if len(got) != len(want) {
		t.Fatalf("expected positions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected positions %v, got %v", want, got)
		}
	}
}

func assertOrder(t *testing.T, ctx context.Context, pool *pgxpool.Pool, branchCode string, want []string) {
	t.Helper()
	rows, err := pool.Query(ctx, `
		SELECT booking_id FROM bookings
		WHERE branch_code = $1 AND status = 'queued'
		ORDER BY position
	`, branchCode)
	if err != nil {
		t.Fatalf("query order: %v", err)
	}
	defer rows.Close()
	var got []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan id: %v", err)
		}
		got = append(got, id)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d queued bookings, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue order mismatch at %d: expected %s, got %s", i+1, want[i], got[i])
		}
	}
}
