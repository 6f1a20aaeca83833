package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/courier/internal/channel"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/db"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openTestStore(t *testing.T) (*store.Store, *testClock) {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "courier.db")})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s, err := store.New(gdb, store.WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	return s, clock
}

func insert(t *testing.T, s *store.Store, title string, at time.Time) string {
	t.Helper()
	id, err := s.Insert(context.Background(), &models.Result{
		Title:     title,
		Summary:   "summary " + title,
		CreatedAt: at,
		SourceJob: "test",
	})
	if err != nil {
		t.Fatalf("Insert(%s): %v", title, err)
	}
	return id
}

func newTestDispatcher(t *testing.T, s Store, ch channel.Channel, batch int) *Dispatcher {
	t.Helper()
	d, err := New(Options{Store: s, Channel: ch, BatchSize: batch})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Channel: channel.NewMock("")}); err == nil {
		t.Error("expected error without store")
	}
	s, _ := openTestStore(t)
	if _, err := New(Options{Store: s}); err == nil {
		t.Error("expected error without channel")
	}
	d, err := New(Options{Store: s, Channel: channel.NewMock("")})
	if err != nil {
		t.Fatal(err)
	}
	if d.batchSize != DefaultBatchSize || d.claimTimeout != DefaultClaimTimeout || d.Owner() == "" {
		t.Errorf("defaults: batch=%d timeout=%v owner=%q", d.batchSize, d.claimTimeout, d.Owner())
	}
}

func TestRunOnce_Idle(t *testing.T) {
	s, _ := openTestStore(t)
	ch := channel.NewMock("")
	d := newTestDispatcher(t, s, ch, 1)

	out, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Idle {
		t.Errorf("Kind = %q, want idle", out.Kind)
	}
	if ch.SentCount() != 0 {
		t.Error("idle run should not deliver")
	}
}

func TestRunOnce_DeliversInOrderWithIncreasingSentAt(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	base := clock.Now()
	ids := []string{
		insert(t, s, "A", base.Add(1*time.Minute)),
		insert(t, s, "B", base.Add(2*time.Minute)),
		insert(t, s, "C", base.Add(3*time.Minute)),
	}
	clock.Advance(5 * time.Minute)

	ch := channel.NewMock("")
	var buf bytes.Buffer
	d, _ := New(Options{Store: s, Channel: ch, Out: &buf})

	for i := 0; i < 3; i++ {
		out, err := d.RunOnce(ctx)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if out.Sent != 1 || out.Failed != 0 {
			t.Fatalf("run %d outcome = %+v", i, out)
		}
		clock.Advance(time.Minute)
	}

	var titles []string
	for _, m := range ch.AllSent() {
		titles = append(titles, m.Title)
	}
	if got := strings.Join(titles, ","); got != "A,B,C" {
		t.Fatalf("delivered %s, want A,B,C", got)
	}

	var prev time.Time
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if r.Status != models.StatusSent || r.SentAt == nil {
			t.Fatalf("%s: status=%s sent_at=%v", r.Title, r.Status, r.SentAt)
		}
		if r.SentAt.Before(r.CreatedAt) {
			t.Errorf("%s: sent_at %v before created_at %v", r.Title, r.SentAt, r.CreatedAt)
		}
		if !r.SentAt.After(prev) {
			t.Errorf("%s: sent_at %v not after %v", r.Title, r.SentAt, prev)
		}
		prev = *r.SentAt
		if r.Channel != "mock" {
			t.Errorf("%s: channel = %q", r.Title, r.Channel)
		}
	}

	out, _ := d.RunOnce(ctx)
	if out.Kind != Idle {
		t.Errorf("fourth run Kind = %q, want idle", out.Kind)
	}
	if !strings.Contains(buf.String(), `"A" sent via mock`) {
		t.Errorf("out = %q", buf.String())
	}
}

func TestRunOnce_DeliveryFailureMarksFailed(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	id := insert(t, s, "A", time.Time{})

	ch := channel.NewMock("")
	ch.FailNext(errors.New("channel down"))
	d := newTestDispatcher(t, s, ch, 1)

	out, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if out.Failed != 1 || out.Sent != 0 {
		t.Errorf("outcome = %+v", out)
	}
	if len(out.Deliveries) != 1 || out.Deliveries[0].Sent || !strings.Contains(out.Deliveries[0].Err, "channel down") {
		t.Errorf("deliveries = %+v", out.Deliveries)
	}

	r, _ := s.Get(ctx, id)
	if r.Status != models.StatusFailed {
		t.Errorf("status = %q, want FAILED", r.Status)
	}
	if r.SentAt != nil {
		t.Errorf("sent_at = %v, want nil", r.SentAt)
	}
	if !strings.Contains(r.Error, "channel down") {
		t.Errorf("error = %q", r.Error)
	}

	// FAILED rows are terminal: nothing is retried.
	out, _ = d.RunOnce(ctx)
	if out.Kind != Idle || ch.SentCount() != 0 {
		t.Errorf("second run = %+v, sent = %d", out, ch.SentCount())
	}
}

// cancelThenAck acknowledges the message after cancelling the run's context,
// as a SIGTERM landing mid-send would.
type cancelThenAck struct {
	cancel context.CancelFunc
}

func (c *cancelThenAck) Name() string { return "mock" }

func (c *cancelThenAck) Deliver(context.Context, channel.Message) (channel.Ack, error) {
	c.cancel()
	return channel.Ack{Channel: "mock", MessageID: "m-1", At: time.Now()}, nil
}

func TestRunOnce_AckRecordedAfterCancel(t *testing.T) {
	s, clock := openTestStore(t)
	id := insert(t, s, "A", time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := newTestDispatcher(t, s, &cancelThenAck{cancel: cancel}, 1)

	out, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if out.Sent != 1 {
		t.Errorf("outcome = %+v", out)
	}

	r, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusSent || r.SentAt == nil {
		t.Fatalf("status=%s sent_at=%v, want SENT", r.Status, r.SentAt)
	}

	// A later sweep must not turn the delivered row into FAILED.
	clock.Advance(DefaultClaimTimeout + time.Minute)
	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	r, _ = s.Get(context.Background(), id)
	if r.Status != models.StatusSent {
		t.Errorf("status after sweep = %s, want SENT", r.Status)
	}
}

func TestRunOnce_FailureRecordedAfterCancel(t *testing.T) {
	s, _ := openTestStore(t)
	id := insert(t, s, "A", time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := channel.NewMock("")
	ch.FailNext(errors.New("channel down"))
	d := newTestDispatcher(t, s, &cancelBefore{Channel: ch, cancel: cancel}, 1)

	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	r, _ := s.Get(context.Background(), id)
	if r.Status != models.StatusFailed {
		t.Errorf("status = %s, want FAILED", r.Status)
	}
}

type cancelBefore struct {
	channel.Channel
	cancel context.CancelFunc
}

func (c *cancelBefore) Deliver(ctx context.Context, msg channel.Message) (channel.Ack, error) {
	c.cancel()
	return c.Channel.Deliver(ctx, msg)
}

func TestRunOnce_PanicIsDeliveryFailure(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	id := insert(t, s, "A", time.Time{})

	ch := channel.NewMock("")
	ch.PanicNext("nil map write")
	d := newTestDispatcher(t, s, ch, 1)

	out, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if out.Failed != 1 {
		t.Errorf("outcome = %+v", out)
	}
	r, _ := s.Get(ctx, id)
	if r.Status != models.StatusFailed || r.SentAt != nil {
		t.Errorf("status=%q sent_at=%v", r.Status, r.SentAt)
	}
	if !strings.Contains(r.Error, "panic: nil map write") {
		t.Errorf("error = %q", r.Error)
	}
}

func TestRunOnce_BatchKeepsOrder(t *testing.T) {
	s, clock := openTestStore(t)
	base := clock.Now()
	insert(t, s, "C", base.Add(3*time.Minute))
	insert(t, s, "A", base.Add(1*time.Minute))
	insert(t, s, "B", base.Add(2*time.Minute))

	ch := channel.NewMock("")
	ch.FailNext(errors.New("flaky"))
	d := newTestDispatcher(t, s, ch, 10)

	out, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Sent != 2 || out.Failed != 1 {
		t.Errorf("outcome = %+v", out)
	}
	var order []string
	for _, del := range out.Deliveries {
		order = append(order, del.Title)
	}
	if got := strings.Join(order, ","); got != "A,B,C" {
		t.Errorf("order = %s, want A,B,C", got)
	}
}

func TestRunOnce_ExpiresStaleClaims(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	id := insert(t, s, "A", time.Time{})
	if _, err := s.Claim(ctx, id, "crashed-dispatcher"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(DefaultClaimTimeout + time.Minute)

	ch := channel.NewMock("")
	d := newTestDispatcher(t, s, ch, 1)
	out, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out.Expired != 1 || out.Kind != Idle {
		t.Errorf("outcome = %+v", out)
	}
	r, _ := s.Get(ctx, id)
	if r.Status != models.StatusFailed || r.SentAt != nil {
		t.Errorf("status=%q sent_at=%v", r.Status, r.SentAt)
	}
	if ch.SentCount() != 0 {
		t.Error("expired claim must not be delivered")
	}
}

func TestRunOnce_ConcurrentDispatchersDeliverOnce(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	base := clock.Now()
	const n = 12
	for i := 0; i < n; i++ {
		insert(t, s, string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
	}

	ch := channel.NewMock("")
	ch.SetDelay(2 * time.Millisecond)
	d1, _ := New(Options{Store: s, Channel: ch, BatchSize: 4, Owner: "d1"})
	d2, _ := New(Options{Store: s, Channel: ch, BatchSize: 4, Owner: "d2"})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, d := range []*Dispatcher{d1, d2} {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			for {
				out, err := d.RunOnce(ctx)
				if err != nil {
					errs <- err
					return
				}
				if out.Kind == Idle {
					return
				}
			}
		}(d)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("dispatcher error: %v", err)
	}

	seen := make(map[string]int)
	for _, m := range ch.AllSent() {
		seen[m.ResultID]++
	}
	if len(seen) != n {
		t.Errorf("delivered %d distinct rows, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("row %s delivered %d times", id, count)
		}
	}
	counts, _ := s.CountByStatus(ctx)
	if counts[models.StatusSent] != n {
		t.Errorf("SENT = %d, want %d", counts[models.StatusSent], n)
	}
}

// --- Fake store for error paths ---

type fakeStore struct {
	rows      []models.Result
	listErr   error
	claimErr  error
	markErr   error
	markCalls int
}

func (f *fakeStore) ExpireStaleClaims(context.Context, time.Duration) (int64, error) { return 0, nil }

func (f *fakeStore) ListPending(context.Context, int) ([]models.Result, error) {
	return f.rows, f.listErr
}

func (f *fakeStore) Claim(_ context.Context, id, _ string) (*models.Result, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	for i := range f.rows {
		if f.rows[i].ID == id {
			r := f.rows[i]
			return &r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) MarkSent(context.Context, string, string) error {
	f.markCalls++
	return f.markErr
}

func (f *fakeStore) MarkFailed(context.Context, string, string, string) error {
	f.markCalls++
	return f.markErr
}

func TestRunOnce_ListErrorReturned(t *testing.T) {
	fs := &fakeStore{listErr: &store.StoreError{Op: "list pending", Err: errors.New("connection refused")}}
	d := newTestDispatcher(t, fs, channel.NewMock(""), 1)

	_, err := d.RunOnce(context.Background())
	var se *store.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *store.StoreError", err)
	}
}

func TestRunOnce_LostRaceIsCounted(t *testing.T) {
	fs := &fakeStore{
		rows:     []models.Result{{ID: "r1", Title: "A"}},
		claimErr: &store.StoreError{Op: "claim", ID: "r1", Err: store.ErrAlreadyClaimed},
	}
	ch := channel.NewMock("")
	d := newTestDispatcher(t, fs, ch, 1)

	out, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.LostRaces != 1 || ch.SentCount() != 0 || fs.markCalls != 0 {
		t.Errorf("outcome = %+v sent = %d marks = %d", out, ch.SentCount(), fs.markCalls)
	}
}

func TestRunOnce_MarkErrorAbortsRun(t *testing.T) {
	fs := &fakeStore{
		rows:    []models.Result{{ID: "r1", Title: "A"}, {ID: "r2", Title: "B"}},
		markErr: &store.StoreError{Op: "mark sent", ID: "r1", Err: errors.New("disk I/O error")},
	}
	ch := channel.NewMock("")
	d := newTestDispatcher(t, fs, ch, 2)

	out, err := d.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected store error")
	}
	if ch.SentCount() != 1 || out.Sent != 1 {
		t.Errorf("run should stop after the first row: sent=%d outcome=%+v", ch.SentCount(), out)
	}
}
