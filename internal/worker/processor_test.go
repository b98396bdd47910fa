package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"offline-submission-queue/internal/config"
	"offline-submission-queue/internal/connectivity"
	apperrors "offline-submission-queue/internal/errors"
	"offline-submission-queue/internal/gateway"
	"offline-submission-queue/internal/models"
	"offline-submission-queue/internal/queue"
	"offline-submission-queue/internal/store"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(base, max, 200); b < max/2 || b > max {
		t.Fatalf("large attempt should cap at max: %s", b)
	}
}

// recordingGateway records calls and answers from a script keyed by call number.
type recordingGateway struct {
	mu      sync.Mutex
	calls   []gateway.Request
	results map[int]error
	hook    func(n int, req gateway.Request)
}

func (g *recordingGateway) Execute(ctx context.Context, req gateway.Request) error {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	n := len(g.calls)
	err := g.results[n]
	hook := g.hook
	g.mu.Unlock()
	if hook != nil {
		hook(n, req)
	}
	return err
}

func (g *recordingGateway) targets() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	for i, c := range g.calls {
		out[i] = c.Target
	}
	return out
}

type fakeUploader struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (u *fakeUploader) Upload(_ context.Context, localRef, destPath string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, destPath)
	if u.err != nil {
		return "", u.err
	}
	return "https://cdn.example/" + destPath, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newQueue(t *testing.T, opts ...queue.Option) *queue.Queue {
	t.Helper()
	opts = append([]queue.Option{queue.WithLogger(quietLogger())}, opts...)
	q, err := queue.Open(context.Background(), store.NewMemoryStore(), opts...)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func enqueueContacts(t *testing.T, q *queue.Queue, targets ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(targets))
	for _, target := range targets {
		id, err := q.Enqueue(context.Background(), models.MethodCreate, target, models.Contact{Name: "Rosa", Message: "need water"})
		if err != nil {
			t.Fatalf("enqueue %s: %v", target, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func testConfig() config.Config {
	return config.Config{
		GatewayTimeout: time.Second,
		UploadTimeout:  time.Second,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
}

func TestOfflineEnqueueDrainsWhenConnectivityReturns(t *testing.T) {
	q := newQueue(t)
	gw := &recordingGateway{}
	obs := connectivity.NewManual(false)
	p := NewProcessor(testConfig(), q, gw, nil, obs, quietLogger())

	enqueueContacts(t, q, "contacts/1", "contacts/2", "contacts/3")

	drained := make(chan struct{})
	var once sync.Once
	q.Subscribe(func(c queue.Counts) {
		if c.Outstanding() == 0 && c.DeadLetter == 0 {
			once.Do(func() { close(drained) })
		}
	})
	select {
	case <-drained:
		t.Fatalf("queue should not be empty before any sync")
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	if n := len(gw.targets()); n != 0 {
		t.Fatalf("no gateway calls expected while offline, got %d", n)
	}

	obs.Set(true)
	select {
	case <-drained:
	case <-time.After(3 * time.Second):
		t.Fatalf("queue did not drain after connectivity returned")
	}

	got := gw.targets()
	want := []string{"contacts/1", "contacts/2", "contacts/3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls out of order: %v", got)
		}
	}
	if q.Counts().Outstanding() != 0 {
		t.Fatalf("expected empty queue")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

func TestTransientFailureLeavesItemForNextPass(t *testing.T) {
	q := newQueue(t)
	ids := enqueueContacts(t, q, "a", "b", "c")
	gw := &recordingGateway{results: map[int]error{
		2: apperrors.New(apperrors.ErrTransientDelivery, "503 from gateway"),
	}}
	p := NewProcessor(testConfig(), q, gw, nil, nil, quietLogger())

	res, started := p.TriggerSync(context.Background())
	if !started {
		t.Fatalf("pass did not start")
	}
	if res.Attempted != 3 || res.Delivered != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	ops := q.List()
	if len(ops) != 1 || ops[0].ID != ids[1] {
		t.Fatalf("only the second item should remain, got %+v", ops)
	}
	if ops[0].State != models.StateFailed || ops[0].Attempts != 1 || ops[0].LastError == "" {
		t.Fatalf("unexpected state for failed item %+v", ops[0])
	}

	res, _ = p.TriggerSync(context.Background())
	if res.Delivered != 1 || len(q.List()) != 0 {
		t.Fatalf("failed item should be delivered on the next pass: %+v", res)
	}
}

func TestPermanentFailureGoesToDeadLetter(t *testing.T) {
	q := newQueue(t)
	ids := enqueueContacts(t, q, "a", "b")
	gw := &recordingGateway{results: map[int]error{
		1: apperrors.New(apperrors.ErrPermanentDelivery, "422 invalid phone"),
	}}
	p := NewProcessor(testConfig(), q, gw, nil, nil, quietLogger())

	res, _ := p.TriggerSync(context.Background())
	if res.DeadLettered != 1 || res.Delivered != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	op, ok := q.Get(ids[0])
	if !ok || op.State != models.StateDeadLetter || op.Attempts != 1 {
		t.Fatalf("expected dead-lettered item, got %+v", op)
	}

	res, _ = p.TriggerSync(context.Background())
	if res.Attempted != 0 {
		t.Fatalf("dead-lettered items must not be retried automatically: %+v", res)
	}
}

func TestUnknownErrorsAreRetried(t *testing.T) {
	q := newQueue(t)
	enqueueContacts(t, q, "a")
	gw := &recordingGateway{results: map[int]error{1: errors.New("something odd")}}
	p := NewProcessor(testConfig(), q, gw, nil, nil, quietLogger())

	res, _ := p.TriggerSync(context.Background())
	if res.Failed != 1 || q.Counts().Failed != 1 {
		t.Fatalf("unclassified errors should be transient: %+v", res)
	}
}

func TestMaxAttemptsDeadLettersDuringSync(t *testing.T) {
	q := newQueue(t, queue.WithMaxAttempts(2))
	enqueueContacts(t, q, "a")
	gw := gateway.Func(func(context.Context, gateway.Request) error {
		return apperrors.New(apperrors.ErrTransientDelivery, "offline")
	})
	p := NewProcessor(testConfig(), q, gw, nil, nil, quietLogger())

	p.TriggerSync(context.Background())
	res, _ := p.TriggerSync(context.Background())
	if res.DeadLettered != 1 || q.Counts().DeadLetter != 1 {
		t.Fatalf("expected dead letter on the second failure: %+v counts=%+v", res, q.Counts())
	}
}

func TestConcurrentTriggerIsSingleFlight(t *testing.T) {
	q := newQueue(t)
	enqueueContacts(t, q, "a", "b")

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var calls atomic.Int32
	gw := gateway.Func(func(ctx context.Context, req gateway.Request) error {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	})
	p := NewProcessor(testConfig(), q, gw, nil, nil, quietLogger())

	first := make(chan PassResult, 1)
	go func() {
		res, _ := p.TriggerSync(context.Background())
		first <- res
	}()
	<-entered

	if !p.Running() {
		t.Fatalf("expected a running pass")
	}
	if _, started := p.TriggerSync(context.Background()); started {
		t.Fatalf("second trigger must not start while a pass is running")
	}
	close(release)

	res := <-first
	if res.Delivered != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("each item should be sent once, got %d calls", n)
	}
	if p.Running() {
		t.Fatalf("gate should be released")
	}
}

func TestMidPassEnqueueWaitsForNextPass(t *testing.T) {
	q := newQueue(t)
	enqueueContacts(t, q, "a")
	gw := &recordingGateway{}
	gw.hook = func(n int, _ gateway.Request) {
		if n == 1 {
			enqueueContacts(t, q, "late")
		}
	}
	p := NewProcessor(testConfig(), q, gw, nil, nil, quietLogger())

	res, _ := p.TriggerSync(context.Background())
	if res.Eligible != 1 || res.Attempted != 1 {
		t.Fatalf("pass should only cover the snapshot: %+v", res)
	}
	if q.Counts().Pending != 1 {
		t.Fatalf("late item should still be pending")
	}
	res, _ = p.TriggerSync(context.Background())
	if res.Delivered != 1 {
		t.Fatalf("late item should go on the next pass: %+v", res)
	}
}

// countingStore counts store traffic.
type countingStore struct {
	store.Store
	loads, saves atomic.Int32
}

func (c *countingStore) Load(ctx context.Context) ([]byte, error) {
	c.loads.Add(1)
	return c.Store.Load(ctx)
}

func (c *countingStore) Save(ctx context.Context, data []byte) error {
	c.saves.Add(1)
	return c.Store.Save(ctx, data)
}

// outageStore fails writes while down is set.
type outageStore struct {
	store.Store
	down atomic.Bool
}

func (o *outageStore) Save(ctx context.Context, data []byte) error {
	if o.down.Load() {
		return errors.New("disk full")
	}
	return o.Store.Save(ctx, data)
}

func (o *outageStore) Delete(ctx context.Context) error {
	if o.down.Load() {
		return errors.New("disk full")
	}
	return o.Store.Delete(ctx)
}

func TestUnrecordedOutcomeIsRetriedNextPass(t *testing.T) {
	st := &outageStore{Store: store.NewMemoryStore()}
	q, err := queue.Open(context.Background(), st, queue.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	enqueueContacts(t, q, "contacts")

	gw := &recordingGateway{hook: func(n int, _ gateway.Request) {
		if n == 1 {
			st.down.Store(true)
		}
	}}
	p := NewProcessor(testConfig(), q, gw, nil, nil, quietLogger())
	if _, started := p.TriggerSync(context.Background()); !started {
		t.Fatalf("pass did not start")
	}
	if c := q.Counts(); c.InFlight != 0 || c.Pending != 1 {
		t.Fatalf("item must not stay in flight after the pass, got %+v", c)
	}

	st.down.Store(false)
	res, _ := p.TriggerSync(context.Background())
	if res.Delivered != 1 || len(gw.targets()) != 2 {
		t.Fatalf("item should be delivered on the next pass: %+v calls=%d", res, len(gw.targets()))
	}
	if q.Counts().Outstanding() != 0 {
		t.Fatalf("queue should be empty")
	}
}

func TestEmptyPassDoesNotTouchStore(t *testing.T) {
	st := &countingStore{Store: store.NewMemoryStore()}
	q, err := queue.Open(context.Background(), st, queue.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	loads, saves := st.loads.Load(), st.saves.Load()

	p := NewProcessor(testConfig(), q, &recordingGateway{}, nil, nil, quietLogger())
	res, started := p.TriggerSync(context.Background())
	if !started || res.Eligible != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if st.loads.Load() != loads || st.saves.Load() != saves {
		t.Fatalf("empty pass touched the store")
	}
}

func TestAttachmentsUploadedAndResolved(t *testing.T) {
	dir := t.TempDir()
	photo := filepath.Join(dir, "flood.jpg")
	if err := os.WriteFile(photo, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	q := newQueue(t)
	id, err := q.Enqueue(context.Background(), models.MethodCreate, "reports",
		models.Report{Title: "road flooded", HazardType: "flood"},
		models.Attachment{Field: "photo_url", LocalRef: photo},
	)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	gw := &recordingGateway{}
	up := &fakeUploader{}
	p := NewProcessor(testConfig(), q, gw, up, nil, quietLogger())
	res, _ := p.TriggerSync(context.Background())
	if res.Delivered != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	wantPath := "report/" + id + "/0-flood.jpg"
	if len(up.calls) != 1 || up.calls[0] != wantPath {
		t.Fatalf("unexpected uploads %v", up.calls)
	}
	body := gw.calls[0].Body
	if body["photo_url"] != "https://cdn.example/"+wantPath || body["title"] != "road flooded" {
		t.Fatalf("attachment url not resolved into body: %v", body)
	}
	if gw.calls[0].IdempotencyKey != id {
		t.Fatalf("idempotency key should be the operation id")
	}
}

func TestUploadFailureIsRetriedWithoutCallingGateway(t *testing.T) {
	dir := t.TempDir()
	photo := filepath.Join(dir, "a.png")
	_ = os.WriteFile(photo, []byte("png"), 0o644)
	q := newQueue(t)
	id, _ := q.Enqueue(context.Background(), models.MethodCreate, "reports",
		models.Report{Title: "t", HazardType: "fire"},
		models.Attachment{Field: "photo", LocalRef: photo},
	)

	gw := &recordingGateway{}
	up := &fakeUploader{err: errors.New("connection reset")}
	p := NewProcessor(testConfig(), q, gw, up, nil, quietLogger())
	res, _ := p.TriggerSync(context.Background())
	if res.Failed != 1 || len(gw.calls) != 0 {
		t.Fatalf("upload failure must stop before the gateway: %+v calls=%d", res, len(gw.calls))
	}
	op, _ := q.Get(id)
	if op.State != models.StateFailed || op.Attempts != 1 {
		t.Fatalf("expected retryable failure, got %+v", op)
	}

	up.err = nil
	res, _ = p.TriggerSync(context.Background())
	if res.Delivered != 1 {
		t.Fatalf("expected delivery after uploader recovered: %+v", res)
	}
}

func TestUploadedURLSurvivesGatewayFailure(t *testing.T) {
	dir := t.TempDir()
	photo := filepath.Join(dir, "a.png")
	_ = os.WriteFile(photo, []byte("png"), 0o644)
	q := newQueue(t)
	_, _ = q.Enqueue(context.Background(), models.MethodCreate, "reports",
		models.Report{Title: "t", HazardType: "fire"},
		models.Attachment{Field: "photo", LocalRef: photo},
	)
	gw := &recordingGateway{results: map[int]error{1: apperrors.New(apperrors.ErrTransientDelivery, "502")}}
	up := &fakeUploader{}
	p := NewProcessor(testConfig(), q, gw, up, nil, quietLogger())

	p.TriggerSync(context.Background())
	p.TriggerSync(context.Background())
	if len(up.calls) != 1 {
		t.Fatalf("attachment should be uploaded once across retries, got %d", len(up.calls))
	}
	if len(gw.calls) != 2 || gw.calls[1].Body["photo"] == nil {
		t.Fatalf("retry should carry the recorded url")
	}
}

func TestGatewayTimeoutIsTransient(t *testing.T) {
	q := newQueue(t)
	enqueueContacts(t, q, "slow")
	gw := gateway.Func(func(ctx context.Context, _ gateway.Request) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := testConfig()
	cfg.GatewayTimeout = 30 * time.Millisecond
	p := NewProcessor(cfg, q, gw, nil, nil, quietLogger())

	start := time.Now()
	res, _ := p.TriggerSync(context.Background())
	if time.Since(start) > 2*time.Second {
		t.Fatalf("pass was not bounded by the gateway timeout")
	}
	if res.Failed != 1 || q.Counts().Failed != 1 {
		t.Fatalf("timeout should count as transient failure: %+v", res)
	}
}

func TestRemoveWhileInFlightIsNotResurrected(t *testing.T) {
	q := newQueue(t)
	ids := enqueueContacts(t, q, "a")
	gw := gateway.Func(func(context.Context, gateway.Request) error {
		if err := q.Remove(context.Background(), ids[0]); err != nil {
			t.Errorf("remove: %v", err)
		}
		return apperrors.New(apperrors.ErrTransientDelivery, "503")
	})
	p := NewProcessor(testConfig(), q, gw, nil, nil, quietLogger())
	p.TriggerSync(context.Background())

	if len(q.List()) != 0 {
		t.Fatalf("cancelled item came back: %+v", q.List())
	}
}

func TestAttemptsIncreaseAcrossPasses(t *testing.T) {
	q := newQueue(t)
	ids := enqueueContacts(t, q, "a")
	gw := gateway.Func(func(context.Context, gateway.Request) error {
		return apperrors.New(apperrors.ErrTransientDelivery, "offline")
	})
	p := NewProcessor(testConfig(), q, gw, nil, nil, quietLogger())
	for want := 1; want <= 4; want++ {
		p.TriggerSync(context.Background())
		op, _ := q.Get(ids[0])
		if op.Attempts != want {
			t.Fatalf("pass %d: attempts=%d", want, op.Attempts)
		}
	}
}

func TestRetryTimerRedeliversAfterTransientFailure(t *testing.T) {
	q := newQueue(t)
	enqueueContacts(t, q, "a")
	var calls atomic.Int32
	gw := gateway.Func(func(context.Context, gateway.Request) error {
		if calls.Add(1) == 1 {
			return apperrors.New(apperrors.ErrTransientDelivery, "503")
		}
		return nil
	})
	p := NewProcessor(testConfig(), q, gw, nil, connectivity.NewManual(true), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for q.Counts().Outstanding() != 0 {
		select {
		case <-deadline:
			t.Fatalf("retry pass never delivered the item (calls=%d)", calls.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("expected startup pass plus one retry, got %d calls", calls.Load())
	}
}

func TestRequestSyncRunsPass(t *testing.T) {
	q := newQueue(t)
	gw := &recordingGateway{}
	obs := connectivity.NewManual(true)
	p := NewProcessor(testConfig(), q, gw, nil, obs, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	enqueueContacts(t, q, "manual")
	p.RequestSync()

	deadline := time.After(3 * time.Second)
	for len(gw.targets()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("requested sync never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.SyncSchedule = "every now and then"
	p := NewProcessor(cfg, newQueue(t), &recordingGateway{}, nil, nil, quietLogger())
	if err := p.Run(context.Background()); err == nil {
		t.Fatalf("expected schedule parse error")
	}
}
