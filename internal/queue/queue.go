// Package queue owns the durable collection of pending submissions.
//
// Every mutation is a read-modify-write of the whole collection under one mutex:
// the next collection is built from a copy, persisted, and only then swapped in,
// so a failed write leaves both the store and the in-memory view untouched. The
// one exception is an outcome that cannot be written: the operation goes back
// to pending in memory, matching what a reload of the store would produce.
// The mutex is never held across network calls; the sync loop goes through the
// same methods as any other caller.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "offline-submission-queue/internal/errors"
	"offline-submission-queue/internal/listeners"
	"offline-submission-queue/internal/models"
	"offline-submission-queue/internal/store"
	"offline-submission-queue/internal/telemetry"
)

// Outcome is the result of one delivery attempt.
type Outcome int

const (
	// OutcomeSucceeded removes the item.
	OutcomeSucceeded Outcome = iota
	// OutcomeFailed keeps the item for the next pass.
	OutcomeFailed
	// OutcomeRejected parks the item in dead letter.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeRejected:
		return "rejected"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Counts is re-exported for callers that only import the queue.
type Counts = listeners.Counts

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithMaxAttempts dead-letters an item once a transient failure brings its
// attempts to n. Zero keeps retrying forever.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithName labels the queue's metrics, e.g. per tenant.
func WithName(name string) Option {
	return func(q *Queue) {
		if name != "" {
			q.name = name
		}
	}
}

// Queue is the submission queue.
type Queue struct {
	mu     sync.Mutex
	store  store.Store
	ops    []models.QueuedOperation
	loaded bool

	listeners   *listeners.Registry
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
	name        string
}

// Open loads the collection from st. A corrupt collection, or a store that
// cannot be read right now, yields an empty queue rather than an error; an
// unreadable store is retried on the next mutation before anything is written.
func Open(ctx context.Context, st store.Store, opts ...Option) (*Queue, error) {
	if st == nil {
		return nil, fmt.Errorf("queue: store is required")
	}
	q := &Queue{
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
		name:   "default",
	}
	for _, opt := range opts {
		opt(q)
	}
	q.listeners = listeners.NewRegistry(q.logger)

	q.mu.Lock()
	err := q.loadLocked(ctx)
	counts := countsOf(q.ops)
	q.mu.Unlock()
	if err != nil {
		q.logger.Warn("queue store unreadable, starting empty", "error", err)
	}
	q.recordGauges(counts)
	return q, nil
}

// Reload re-reads the collection from the store, discarding the in-memory view.
func (q *Queue) Reload(ctx context.Context) error {
	q.mu.Lock()
	if err := q.loadLocked(ctx); err != nil {
		q.mu.Unlock()
		return err
	}
	q.publishLocked()
	q.mu.Unlock()
	q.listeners.Flush()
	return nil
}

// Enqueue validates and durably appends a new pending operation. The returned
// id is only valid when err is nil; on a persistence failure nothing was queued.
func (q *Queue) Enqueue(ctx context.Context, method models.Method, target string, payload models.Payload, attachments ...models.Attachment) (string, error) {
	if err := validateEnqueue(method, target, payload, attachments); err != nil {
		return "", err
	}

	now := q.now().UTC()
	op := models.QueuedOperation{
		ID:          uuid.NewString(),
		Kind:        payload.Kind(),
		Method:      method,
		Target:      strings.TrimSpace(target),
		Payload:     payload,
		Attachments: append([]models.Attachment(nil), attachments...),
		EnqueuedAt:  now,
		Attempts:    0,
		State:       models.StatePending,
		UpdatedAt:   now,
	}
	op = op.Clone()

	err := q.mutate(ctx, func(ops []models.QueuedOperation) ([]models.QueuedOperation, bool, error) {
		for indexOf(ops, op.ID) >= 0 {
			op.ID = uuid.NewString()
		}
		return append(ops, op), true, nil
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrPersistence) {
			telemetry.PersistFailures.Inc()
		}
		return "", err
	}
	telemetry.EnqueueCounter.WithLabelValues(string(op.Kind)).Inc()
	q.logger.Info("submission queued", "id", op.ID, "kind", op.Kind, "method", op.Method, "target", op.Target, "attachments", len(op.Attachments))
	return op.ID, nil
}

// List returns a snapshot of every operation in enqueue order.
func (q *Queue) List() []models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueuedOperation, len(q.ops))
	for i, op := range q.ops {
		out[i] = op.Clone()
	}
	return out
}

// Get returns a copy of the operation with id.
func (q *Queue) Get(id string) (models.QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := indexOf(q.ops, id); i >= 0 {
		return q.ops[i].Clone(), true
	}
	return models.QueuedOperation{}, false
}

// Counts summarises the queue by state.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return countsOf(q.ops)
}

// Remove deletes the operation with id. Removing an absent id is a no-op.
// Removing an in-flight operation takes effect immediately; the outcome of the
// call already under way is discarded when it reports back.
func (q *Queue) Remove(ctx context.Context, id string) error {
	removed := false
	err := q.mutate(ctx, func(ops []models.QueuedOperation) ([]models.QueuedOperation, bool, error) {
		i := indexOf(ops, id)
		if i < 0 {
			return ops, false, nil
		}
		removed = true
		return append(ops[:i], ops[i+1:]...), true, nil
	})
	if err == nil && removed {
		q.logger.Info("submission removed", "id", id)
	}
	return err
}

// Eligible returns the ids a sync pass should attempt, in enqueue order.
func (q *Queue) Eligible(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	var ids []string
	for _, op := range q.ops {
		if op.State.Eligible() {
			ids = append(ids, op.ID)
		}
	}
	return ids, nil
}

// Begin moves an eligible operation to in-flight and returns a copy of it.
// ok is false when the operation is gone or no longer eligible.
func (q *Queue) Begin(ctx context.Context, id string) (op models.QueuedOperation, ok bool, err error) {
	err = q.mutate(ctx, func(ops []models.QueuedOperation) ([]models.QueuedOperation, bool, error) {
		i := indexOf(ops, id)
		if i < 0 || !ops[i].State.Eligible() {
			return ops, false, nil
		}
		ops[i].State = models.StateInFlight
		ops[i].UpdatedAt = q.now().UTC()
		op = ops[i].Clone()
		ok = true
		return ops, true, nil
	})
	if err != nil {
		return models.QueuedOperation{}, false, err
	}
	return op, ok, nil
}

// RecordUpload stores the URL of an uploaded attachment so a retry skips it.
func (q *Queue) RecordUpload(ctx context.Context, id string, index int, url string) error {
	return q.mutate(ctx, func(ops []models.QueuedOperation) ([]models.QueuedOperation, bool, error) {
		i := indexOf(ops, id)
		if i < 0 || index < 0 || index >= len(ops[i].Attachments) {
			return ops, false, nil
		}
		ops[i].Attachments[index].URL = url
		ops[i].UpdatedAt = q.now().UTC()
		return ops, true, nil
	})
}

// MarkAttempted records the outcome of a delivery attempt. Success removes the
// operation; failure bumps attempts and keeps it; rejection parks it in dead
// letter. An operation removed while in flight is left alone.
func (q *Queue) MarkAttempted(ctx context.Context, id string, outcome Outcome, cause error) error {
	var final models.State
	found := false
	err := q.mutate(ctx, func(ops []models.QueuedOperation) ([]models.QueuedOperation, bool, error) {
		i := indexOf(ops, id)
		if i < 0 {
			return ops, false, nil
		}
		found = true
		if outcome == OutcomeSucceeded {
			return append(ops[:i], ops[i+1:]...), true, nil
		}
		op := &ops[i]
		op.Attempts++
		op.UpdatedAt = q.now().UTC()
		if cause != nil {
			op.LastError = cause.Error()
		}
		switch {
		case outcome == OutcomeRejected:
			op.State = models.StateDeadLetter
		case q.maxAttempts > 0 && op.Attempts >= q.maxAttempts:
			op.State = models.StateDeadLetter
		default:
			op.State = models.StateFailed
		}
		final = op.State
		return ops, true, nil
	})
	if err != nil {
		if found && apperrors.Is(err, apperrors.ErrPersistence) {
			q.release(id)
		}
		return err
	}
	if !found {
		return nil
	}
	if outcome != OutcomeSucceeded {
		q.logger.Info("submission attempt recorded", "id", id, "outcome", outcome.String(), "state", final, "error", cause)
	}
	return nil
}

// release puts an in-flight operation back to pending in memory only, after its
// outcome could not be written. The store still holds it as in_flight, which
// loads back as pending, so both views agree on the next pass.
func (q *Queue) release(id string) {
	q.mu.Lock()
	i := indexOf(q.ops, id)
	if i < 0 || q.ops[i].State != models.StateInFlight {
		q.mu.Unlock()
		return
	}
	q.ops[i].State = models.StatePending
	q.publishLocked()
	q.mu.Unlock()
	q.listeners.Flush()
	q.logger.Warn("outcome not persisted, submission returned to pending", "id", id)
}

// Requeue moves a dead-lettered operation back to pending after manual review.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return q.mutate(ctx, func(ops []models.QueuedOperation) ([]models.QueuedOperation, bool, error) {
		i := indexOf(ops, id)
		if i < 0 {
			return ops, false, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("operation %s not found", id))
		}
		if ops[i].State != models.StateDeadLetter {
			return ops, false, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("operation %s is %s, not dead_letter", id, ops[i].State))
		}
		ops[i].State = models.StatePending
		ops[i].UpdatedAt = q.now().UTC()
		return ops, true, nil
	})
}

// Subscribe registers fn for count changes. fn is called right away with the
// current counts and again after every mutation until unsubscribe is called.
func (q *Queue) Subscribe(fn func(Counts)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	q.mu.Lock()
	unsubscribe = q.listeners.Join(fn, countsOf(q.ops))
	q.mu.Unlock()

	q.listeners.Flush()
	return unsubscribe
}

type mutation func(ops []models.QueuedOperation) (next []models.QueuedOperation, changed bool, err error)

func (q *Queue) mutate(ctx context.Context, fn mutation) error {
	q.mu.Lock()
	if err := q.ensureLoadedLocked(ctx); err != nil {
		q.mu.Unlock()
		return err
	}
	next, changed, err := fn(cloneOps(q.ops))
	if err != nil || !changed {
		q.mu.Unlock()
		return err
	}
	if err := q.commitLocked(ctx, next); err != nil {
		q.mu.Unlock()
		q.logger.Error("queue write failed", "error", err)
		return err
	}
	q.publishLocked()
	q.mu.Unlock()

	q.listeners.Flush()
	return nil
}

func (q *Queue) ensureLoadedLocked(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	return q.loadLocked(ctx)
}

func (q *Queue) loadLocked(ctx context.Context) error {
	data, err := q.store.Load(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "load queue", err)
	}
	ops, recovered := decodeCollection(data, q.logger)
	q.ops = ops
	q.loaded = true
	if recovered > 0 {
		q.logger.Info("reset interrupted deliveries to pending", "count", recovered)
	}
	return nil
}

func (q *Queue) commitLocked(ctx context.Context, next []models.QueuedOperation) error {
	if len(next) == 0 {
		if err := q.store.Delete(ctx); err != nil {
			return apperrors.Wrap(apperrors.ErrPersistence, "clear queue", err)
		}
		q.ops = []models.QueuedOperation{}
		return nil
	}
	data, err := json.Marshal(next)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "encode queue", err)
	}
	if err := q.store.Save(ctx, data); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "persist queue", err)
	}
	q.ops = next
	return nil
}

// publishLocked queues the current counts for listeners. Posting under q.mu
// keeps notifications in commit order; callers Flush once unlocked.
func (q *Queue) publishLocked() {
	counts := countsOf(q.ops)
	q.recordGauges(counts)
	q.listeners.Post(counts)
}

func (q *Queue) recordGauges(counts Counts) {
	telemetry.OutstandingGauge.WithLabelValues(q.name).Set(float64(counts.Outstanding()))
	telemetry.DeadLetterGauge.WithLabelValues(q.name).Set(float64(counts.DeadLetter))
}

// decodeCollection parses the persisted list. A document that is not a list
// yields an empty queue. Records without an id and duplicates are skipped;
// anything else is kept, see models.QueuedOperation.UnmarshalJSON.
// In-flight records are from an interrupted pass and come back as pending.
func decodeCollection(data []byte, logger *slog.Logger) ([]models.QueuedOperation, int) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, 0
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		logger.Warn("queue store corrupt, starting empty", "error", err, "bytes", len(data))
		return nil, 0
	}

	ops := make([]models.QueuedOperation, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	recovered := 0
	for i, raw := range raws {
		var op models.QueuedOperation
		if err := json.Unmarshal(raw, &op); err != nil {
			logger.Warn("skipping unreadable queue record", "index", i, "error", err)
			continue
		}
		if _, dup := seen[op.ID]; dup {
			logger.Warn("skipping duplicate queue record", "id", op.ID)
			continue
		}
		seen[op.ID] = struct{}{}
		switch op.State {
		case models.StatePending, models.StateFailed, models.StateDeadLetter:
		case models.StateInFlight:
			op.State = models.StatePending
			recovered++
		default:
			op.State = models.StatePending
		}
		ops = append(ops, op)
	}
	return ops, recovered
}

func validateEnqueue(method models.Method, target string, payload models.Payload, attachments []models.Attachment) error {
	if payload == nil {
		return apperrors.New(apperrors.ErrInvalid, "payload is required")
	}
	if !method.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown method %q", method))
	}
	if strings.TrimSpace(target) == "" {
		return apperrors.New(apperrors.ErrInvalid, "target is required")
	}
	if err := payload.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid payload", err)
	}
	for i, a := range attachments {
		if a.URL != "" {
			continue
		}
		if a.LocalRef == "" {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("attachment %d has no local_ref", i))
		}
		info, err := os.Stat(a.LocalRef)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("attachment %d is not readable", i), err)
		}
		if !info.Mode().IsRegular() {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("attachment %d is not a regular file", i))
		}
		if info.Size() > models.MaxAttachmentBytes {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("attachment %d is %d bytes, limit is %d", i, info.Size(), models.MaxAttachmentBytes))
		}
	}
	return nil
}

func cloneOps(ops []models.QueuedOperation) []models.QueuedOperation {
	out := make([]models.QueuedOperation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}

func indexOf(ops []models.QueuedOperation, id string) int {
	for i := range ops {
		if ops[i].ID == id {
			return i
		}
	}
	return -1
}

func countsOf(ops []models.QueuedOperation) Counts {
	var c Counts
	for _, op := range ops {
		switch op.State {
		case models.StatePending:
			c.Pending++
		case models.StateInFlight:
			c.InFlight++
		case models.StateFailed:
			c.Failed++
		case models.StateDeadLetter:
			c.DeadLetter++
		}
	}
	return c
}
