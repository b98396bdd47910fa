package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"offline-submission-queue/internal/config"
	"offline-submission-queue/internal/connectivity"
	apperrors "offline-submission-queue/internal/errors"
	"offline-submission-queue/internal/gateway"
	"offline-submission-queue/internal/models"
	"offline-submission-queue/internal/queue"
	"offline-submission-queue/internal/telemetry"
	"offline-submission-queue/internal/uploader"
)

const (
	defaultGatewayTimeout = 15 * time.Second
	defaultUploadTimeout  = time.Minute
	bookkeepingTimeout    = 10 * time.Second
)

// Trigger names the source of a sync pass.
const (
	TriggerStartup      = "startup"
	TriggerConnectivity = "connectivity"
	TriggerManual       = "manual"
	TriggerSchedule     = "schedule"
	TriggerRetry        = "retry"
)

// PassResult summarises one sync pass.
type PassResult struct {
	Trigger      string        `json:"trigger"`
	Eligible     int           `json:"eligible"`
	Attempted    int           `json:"attempted"`
	Delivered    int           `json:"delivered"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	Duration     time.Duration `json:"duration"`
}

// Processor drains the submission queue against the remote gateway. At most one
// pass runs at a time; overlapping triggers are dropped, not queued.
type Processor struct {
	queue    *queue.Queue
	gateway  gateway.Gateway
	uploader uploader.Uploader
	observer connectivity.Observer
	logger   *slog.Logger

	gate     *semaphore.Weighted
	requests chan struct{}

	gatewayTimeout time.Duration
	uploadTimeout  time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	schedule       string
}

// NewProcessor wires the sync loop. up may be nil when no operation carries
// attachments; obs nil means always reachable.
func NewProcessor(cfg config.Config, q *queue.Queue, gw gateway.Gateway, up uploader.Uploader, obs connectivity.Observer, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = connectivity.NewManual(true)
	}
	p := &Processor{
		queue:          q,
		gateway:        gw,
		uploader:       up,
		observer:       obs,
		logger:         logger,
		gate:           semaphore.NewWeighted(1),
		requests:       make(chan struct{}, 1),
		gatewayTimeout: cfg.GatewayTimeout,
		uploadTimeout:  cfg.UploadTimeout,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		schedule:       cfg.SyncSchedule,
	}
	if p.gatewayTimeout <= 0 {
		p.gatewayTimeout = defaultGatewayTimeout
	}
	if p.uploadTimeout <= 0 {
		p.uploadTimeout = defaultUploadTimeout
	}
	if p.backoffInitial <= 0 {
		p.backoffInitial = 5 * time.Second
	}
	if p.backoffMax < p.backoffInitial {
		p.backoffMax = p.backoffInitial
	}
	return p
}

// TriggerSync runs one pass on the calling goroutine. started is false when a
// pass was already running; the call then returns immediately.
func (p *Processor) TriggerSync(ctx context.Context) (PassResult, bool) {
	return p.trigger(ctx, TriggerManual)
}

// RequestSync asks Run to start a pass without waiting for it.
func (p *Processor) RequestSync() {
	select {
	case p.requests <- struct{}{}:
	default:
	}
}

// Running reports whether a pass is in progress.
func (p *Processor) Running() bool {
	if p.gate.TryAcquire(1) {
		p.gate.Release(1)
		return false
	}
	return true
}

// Run drives the trigger sources until ctx is cancelled: connectivity coming
// back, RequestSync, the sweep schedule and the retry backoff.
func (p *Processor) Run(ctx context.Context) error {
	var schedule cron.Schedule
	if p.schedule != "" {
		s, err := cron.ParseStandard(p.schedule)
		if err != nil {
			return fmt.Errorf("parse sync schedule: %w", err)
		}
		schedule = s
	}

	sweep := newTimer()
	defer sweep.stop()
	retry := newTimer()
	defer retry.stop()
	if schedule != nil {
		sweep.reset(time.Until(schedule.Next(time.Now())))
	}

	failStreak := 0
	afterPass := func(res PassResult, reachable bool) {
		if res.Failed == 0 || !reachable {
			failStreak = 0
			retry.stop()
			return
		}
		failStreak++
		wait := backoffWithJitter(p.backoffInitial, p.backoffMax, failStreak)
		retry.reset(wait)
		p.logger.Info("scheduling retry pass", "failed", res.Failed, "in", wait)
	}

	reachable := p.observer.Reachable()
	if reachable {
		if res, ok := p.trigger(ctx, TriggerStartup); ok {
			afterPass(res, reachable)
		}
	}

	events := p.observer.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case up, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			was := reachable
			reachable = up
			if !up {
				retry.stop()
				continue
			}
			if was {
				continue
			}
			if res, ok := p.trigger(ctx, TriggerConnectivity); ok {
				afterPass(res, reachable)
			}

		case <-p.requests:
			if res, ok := p.trigger(ctx, TriggerManual); ok {
				afterPass(res, reachable)
			}

		case <-sweep.c():
			sweep.fired()
			if reachable {
				if res, ok := p.trigger(ctx, TriggerSchedule); ok {
					afterPass(res, reachable)
				}
			}
			sweep.reset(time.Until(schedule.Next(time.Now())))

		case <-retry.c():
			retry.fired()
			if reachable {
				if res, ok := p.trigger(ctx, TriggerRetry); ok {
					afterPass(res, reachable)
				}
			}
		}
	}
}

func (p *Processor) trigger(ctx context.Context, source string) (PassResult, bool) {
	if !p.gate.TryAcquire(1) {
		telemetry.SyncPassSkipped.Inc()
		p.logger.Debug("sync pass already running", "trigger", source)
		return PassResult{}, false
	}
	defer p.gate.Release(1)
	return p.runPass(ctx, source), true
}

// runPass attempts every item that was eligible when the pass started, in
// enqueue order. Items enqueued during the pass wait for the next one.
func (p *Processor) runPass(ctx context.Context, source string) PassResult {
	start := time.Now()
	res := PassResult{Trigger: source}
	telemetry.SyncPasses.WithLabelValues(source).Inc()

	ids, err := p.queue.Eligible(ctx)
	if err != nil {
		p.logger.Error("sync pass could not read queue", "trigger", source, "error", err)
		return res
	}
	res.Eligible = len(ids)
	if len(ids) == 0 {
		return res
	}

	p.logger.Info("sync pass started", "trigger", source, "eligible", len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		p.deliver(ctx, id, &res)
	}
	res.Duration = time.Since(start)
	p.logger.Info("sync pass finished",
		"trigger", source,
		"attempted", res.Attempted,
		"delivered", res.Delivered,
		"failed", res.Failed,
		"dead_lettered", res.DeadLettered,
		"duration", res.Duration,
	)
	return res
}

func (p *Processor) deliver(ctx context.Context, id string, res *PassResult) {
	op, ok, err := p.queue.Begin(ctx, id)
	if err != nil {
		p.logger.Error("could not mark submission in flight", "id", id, "error", err)
		return
	}
	if !ok {
		return
	}
	res.Attempted++
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	cause := p.execute(ctx, &op)

	outcome := queue.OutcomeSucceeded
	switch {
	case cause == nil:
	case apperrors.IsPermanent(cause):
		outcome = queue.OutcomeRejected
	default:
		outcome = queue.OutcomeFailed
	}

	// Record the outcome even when the pass is being cancelled so the attempt is not lost.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err := p.queue.MarkAttempted(markCtx, id, outcome, cause); err != nil {
		p.logger.Error("could not record delivery outcome", "id", id, "outcome", outcome.String(), "error", err)
		return
	}

	kind := string(op.Kind)
	switch outcome {
	case queue.OutcomeSucceeded:
		res.Delivered++
		telemetry.DeliveredCounter.WithLabelValues(kind).Inc()
		p.logger.Info("submission delivered", "id", id, "kind", op.Kind, "target", op.Target)
	case queue.OutcomeRejected:
		res.DeadLettered++
		telemetry.DeadLetterCounter.WithLabelValues(kind).Inc()
		p.logger.Warn("submission rejected by gateway", "id", id, "kind", op.Kind, "error", cause)
	default:
		res.Failed++
		telemetry.TransientFailures.WithLabelValues(kind).Inc()
		if after, ok := p.queue.Get(id); ok && after.State == models.StateDeadLetter {
			res.DeadLettered++
			telemetry.DeadLetterCounter.WithLabelValues(kind).Inc()
			p.logger.Warn("submission exhausted retries", "id", id, "attempts", after.Attempts, "error", cause)
			return
		}
		p.logger.Warn("submission delivery failed, will retry", "id", id, "kind", op.Kind, "error", cause)
	}
}

// execute uploads outstanding attachments and performs the remote write.
func (p *Processor) execute(ctx context.Context, op *models.QueuedOperation) error {
	for _, i := range op.PendingUploads() {
		if p.uploader == nil {
			return apperrors.New(apperrors.ErrAttachment, "no uploader configured")
		}
		upCtx, cancel := context.WithTimeout(ctx, p.uploadTimeout)
		url, err := p.uploader.Upload(upCtx, op.Attachments[i].LocalRef, uploader.DestinationPath(*op, i))
		cancel()
		if err != nil {
			if apperrors.CodeOf(err) == "" {
				err = apperrors.Wrap(apperrors.ErrAttachment, fmt.Sprintf("upload attachment %d", i), err)
			}
			return err
		}
		op.Attachments[i].URL = url
		if err := p.queue.RecordUpload(ctx, op.ID, i, url); err != nil {
			p.logger.Warn("could not persist attachment url", "id", op.ID, "index", i, "error", err)
		}
	}

	req, err := gateway.RequestFor(*op)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPermanentDelivery, "render request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.gatewayTimeout)
	defer cancel()
	if err := p.gateway.Execute(callCtx, req); err != nil {
		if apperrors.CodeOf(err) == "" && errors.Is(err, context.DeadlineExceeded) {
			return apperrors.Wrap(apperrors.ErrTransientDelivery, "gateway call timed out", err)
		}
		return err
	}
	return nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
