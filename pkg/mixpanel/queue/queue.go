// Package queue buffers recorded messages in a durable log and delivers them
// in batches.
//
// Enqueue only appends to the store; it never waits on the network. Flush
// takes a snapshot of the oldest records, sends it, and removes exactly the
// snapshotted sequence numbers once every request succeeded, so records
// appended while a send is in flight are never lost. Concurrent Flush calls
// share one in-flight flush.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	mperrors "github.com/randalmurphal/mixpanel/pkg/mixpanel/errors"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/message"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/observability"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/storage"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/transport"
)

// FlushResult reports what one flush did.
type FlushResult struct {
	// Sent is the number of records delivered and removed.
	Sent int

	// Parked is the number of records moved to the parked set.
	Parked int

	// Remaining is the queue depth after the flush.
	Remaining int
}

// Queue is safe for concurrent use.
type Queue struct {
	store   storage.Store
	sender  transport.Sender
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	cfgMu sync.RWMutex
	cfg   Config

	// mu guards the append path and the closed flag.
	mu     sync.Mutex
	closed bool

	group        singleflight.Group
	asyncPending atomic.Bool

	// rejection tracking for the head batch, touched only inside a flush
	rejectKey   string
	rejectCount int

	wake      chan struct{}
	stop      chan struct{}
	startOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(q *Queue) {
		if m != nil {
			q.metrics = m
		}
	}
}

// WithSpanManager sets the span manager.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(q *Queue) {
		if sm != nil {
			q.spans = sm
		}
	}
}

// New creates a queue over store that delivers through sender.
func New(store storage.Store, sender transport.Sender, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		store:   store,
		sender:  sender,
		cfg:     cfg.WithDefaults(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the current configuration.
func (q *Queue) Config() Config {
	q.cfgMu.RLock()
	defer q.cfgMu.RUnlock()
	return q.cfg
}

// SetConfig replaces the configuration. A running flush loop picks up the
// new interval immediately.
func (q *Queue) SetConfig(cfg Config) {
	q.cfgMu.Lock()
	q.cfg = cfg.WithDefaults()
	q.cfgMu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends msg to the durable log. It returns once the record is
// stored; delivery happens on a later flush.
func (q *Queue) Enqueue(ctx context.Context, msg message.Message) error {
	cfg := q.Config()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return mperrors.ErrClosed
	}

	_, err := q.store.Append(storage.Record{
		ID:        msg.ID(),
		Kind:      msg.Kind().String(),
		Payload:   msg.Payload(),
		CreatedAt: msg.Timestamp(),
	})
	if err != nil {
		q.mu.Unlock()
		perr := &mperrors.PersistenceError{Op: "append", Err: err}
		observability.LogPersistenceError(q.logger, "append message", perr)
		return perr
	}

	evicted, err := q.store.Trim(cfg.MaxQueueSize)
	if err != nil {
		observability.LogPersistenceError(q.logger, "trim queue", &mperrors.PersistenceError{Op: "trim", Err: err})
	}
	depth, _ := q.store.Len()

	triggered := cfg.FlushAt > 0 && depth >= cfg.FlushAt && q.asyncPending.CompareAndSwap(false, true)
	if triggered {
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.metrics.RecordEnqueue(ctx, msg.Kind().String())
	observability.LogEnqueue(q.logger, msg.Kind().String(), msg.ID(), depth)

	if evicted > 0 {
		q.metrics.RecordDropped(ctx, "queue_full", evicted)
		observability.LogDropped(q.logger, "queue_full", evicted, nil)
	}

	if triggered {
		go func() {
			defer q.wg.Done()
			defer q.asyncPending.Store(false)
			_, _ = q.Flush(context.WithoutCancel(ctx))
		}()
	}
	return nil
}

// Flush sends the oldest BatchSize records. If a flush is already running
// the caller waits for it and receives its result. A failure leaves the
// queue unchanged, except that a batch permanently rejected ParkAfter times
// in a row is parked so later records can be delivered.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	ch := q.group.DoChan("flush", func() (any, error) {
		return q.flush(ctx)
	})

	select {
	case res := <-ch:
		r, _ := res.Val.(FlushResult)
		return r, res.Err
	case <-ctx.Done():
		return FlushResult{}, ctx.Err()
	}
}

// FlushAll flushes until the queue is empty or a flush fails.
func (q *Queue) FlushAll(ctx context.Context) (FlushResult, error) {
	var total FlushResult
	for {
		res, err := q.Flush(ctx)
		total.Sent += res.Sent
		total.Parked += res.Parked
		total.Remaining = res.Remaining
		if err != nil {
			return total, err
		}
		if res.Remaining == 0 || res.Sent+res.Parked == 0 {
			return total, nil
		}
	}
}

func (q *Queue) flush(ctx context.Context) (result FlushResult, err error) {
	cfg := q.Config()

	recs, err := q.store.Peek(cfg.BatchSize)
	if err != nil {
		perr := &mperrors.PersistenceError{Op: "peek", Err: err}
		observability.LogPersistenceError(q.logger, "read queue", perr)
		return FlushResult{}, perr
	}
	if len(recs) == 0 {
		return FlushResult{}, nil
	}

	ctx, span := q.spans.StartFlushSpan(ctx, len(recs))
	defer func() { q.spans.EndSpanWithError(span, err) }()

	observability.LogFlushStart(q.logger, len(recs))
	elapsed := observability.TimedOperation()
	start := time.Now()

	batches, unknown := split(recs)
	if len(unknown) > 0 {
		// Records of a kind no endpoint accepts can never be delivered.
		if err := q.park(ctx, unknown, "unknown message kind"); err != nil {
			return FlushResult{}, err
		}
		result.Parked = len(unknown)
	}

	for i, b := range batches {
		res := mperrors.Retry(ctx, cfg.Retry, func(ctx context.Context) error {
			return q.sender.Send(ctx, b.kind, b.msgs)
		})
		if res.Err != nil {
			q.metrics.RecordFlush(ctx, false, len(recs), time.Since(start))
			observability.LogFlushError(q.logger, res.Err, len(recs), elapsed())
			return q.handleFailure(ctx, cfg, b, batches[:i], result, res.Err)
		}
	}

	seqs := seqsOf(batches)
	if err := q.store.Remove(seqs); err != nil {
		// Delivered but still stored: the next flush resends them and the
		// server drops the duplicates by $insert_id.
		perr := &mperrors.PersistenceError{Op: "remove", Err: err}
		observability.LogPersistenceError(q.logger, "remove sent messages", perr)
		return result, perr
	}

	q.rejectKey, q.rejectCount = "", 0
	result.Sent = len(seqs)
	result.Remaining, _ = q.store.Len()

	for _, b := range batches {
		q.metrics.RecordSent(ctx, b.kind.String(), len(b.msgs))
	}
	q.metrics.RecordFlush(ctx, true, len(recs), time.Since(start))
	observability.LogFlushComplete(q.logger, result.Sent, elapsed(), result.Remaining)
	return result, nil
}

// handleFailure counts consecutive permanent rejections of the same batch
// and parks it once ParkAfter is reached. Below that threshold the whole
// snapshot stays queued, including batches delivered before the failure;
// their resend is deduplicated by $insert_id. Parking moves only the
// rejected batch aside and removes the batches that were delivered.
func (q *Queue) handleFailure(ctx context.Context, cfg Config, failed batch, delivered []batch, result FlushResult, sendErr error) (FlushResult, error) {
	result.Remaining, _ = q.store.Len()

	if !mperrors.IsPermanent(sendErr) {
		q.rejectKey, q.rejectCount = "", 0
		return result, sendErr
	}

	key := failed.kind.String() + ":" + batchKey(failed.recs)
	if key == q.rejectKey {
		q.rejectCount++
	} else {
		q.rejectKey, q.rejectCount = key, 1
	}
	if q.rejectCount < cfg.ParkAfter {
		return result, sendErr
	}

	if err := q.park(ctx, failed.recs, sendErr.Error()); err != nil {
		return result, err
	}
	q.rejectKey, q.rejectCount = "", 0
	observability.LogParked(q.logger, len(failed.recs), sendErr)
	result.Parked += len(failed.recs)

	if seqs := seqsOf(delivered); len(seqs) > 0 {
		if err := q.store.Remove(seqs); err != nil {
			perr := &mperrors.PersistenceError{Op: "remove", Err: err}
			observability.LogPersistenceError(q.logger, "remove sent messages", perr)
			result.Remaining, _ = q.store.Len()
			return result, perr
		}
		result.Sent += len(seqs)
		for _, b := range delivered {
			q.metrics.RecordSent(ctx, b.kind.String(), len(b.msgs))
		}
	}

	result.Remaining, _ = q.store.Len()
	return result, nil
}

func (q *Queue) park(ctx context.Context, recs []storage.Record, reason string) error {
	if err := q.store.Park(recs, reason); err != nil {
		perr := &mperrors.PersistenceError{Op: "park", Err: err}
		observability.LogPersistenceError(q.logger, "park messages", perr)
		return perr
	}
	q.metrics.RecordParked(ctx, len(recs))
	q.spans.AddSpanEvent(ctx, "parked",
		attribute.Int("count", len(recs)),
		attribute.String("reason", reason),
	)
	return nil
}

type batch struct {
	kind message.Kind
	msgs []message.Message
	recs []storage.Record
}

func seqsOf(batches []batch) []int64 {
	var seqs []int64
	for _, b := range batches {
		for _, rec := range b.recs {
			seqs = append(seqs, rec.Seq)
		}
	}
	return seqs
}

// split groups records by kind, events first, keeping relative order.
func split(recs []storage.Record) ([]batch, []storage.Record) {
	events := batch{kind: message.KindEvent}
	people := batch{kind: message.KindPeople}
	var unknown []storage.Record

	for _, rec := range recs {
		msg := message.Restore(rec.ID, message.Kind(rec.Kind), rec.Payload, rec.CreatedAt)
		switch msg.Kind() {
		case message.KindEvent:
			events.msgs = append(events.msgs, msg)
			events.recs = append(events.recs, rec)
		case message.KindPeople:
			people.msgs = append(people.msgs, msg)
			people.recs = append(people.recs, rec)
		default:
			unknown = append(unknown, rec)
		}
	}

	var out []batch
	for _, b := range []batch{events, people} {
		if len(b.msgs) > 0 {
			out = append(out, b)
		}
	}
	return out, unknown
}

func batchKey(recs []storage.Record) string {
	return strconv.FormatInt(recs[0].Seq, 10) + "-" +
		strconv.FormatInt(recs[len(recs)-1].Seq, 10) + "/" +
		strconv.Itoa(len(recs))
}

// Start runs the flush loop until ctx is done or Close is called. It is a
// no-op after the first call. While AutoFlush is off the loop idles until
// SetConfig enables it.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go q.run(ctx)
	})
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	failures := 0
	for {
		cfg := q.Config()

		var tick <-chan time.Time
		var timer *time.Timer
		if cfg.AutoFlush {
			timer = time.NewTimer(cfg.FlushDelay(failures))
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-q.stop:
			stopTimer(timer)
			return
		case <-q.wake:
			stopTimer(timer)
		case <-tick:
			_, err := q.Flush(ctx)
			switch {
			case err == nil:
				failures = 0
			case errors.Is(err, context.Canceled):
				return
			default:
				failures++
				if q.logger != nil {
					q.logger.Debug("next flush delayed",
						slog.Int("failures", failures),
						slog.Duration("delay", q.Config().FlushDelay(failures)),
					)
				}
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Close stops the flush loop, waits for background flushes and makes a
// final best-effort flush. Records that could not be sent stay in the
// store. The store itself is not closed.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()

	q.wg.Wait()

	if _, err := q.FlushAll(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	return nil
}

// Len returns the number of queued records.
func (q *Queue) Len() (int, error) {
	n, err := q.store.Len()
	if err != nil {
		return 0, &mperrors.PersistenceError{Op: "len", Err: err}
	}
	return n, nil
}

// Pending returns up to limit queued messages, oldest first. limit <= 0
// returns all.
func (q *Queue) Pending(limit int) ([]message.Message, error) {
	recs, err := q.store.Peek(limit)
	if err != nil {
		return nil, &mperrors.PersistenceError{Op: "peek", Err: err}
	}
	out := make([]message.Message, len(recs))
	for i, rec := range recs {
		out[i] = message.Restore(rec.ID, message.Kind(rec.Kind), rec.Payload, rec.CreatedAt)
	}
	return out, nil
}

// Parked returns records moved aside after repeated rejection.
func (q *Queue) Parked() ([]storage.ParkedRecord, error) {
	recs, err := q.store.Parked()
	if err != nil {
		return nil, &mperrors.PersistenceError{Op: "parked", Err: err}
	}
	return recs, nil
}
