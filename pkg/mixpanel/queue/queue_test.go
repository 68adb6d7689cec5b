package queue_test

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mperrors "github.com/randalmurphal/mixpanel/pkg/mixpanel/errors"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/message"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/mixpaneltest"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/queue"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/storage"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/transport"
)

func testConfig() queue.Config {
	return queue.Config{Retry: mperrors.NoRetry}
}

func eventMsg(t *testing.T, name string) message.Message {
	t.Helper()
	id := message.NewID()
	msg, err := message.New(id, message.KindEvent, map[string]any{
		"event":      name,
		"properties": map[string]any{"token": "tok", "$insert_id": id},
	}, time.Now())
	require.NoError(t, err)
	return msg
}

func peopleMsg(t *testing.T, distinctID string, op string, props map[string]any) message.Message {
	t.Helper()
	msg, err := message.New("", message.KindPeople, map[string]any{
		"$token":       "tok",
		"$distinct_id": distinctID,
		op:             props,
	}, time.Now())
	require.NoError(t, err)
	return msg
}

func names(t *testing.T, msgs []message.Message) []string {
	t.Helper()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		f, err := m.Fields()
		require.NoError(t, err)
		name, _ := f["event"].(string)
		out = append(out, name)
	}
	return out
}

func enqueue(t *testing.T, q *queue.Queue, eventNames ...string) {
	t.Helper()
	for _, n := range eventNames {
		require.NoError(t, q.Enqueue(context.Background(), eventMsg(t, n)))
	}
}

func newServerQueue(t *testing.T, cfg queue.Config) (*queue.Queue, *mixpaneltest.Server, storage.Store) {
	t.Helper()
	srv := mixpaneltest.NewServer(t)
	store := storage.NewMemoryStore()
	q := queue.New(store, transport.NewHTTPSender(srv.URL()), cfg)
	return q, srv, store
}

// blockingSender holds every Send until released.
type blockingSender struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	got     [][]message.Message
}

func newBlockingSender() *blockingSender {
	return &blockingSender{entered: make(chan struct{}, 10), release: make(chan struct{})}
}

func (b *blockingSender) Send(ctx context.Context, _ message.Kind, batch []message.Message) error {
	b.calls.Add(1)
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.got = append(b.got, batch)
	b.mu.Unlock()
	return nil
}

func TestEnqueue_FlushExample(t *testing.T) {
	q, srv, _ := newServerQueue(t, testConfig())
	ctx := context.Background()

	enqueue(t, q, "A", "B", "C")

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, []string{"A", "B", "C"}, srv.EventNames())

	enqueue(t, q, "D")
	srv.FailNext(1, http.StatusServiceUnavailable, "down")

	_, err = q.Flush(ctx)
	require.Error(t, err)

	pending, err := q.Pending(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, names(t, pending))
	assert.Equal(t, []string{"A", "B", "C"}, srv.EventNames())
}

func TestFlush_FailureLeavesQueueIdentical(t *testing.T) {
	q, srv, store := newServerQueue(t, testConfig())
	enqueue(t, q, "A", "B")
	require.NoError(t, q.Enqueue(context.Background(), peopleMsg(t, "u", "$set", map[string]any{"a": 1})))

	before, err := store.Peek(0)
	require.NoError(t, err)

	srv.FailNext(1, http.StatusInternalServerError, "boom")
	_, err = q.Flush(context.Background())
	require.Error(t, err)

	after, err := store.Peek(0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFlush_EmptyQueue(t *testing.T) {
	q, srv, _ := newServerQueue(t, testConfig())

	res, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.FlushResult{}, res)
	assert.Empty(t, srv.Requests())
}

func TestFlush_BatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	q, srv, _ := newServerQueue(t, cfg)
	enqueue(t, q, "1", "2", "3", "4", "5")

	res, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 3, res.Remaining)

	res, err = q.FlushAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Zero(t, res.Remaining)

	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, srv.EventNames())
	assert.Len(t, srv.Requests(), 3)
}

func TestFlush_MixedKinds(t *testing.T) {
	q, srv, _ := newServerQueue(t, testConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, peopleMsg(t, "u", "$set_once", map[string]any{"plan": "free"})))
	enqueue(t, q, "A")
	require.NoError(t, q.Enqueue(ctx, peopleMsg(t, "u", "$set_once", map[string]any{"plan": "pro"})))
	enqueue(t, q, "B")

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Sent)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/track", reqs[0].Path)
	assert.Equal(t, "/engage", reqs[1].Path)
	assert.Equal(t, []string{"A", "B"}, srv.EventNames())

	profile, ok := srv.Profile("u")
	require.True(t, ok)
	assert.Equal(t, "free", profile["plan"])
}

func TestFlush_PartialKindFailureRemovesNothing(t *testing.T) {
	var calls atomic.Int32
	sender := transport.SenderFunc(func(_ context.Context, kind message.Kind, _ []message.Message) error {
		calls.Add(1)
		if kind == message.KindPeople {
			return &mperrors.HTTPError{StatusCode: http.StatusBadGateway, Message: "bad gateway"}
		}
		return nil
	})
	q := queue.New(storage.NewMemoryStore(), sender, testConfig())

	enqueue(t, q, "A")
	require.NoError(t, q.Enqueue(context.Background(), peopleMsg(t, "u", "$set", map[string]any{"a": 1})))

	_, err := q.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFlush_PreservesConcurrentEnqueue(t *testing.T) {
	sender := newBlockingSender()
	q := queue.New(storage.NewMemoryStore(), sender, testConfig())
	enqueue(t, q, "A", "B")

	done := make(chan error, 1)
	go func() {
		_, err := q.Flush(context.Background())
		done <- err
	}()

	<-sender.entered
	// The send is in flight; enqueue must not block on it.
	enqueue(t, q, "C")
	close(sender.release)
	require.NoError(t, <-done)

	pending, err := q.Pending(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, names(t, pending))

	require.Len(t, sender.got, 1)
	assert.Equal(t, []string{"A", "B"}, names(t, sender.got[0]))
}

func TestFlush_SingleFlight(t *testing.T) {
	sender := newBlockingSender()
	q := queue.New(storage.NewMemoryStore(), sender, testConfig())
	enqueue(t, q, "A")

	results := make(chan queue.FlushResult, 2)
	go func() {
		res, _ := q.Flush(context.Background())
		results <- res
	}()
	<-sender.entered

	go func() {
		res, _ := q.Flush(context.Background())
		results <- res
	}()

	// Give the second caller time to join the in-flight flush.
	time.Sleep(50 * time.Millisecond)
	close(sender.release)

	r1, r2 := <-results, <-results
	assert.Equal(t, 1, r1.Sent)
	assert.Equal(t, r1, r2)
	assert.Equal(t, int32(1), sender.calls.Load())
}

func TestFlush_WaiterCancel(t *testing.T) {
	sender := newBlockingSender()
	q := queue.New(storage.NewMemoryStore(), sender, testConfig())
	enqueue(t, q, "A")

	go func() { _, _ = q.Flush(context.Background()) }()
	<-sender.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Flush(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(sender.release)
	assert.Eventually(t, func() bool {
		n, _ := q.Len()
		return n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestFlush_RetriesTransient(t *testing.T) {
	cfg := testConfig()
	cfg.Retry = mperrors.NewRetryConfig(
		mperrors.WithMaxAttempts(3),
		mperrors.WithInitialBackoff(time.Millisecond),
		mperrors.WithMaxBackoff(5*time.Millisecond),
	)
	q, srv, _ := newServerQueue(t, cfg)
	enqueue(t, q, "A")
	srv.FailNext(2, http.StatusServiceUnavailable, "busy")

	res, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, srv.Requests(), 3)
}

func TestFlush_DoesNotRetryPermanent(t *testing.T) {
	cfg := testConfig()
	cfg.Retry = mperrors.NewRetryConfig(mperrors.WithMaxAttempts(3), mperrors.WithInitialBackoff(time.Millisecond))
	q, srv, _ := newServerQueue(t, cfg)
	enqueue(t, q, "A")
	srv.FailNext(1, http.StatusBadRequest, "invalid")

	_, err := q.Flush(context.Background())
	require.Error(t, err)
	assert.Len(t, srv.Requests(), 1)
}

func TestFlush_ParksRepeatedlyRejectedBatch(t *testing.T) {
	cfg := testConfig()
	cfg.ParkAfter = 3
	cfg.BatchSize = 1
	q, srv, _ := newServerQueue(t, cfg)
	ctx := context.Background()

	enqueue(t, q, "Poison", "Fine")
	srv.RejectNext(3)

	for i := 0; i < 2; i++ {
		_, err := q.Flush(ctx)
		require.Error(t, err)
		assert.True(t, mperrors.IsPermanent(err))
	}

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Parked)
	assert.Equal(t, 1, res.Remaining)

	parked, err := q.Parked()
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Contains(t, parked[0].Reason, "rejected")

	_, err = q.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Fine"}, srv.EventNames())
}

func TestFlush_ParksOnlyTheRejectedKind(t *testing.T) {
	var mu sync.Mutex
	var eventSends int
	sender := transport.SenderFunc(func(_ context.Context, kind message.Kind, batch []message.Message) error {
		if kind == message.KindPeople {
			return mperrors.ErrRejected
		}
		mu.Lock()
		eventSends++
		mu.Unlock()
		return nil
	})

	cfg := testConfig()
	cfg.ParkAfter = 2
	q := queue.New(storage.NewMemoryStore(), sender, cfg)
	ctx := context.Background()

	enqueue(t, q, "A")
	profile := peopleMsg(t, "u1", "$set", map[string]any{"plan": "pro"})
	require.NoError(t, q.Enqueue(ctx, profile))
	enqueue(t, q, "B")

	_, err := q.Flush(ctx)
	require.Error(t, err)
	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Parked)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 0, res.Remaining)

	parked, err := q.Parked()
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, profile.ID(), parked[0].ID)
	assert.Equal(t, message.KindPeople.String(), parked[0].Kind)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, eventSends)
}

func TestFlush_TransientFailureResetsRejectionCount(t *testing.T) {
	cfg := testConfig()
	cfg.ParkAfter = 2
	q, srv, _ := newServerQueue(t, cfg)
	ctx := context.Background()
	enqueue(t, q, "A")

	srv.RejectNext(1)
	srv.FailNext(1, http.StatusServiceUnavailable, "busy")
	srv.RejectNext(1)

	for i := 0; i < 3; i++ {
		_, err := q.Flush(ctx)
		require.Error(t, err)
	}

	parked, err := q.Parked()
	require.NoError(t, err)
	assert.Empty(t, parked)
}

func TestFlush_ParksUnknownKind(t *testing.T) {
	store := storage.NewMemoryStore()
	_, err := store.Append(storage.Record{ID: "x", Kind: "alias", Payload: []byte(`{}`)})
	require.NoError(t, err)

	srv := mixpaneltest.NewServer(t)
	q := queue.New(store, transport.NewHTTPSender(srv.URL()), testConfig())
	enqueue(t, q, "A")

	res, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Parked)
	assert.Equal(t, []string{"A"}, srv.EventNames())
}

func TestEnqueue_EvictsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 3
	q := queue.New(storage.NewMemoryStore(), transport.SenderFunc(func(context.Context, message.Kind, []message.Message) error {
		return nil
	}), cfg)

	enqueue(t, q, "1", "2", "3", "4", "5")

	pending, err := q.Pending(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4", "5"}, names(t, pending))
}

func TestEnqueue_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	srv := mixpaneltest.NewServer(t)

	store1, err := storage.NewSQLiteStore(path)
	require.NoError(t, err)
	q1 := queue.New(store1, transport.NewHTTPSender(srv.URL()), testConfig())
	enqueue(t, q1, "A", "B")
	require.NoError(t, store1.Close())

	store2, err := storage.NewSQLiteStore(path)
	require.NoError(t, err)
	defer store2.Close()
	q2 := queue.New(store2, transport.NewHTTPSender(srv.URL()), testConfig())

	pending, err := q2.Pending(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, names(t, pending))

	_, err = q2.FlushAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, srv.EventNames())
}

func TestEnqueue_StoreFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	q := queue.New(store, transport.SenderFunc(func(context.Context, message.Kind, []message.Message) error {
		return nil
	}), testConfig())
	require.NoError(t, store.Close())

	err := q.Enqueue(context.Background(), eventMsg(t, "A"))
	var perr *mperrors.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "append", perr.Op)
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
}

func TestFlushAt_TriggersAsyncFlush(t *testing.T) {
	cfg := testConfig()
	cfg.FlushAt = 2
	q, srv, _ := newServerQueue(t, cfg)

	enqueue(t, q, "A")
	assert.Empty(t, srv.Requests())

	enqueue(t, q, "B")
	assert.Eventually(t, func() bool {
		return len(srv.EventNames()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Close(context.Background()))
}

func TestAutoFlush(t *testing.T) {
	cfg := testConfig()
	cfg.AutoFlush = true
	cfg.FlushInterval = 20 * time.Millisecond
	q, srv, _ := newServerQueue(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	enqueue(t, q, "A")
	assert.Eventually(t, func() bool {
		return len(srv.EventNames()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Close(context.Background()))
}

func TestSetConfig_EnablesAutoFlush(t *testing.T) {
	q, srv, _ := newServerQueue(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	enqueue(t, q, "A")

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, srv.Requests(), "auto-flush is off")

	cfg := q.Config()
	cfg.AutoFlush = true
	cfg.FlushInterval = 10 * time.Millisecond
	q.SetConfig(cfg)

	assert.Eventually(t, func() bool {
		return len(srv.EventNames()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, q.Close(context.Background()))
}

func TestClose(t *testing.T) {
	q, srv, _ := newServerQueue(t, testConfig())
	enqueue(t, q, "A", "B")

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, []string{"A", "B"}, srv.EventNames())

	err := q.Enqueue(context.Background(), eventMsg(t, "C"))
	assert.ErrorIs(t, err, mperrors.ErrClosed)

	require.NoError(t, q.Close(context.Background()), "close is idempotent")
}

func TestClose_UnsentStaysPersisted(t *testing.T) {
	q, srv, store := newServerQueue(t, testConfig())
	enqueue(t, q, "A")
	srv.Close()

	err := q.Close(context.Background())
	require.Error(t, err)

	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := queue.Config{}.WithDefaults()

	assert.Equal(t, queue.DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, queue.DefaultFlushInterval, cfg.FlushInterval)
	assert.Equal(t, queue.DefaultMaxQueueSize, cfg.MaxQueueSize)
	assert.Equal(t, queue.DefaultParkAfter, cfg.ParkAfter)
	assert.Equal(t, queue.DefaultMaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, mperrors.DefaultRetry.MaxAttempts, cfg.Retry.MaxAttempts)
	assert.False(t, cfg.AutoFlush)
	assert.True(t, queue.DefaultConfig().AutoFlush)
}

func TestConfig_FlushDelay(t *testing.T) {
	cfg := queue.Config{FlushInterval: time.Minute, MaxBackoff: 10 * time.Minute}.WithDefaults()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 10 * time.Minute},
		{20, 10 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.FlushDelay(tt.failures), "failures=%d", tt.failures)
	}
}
