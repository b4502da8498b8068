package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/cache"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/database"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/events"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/delivery"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/subscriptions"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/queue"
	testingpkg "github.com/Favour-chuks/tickerpulse-ai-sub001/internal/testing"
)

type fakeTransport struct {
	sent     []interface{}
	reason   string
	failNext int
	failAll  bool
	closed   bool
	mu       sync.Mutex
}

func (f *fakeTransport) Send(_ context.Context, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || f.failNext > 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeTransport) messages() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interface{}(nil), f.sent...)
}

func (f *fakeTransport) closeReason() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.reason
}

func (f *fakeTransport) alerts() []AlertEnvelope {
	var out []AlertEnvelope
	for _, m := range f.messages() {
		if env, ok := m.(AlertEnvelope); ok {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) batches() []BatchMessage {
	var out []BatchMessage
	for _, m := range f.messages() {
		if b, ok := m.(BatchMessage); ok {
			out = append(out, b)
		}
	}
	return out
}

func (f *fakeTransport) errors() []ErrorMessage {
	var out []ErrorMessage
	for _, m := range f.messages() {
		if e, ok := m.(ErrorMessage); ok {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	distributor *Distributor
	subs        *subscriptions.Repository
	deliveries  *delivery.Repository
	queue       *queue.Manager
	worker      *queue.Worker
	metrics     *metrics.Registry
	cache       *cache.MemoryCache
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := testingpkg.NewMemoryDB(t, database.NameCore)
	if opts.BatchInterval == 0 {
		opts.BatchInterval = time.Hour
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = time.Hour
	}

	f := &fixture{
		subs:       subscriptions.NewRepository(db, zerolog.Nop()),
		deliveries: delivery.NewRepository(db, zerolog.Nop()),
		queue:      queue.NewManager(),
		metrics:    metrics.NewRegistry(),
		cache:      cache.NewMemoryCache(),
	}
	em := events.NewManager(events.NewBus(zerolog.Nop()), zerolog.Nop())
	f.distributor = NewDistributor(NewRegistry(), f.subs, f.deliveries, f.queue, f.cache,
		Config{Connection: opts}, em, f.metrics, zerolog.Nop())

	f.worker = queue.NewWorker(f.queue, time.Second, f.metrics, zerolog.Nop())
	f.worker.Register(queue.JobTypeOfflineDelivery, f.distributor.HandleOfflineDelivery)
	f.worker.OnExpired(f.distributor.HandleExpiredJob)

	t.Cleanup(func() { f.distributor.Shutdown(context.Background()) })
	return f
}

func (f *fixture) subscribe(t *testing.T, user, ticker string, filter domain.Severity) {
	t.Helper()
	require.NoError(t, f.subs.Upsert(context.Background(), domain.Subscription{UserID: user, Ticker: ticker, SeverityFilter: filter}))
}

func (f *fixture) open(t *testing.T, user string) (*Connection, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	c, err := f.distributor.Open(context.Background(), user, tr)
	require.NoError(t, err)
	return c, tr
}

func newAlert(id string, sev domain.Severity) *domain.DivergenceAlert {
	return &domain.DivergenceAlert{
		ID: id, Ticker: "ACME", AlertType: domain.AlertTypeDivergence, Severity: sev,
		Status: domain.AlertStatusActive, ConfidenceScore: 80, CreatedAt: time.Now(),
	}
}

// barrier waits until the actor has handled everything queued before it
func barrier(t *testing.T, c *Connection) {
	t.Helper()
	require.NoError(t, c.SendBatch(context.Background(), nil))
}

func TestOpen_SendsConnectionMessageAndStreams(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", "")
	f.subscribe(t, "u1", "ZETA", "")

	c, tr := f.open(t, "u1")

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	hello, ok := msgs[0].(ConnectionMessage)
	require.True(t, ok)
	assert.Equal(t, TypeConnection, hello.Type)
	assert.Equal(t, "connected", hello.Status)
	assert.Equal(t, []string{"ACME", "ZETA"}, hello.Watchlist)

	assert.Equal(t, StateStreaming, c.State())
	assert.True(t, f.distributor.IsOnline(context.Background(), "u1"))
	assert.Len(t, f.distributor.Registry().Watchers("ZETA"), 1)
}

func TestDistribute_UrgentAlertsAreImmediate(t *testing.T) {
	for _, sev := range []domain.Severity{domain.SeverityHigh, domain.SeverityCritical} {
		t.Run(string(sev), func(t *testing.T) {
			f := newFixture(t, Options{})
			f.subscribe(t, "u1", "ACME", "")
			c, tr := f.open(t, "u1")

			report, err := f.distributor.Distribute(context.Background(), newAlert("a1", sev))
			require.NoError(t, err)
			assert.Equal(t, 1, report.Live)
			barrier(t, c)

			envs := tr.alerts()
			require.Len(t, envs, 1)
			assert.Equal(t, TypeAlert, envs[0].Type)
			assert.Equal(t, ActionInsert, envs[0].Action)
			assert.Equal(t, PriorityImmediate, envs[0].Priority)
			assert.Equal(t, "a1", envs[0].Data.ID)

			require.NoError(t, c.Flush(context.Background()))
			assert.Empty(t, tr.batches())
		})
	}
}

func TestDistribute_LowAndMediumAreBatched(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", "")
	c, tr := f.open(t, "u1")

	_, err := f.distributor.Distribute(context.Background(), newAlert("a1", domain.SeverityMedium))
	require.NoError(t, err)
	barrier(t, c)
	assert.Empty(t, tr.alerts())

	require.NoError(t, c.Flush(context.Background()))
	batches := tr.batches()
	require.Len(t, batches, 1)
	assert.Equal(t, TypeAlertBatch, batches[0].Type)
	assert.Equal(t, 1, batches[0].Count)
	assert.Equal(t, "a1", batches[0].Alerts[0].Data.ID)
	assert.Empty(t, batches[0].Alerts[0].Priority)

	// empty buffer sends nothing
	require.NoError(t, c.Flush(context.Background()))
	assert.Len(t, tr.batches(), 1)
}

func TestBatchTicker_FlushesOnInterval(t *testing.T) {
	f := newFixture(t, Options{BatchInterval: 20 * time.Millisecond})
	f.subscribe(t, "u1", "ACME", "")
	_, tr := f.open(t, "u1")

	_, err := f.distributor.Distribute(context.Background(), newAlert("a1", domain.SeverityLow))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(tr.batches()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, tr.batches(), 1)
	assert.Equal(t, 1, tr.batches()[0].Count)
}

func TestFlush_FailureKeepsBuffer(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", "")
	c, tr := f.open(t, "u1")

	_, err := f.distributor.Distribute(context.Background(), newAlert("a1", domain.SeverityLow))
	require.NoError(t, err)
	barrier(t, c)

	tr.mu.Lock()
	tr.failNext = 1
	tr.mu.Unlock()

	assert.Error(t, c.Flush(context.Background()))
	assert.Empty(t, tr.batches())

	require.NoError(t, c.Flush(context.Background()))
	require.Len(t, tr.batches(), 1)
	assert.Equal(t, 1, tr.batches()[0].Count)
}

func TestDistribute_SameAlertTwiceIsNoOp(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", "")
	c, tr := f.open(t, "u1")

	alert := newAlert("a1", domain.SeverityCritical)
	_, err := f.distributor.Distribute(context.Background(), alert)
	require.NoError(t, err)
	_, err = f.distributor.Distribute(context.Background(), alert)
	require.NoError(t, err)
	barrier(t, c)

	assert.Len(t, tr.alerts(), 1)
}

func TestDistribute_RespectsSubscriptionFilter(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", domain.SeverityHigh)
	c, tr := f.open(t, "u1")

	report, err := f.distributor.Distribute(context.Background(), newAlert("a1", domain.SeverityMedium))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	require.NoError(t, c.Flush(context.Background()))
	assert.Empty(t, tr.batches())
}

func TestDistribute_BundledAlertsAreNotDelivered(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", "")

	alert := newAlert("a1", domain.SeverityCritical)
	alert.Status = domain.AlertStatusBundled
	report, err := f.distributor.Distribute(context.Background(), alert)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Zero(t, f.queue.Size())
}

func TestDistribute_FailedRecipientIsIsolated(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", "")
	f.subscribe(t, "u2", "ACME", "")
	c1, tr1 := f.open(t, "u1")
	c2, tr2 := f.open(t, "u2")

	tr1.mu.Lock()
	tr1.failAll = true
	tr1.mu.Unlock()

	report, err := f.distributor.Distribute(context.Background(), newAlert("a1", domain.SeverityHigh))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Live)
	barrier(t, c1)
	barrier(t, c2)

	assert.Empty(t, tr1.alerts())
	assert.Len(t, tr2.alerts(), 1)
	// u1's copy falls back to the offline path
	assert.Equal(t, 1, f.queue.Size())
	assert.Equal(t, int64(1), f.metrics.Counter(metrics.DeliveryFailures).Value())
}

func TestOffline_RecordFlushedOnceOnReconnect(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.subscribe(t, "u1", "ACME", "")

	alert := newAlert("a1", domain.SeverityMedium)
	report, err := f.distributor.Distribute(ctx, alert)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Queued)

	// a second hand-off of the same alert must not create another record
	_, err = f.distributor.Distribute(ctx, alert)
	require.NoError(t, err)
	assert.Equal(t, 2, f.worker.ProcessAvailable(ctx))

	recs, err := f.deliveries.GetUndeliveredRecords(ctx, "u1", time.Now())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.SeverityMedium, recs[0].Priority)
	assert.WithinDuration(t, alert.CreatedAt.Add(24*time.Hour), recs[0].ExpiresAt, time.Millisecond)

	c, tr := f.open(t, "u1")
	batches := tr.batches()
	require.Len(t, batches, 1)
	assert.Equal(t, 1, batches[0].Count)
	assert.Equal(t, "a1", batches[0].Alerts[0].Data.ID)

	recs, err = f.deliveries.GetUndeliveredRecords(ctx, "u1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, recs)

	c.Close("test")
	<-c.Stopped()

	_, tr2 := f.open(t, "u1")
	assert.Empty(t, tr2.batches())
	assert.Equal(t, int64(1), f.metrics.Counter(metrics.DeliveriesFlushed).Value())
}

func TestOffline_ExpiredAlertIsDropped(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", "")

	alert := newAlert("old", domain.SeverityLow)
	alert.CreatedAt = time.Now().Add(-25 * time.Hour)

	report, err := f.distributor.Distribute(context.Background(), alert)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, f.queue.Size())
	assert.Equal(t, int64(1), f.metrics.Counter(metrics.DeliveryExpired).Value())
}

func TestOffline_ExpiredJobIsCounted(t *testing.T) {
	f := newFixture(t, Options{})
	rec := &domain.DeliveryRecord{ID: "r1", UserID: "u1", AlertID: "a1", ExpiresAt: time.Now().Add(-time.Second)}
	_, err := f.queue.Enqueue(queue.JobTypeOfflineDelivery, rec, queue.EnqueueOptions{TTL: time.Nanosecond})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	f.worker.ProcessAvailable(context.Background())

	assert.Equal(t, int64(1), f.metrics.Counter(metrics.DeliveryExpired).Value())
	assert.Equal(t, int64(1), f.metrics.Counter(metrics.JobsExpired).Value())
}

func TestPersistQueued_WritesJobsStillInBackoff(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.subscribe(t, "u1", "ACME", "")
	f.subscribe(t, "u2", "ACME", "")

	_, err := f.distributor.Distribute(ctx, newAlert("a1", domain.SeverityHigh))
	require.NoError(t, err)
	// both jobs failed once and now wait out their backoff
	for i := 0; i < 2; i++ {
		job := f.queue.Dequeue(time.Now())
		require.NotNil(t, job)
		f.queue.Requeue(job, time.Now().Add(time.Hour))
	}
	stale := &domain.DeliveryRecord{ID: "r-old", UserID: "u3", AlertID: "old", ExpiresAt: time.Now().Add(-time.Minute)}
	_, err = f.queue.Enqueue(queue.JobTypeOfflineDelivery, stale, queue.EnqueueOptions{})
	require.NoError(t, err)

	persisted, failed := f.distributor.PersistQueued(ctx, f.queue.Drain())
	assert.Equal(t, 2, persisted)
	assert.Zero(t, failed)
	assert.Zero(t, f.queue.Size())
	assert.Equal(t, int64(1), f.metrics.Counter(metrics.DeliveryExpired).Value())

	for _, user := range []string{"u1", "u2"} {
		recs, err := f.deliveries.GetUndeliveredRecords(ctx, user, time.Now())
		require.NoError(t, err)
		require.Len(t, recs, 1, user)
		assert.Equal(t, "a1", recs[0].AlertID)
	}
}

func TestPersistQueued_CancelledContextCountsFailures(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", "")
	_, err := f.distributor.Distribute(context.Background(), newAlert("a1", domain.SeverityLow))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	persisted, failed := f.distributor.PersistQueued(ctx, f.queue.Drain())
	assert.Zero(t, persisted)
	assert.Equal(t, 1, failed)
}

func TestClose_TearsDownOnceAndRequeuesBuffer(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", "")
	c, tr := f.open(t, "u1")

	_, err := f.distributor.Distribute(context.Background(), newAlert("a1", domain.SeverityLow))
	require.NoError(t, err)
	barrier(t, c)

	c.Close("bye")
	c.Close("again")
	<-c.Stopped()

	assert.Equal(t, StateDisconnected, c.State())
	closed, reason := tr.closeReason()
	assert.True(t, closed)
	assert.Equal(t, "bye", reason)
	assert.Zero(t, f.distributor.Registry().Count())
	assert.False(t, f.distributor.IsOnline(context.Background(), "u1"))
	assert.Equal(t, int64(1), f.metrics.Counter(metrics.ConnectionsClosed).Value())
	assert.Equal(t, 1, f.queue.Size())
	assert.False(t, c.Deliver(newAlert("a2", domain.SeverityLow), ActionInsert))
	assert.ErrorIs(t, c.Flush(context.Background()), ErrConnectionClosed)
}

// stallingTransport accepts control messages but parks every alert write
// until the connection's context is cancelled
type stallingTransport struct {
	fakeTransport
	stalled chan struct{}
	once    sync.Once
}

func (s *stallingTransport) Send(ctx context.Context, v interface{}) error {
	if _, ok := v.(AlertEnvelope); ok {
		s.once.Do(func() { close(s.stalled) })
		<-ctx.Done()
		return ctx.Err()
	}
	return s.fakeTransport.Send(ctx, v)
}

func TestClose_RequeuesAlertsStillInInbox(t *testing.T) {
	f := newFixture(t, Options{SendTimeout: time.Minute})
	ctx := context.Background()
	f.subscribe(t, "u1", "ACME", "")

	tr := &stallingTransport{stalled: make(chan struct{})}
	c, err := f.distributor.Open(ctx, "u1", tr)
	require.NoError(t, err)

	var want []string
	for i := 0; i < 12; i++ {
		sev := domain.SeverityCritical
		if i%6 == 5 {
			sev = domain.SeverityLow
		}
		id := fmt.Sprintf("a%02d", i)
		want = append(want, id)
		report, err := f.distributor.Distribute(ctx, newAlert(id, sev))
		require.NoError(t, err)
		require.Equal(t, 1, report.Live)
	}

	<-tr.stalled
	c.Close("client went away")
	<-c.Stopped()

	// after close the connection refuses work and the offline path takes over
	report, err := f.distributor.Distribute(ctx, newAlert("late", domain.SeverityCritical))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Queued)
	want = append(want, "late")

	f.worker.ProcessAvailable(ctx)

	recs, err := f.deliveries.GetUndeliveredRecords(ctx, "u1", time.Now())
	require.NoError(t, err)
	var got []string
	for _, rec := range recs {
		got = append(got, rec.AlertID)
	}
	assert.Empty(t, tr.alerts())
	assert.ElementsMatch(t, want, got)
}

func TestHeartbeat_AckAndTimeout(t *testing.T) {
	f := newFixture(t, Options{BatchInterval: 10 * time.Millisecond, HeartbeatTimeout: 80 * time.Millisecond})
	c, tr := f.open(t, "u1")

	c.HandleClient(ClientMessage{Type: TypeHeartbeat})
	barrier(t, c)

	var acks int
	for _, m := range tr.messages() {
		if ack, ok := m.(HeartbeatAck); ok {
			acks++
			assert.Equal(t, TypeHeartbeatAck, ack.Type)
			assert.NotZero(t, ack.Timestamp)
		}
	}
	assert.Equal(t, 1, acks)

	select {
	case <-c.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("connection outlived its heartbeat timeout")
	}
	_, reason := tr.closeReason()
	assert.Equal(t, "heartbeat timeout", reason)
	assert.Equal(t, int64(1), f.metrics.Counter(metrics.HeartbeatTimeouts).Value())
}

func TestUpdateWatchlist(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", "")
	c, tr := f.open(t, "u1")

	c.HandleClient(ClientMessage{Type: TypeUpdateWatchlist, Tickers: []string{"zeta", "acme", "ZETA"}})
	barrier(t, c)

	var ack *WatchlistMessage
	for _, m := range tr.messages() {
		if w, ok := m.(WatchlistMessage); ok {
			ack = &w
		}
	}
	require.NotNil(t, ack)
	assert.Equal(t, TypeWatchlistUpdated, ack.Type)
	assert.Equal(t, []string{"ZETA", "ACME"}, ack.Tickers)
	assert.True(t, c.Watches("ZETA"))
	assert.Len(t, f.distributor.Registry().Watchers("ZETA"), 1)

	tickers, err := f.subs.GetUserTickers(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ACME", "ZETA"}, tickers)

	c.HandleClient(ClientMessage{Type: TypeUpdateWatchlist, Tickers: []string{"not a ticker"}})
	c.HandleClient(ClientMessage{Type: "subscribe_all"})
	barrier(t, c)
	errs := tr.errors()
	require.Len(t, errs, 2)
	assert.Contains(t, errs[1].Message, "unknown message type")
	assert.True(t, c.Watches("ACME"))
}

func TestHandleClient_RateLimited(t *testing.T) {
	f := newFixture(t, Options{ClientRateLimit: 1})
	c, tr := f.open(t, "u1")

	for i := 0; i < 5; i++ {
		c.HandleClient(ClientMessage{Type: TypeHeartbeat})
	}
	barrier(t, c)

	errs := tr.errors()
	require.NotEmpty(t, errs)
	assert.Equal(t, "rate limit exceeded", errs[0].Message)
	assert.GreaterOrEqual(t, f.metrics.Counter(metrics.ClientRateLimited).Value(), int64(1))
}

type recordingNotifier struct {
	ch chan string
}

func (n *recordingNotifier) NotifyAlert(_ context.Context, a *domain.DivergenceAlert) error {
	n.ch <- a.ID
	return nil
}

func TestDistribute_NotifiesOperatorOnCritical(t *testing.T) {
	f := newFixture(t, Options{})
	n := &recordingNotifier{ch: make(chan string, 1)}
	f.distributor.SetNotifier(n)

	_, err := f.distributor.Distribute(context.Background(), newAlert("a1", domain.SeverityCritical))
	require.NoError(t, err)

	select {
	case id := <-n.ch:
		assert.Equal(t, "a1", id)
	case <-time.After(time.Second):
		t.Fatal("operator was not notified")
	}
}

func TestAnnounce_OnlyLiveMatchingSubscribers(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", "")
	f.subscribe(t, "u2", "ACME", domain.SeverityCritical)
	f.subscribe(t, "offline", "ACME", "")
	c1, tr1 := f.open(t, "u1")
	c2, tr2 := f.open(t, "u2")

	alert := newAlert("a1", domain.SeverityHigh)
	alert.Status = domain.AlertStatusResolved
	sent, err := f.distributor.Announce(context.Background(), alert, ActionUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	barrier(t, c1)
	barrier(t, c2)

	envs := tr1.alerts()
	require.Len(t, envs, 1)
	assert.Equal(t, ActionUpdate, envs[0].Action)
	assert.Empty(t, tr2.alerts())
	assert.Equal(t, 0, f.queue.Size())
}
