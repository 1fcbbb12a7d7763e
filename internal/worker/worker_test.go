package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/video-publisher/internal/worker/dispatch"
	"github.com/cuongbtq/video-publisher/internal/worker/domain"
	"github.com/cuongbtq/video-publisher/internal/worker/feed"
)

type recorded struct {
	requestID string
	workerID  string
	value     string
	kind      string
}

type fakeStore struct {
	mu          sync.Mutex
	claimed     map[string]bool
	claimErr    error
	credentials map[string]*domain.ChannelCredential
	lookups     int
	successes   []recorded
	failures    []recorded
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		claimed: map[string]bool{},
		credentials: map[string]*domain.ChannelCredential{
			"7": {ID: "7", LoginEmail: "owner@example.com", Password: "secret", Name: "Channel Seven"},
		},
	}
}

func (s *fakeStore) ClaimRequest(_ context.Context, requestID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return s.claimErr
	}
	if s.claimed[requestID] {
		return domain.ErrAlreadyClaimed
	}
	s.claimed[requestID] = true
	return nil
}

func (s *fakeStore) GetChannelCredential(_ context.Context, channelID string) (*domain.ChannelCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	cred, ok := s.credentials[channelID]
	if !ok {
		return nil, domain.NewNotFoundError("channel credential", channelID)
	}
	return cred, nil
}

func (s *fakeStore) RecordSuccess(ctx context.Context, requestID, workerID, reference string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes = append(s.successes, recorded{requestID: requestID, workerID: workerID, value: reference})
	return nil
}

func (s *fakeStore) RecordFailure(ctx context.Context, requestID, workerID, kind, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, recorded{requestID: requestID, workerID: workerID, value: reason, kind: kind})
	return nil
}

func (s *fakeStore) snapshot() (successes, failures []recorded) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recorded(nil), s.successes...), append([]recorded(nil), s.failures...)
}

// fakeFetcher writes a small file into a temp directory instead of downloading
type fakeFetcher struct {
	dir     string
	err     error
	fetches atomic.Int32
}

func (f *fakeFetcher) ScratchPath(processID string) string {
	return filepath.Join(f.dir, processID+".mp4")
}

func (f *fakeFetcher) Fetch(_ context.Context, _, dest string) (int64, error) {
	f.fetches.Add(1)
	if err := os.WriteFile(dest, []byte("media"), 0o644); err != nil {
		return 0, err
	}
	if f.err != nil {
		return 0, f.err
	}
	return 5, nil
}

func (f *fakeFetcher) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// scriptedUploader runs behave on its own goroutine, like a publisher whose
// callbacks arrive after Upload returns
type scriptedUploader struct {
	mu     sync.Mutex
	videos []dispatch.Video
	exists []bool
	behave func(v dispatch.Video)
}

func (u *scriptedUploader) Upload(_ context.Context, _ dispatch.Credentials, videos []dispatch.Video, _ dispatch.Options) error {
	u.mu.Lock()
	for _, v := range videos {
		_, err := os.Stat(v.Path)
		u.videos = append(u.videos, v)
		u.exists = append(u.exists, err == nil)
	}
	u.mu.Unlock()

	go u.behave(videos[0])
	return nil
}

func (u *scriptedUploader) submitted() []dispatch.Video {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]dispatch.Video(nil), u.videos...)
}

type recordingReporter struct {
	mu        sync.Mutex
	outcomes  []domain.Outcome
	incidents []string
}

func (r *recordingReporter) Report(_ context.Context, o domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingReporter) Incident(_ context.Context, kind string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, kind)
}

func (r *recordingReporter) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.incidents...)
}

type countingObserver struct {
	n atomic.Int32
}

func (o *countingObserver) DuplicateCallback() {
	o.n.Add(1)
}

type harness struct {
	worker   *Worker
	store    *fakeStore
	fetcher  *fakeFetcher
	uploader *scriptedUploader
	reporter *recordingReporter
	observer *countingObserver
}

func newHarness(t *testing.T, behave func(v dispatch.Video)) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:    newFakeStore(),
		fetcher:  &fakeFetcher{dir: t.TempDir()},
		uploader: &scriptedUploader{behave: behave},
		reporter: &recordingReporter{},
		observer: &countingObserver{},
	}

	dispatcher := dispatch.NewDispatcher(h.uploader, dispatch.Config{ConfirmTimeout: 2 * time.Second}, logger, h.observer)
	h.worker = NewWorker(&Config{
		Logger:      logger,
		WorkerID:    "worker-test",
		Store:       h.store,
		Fetcher:     h.fetcher,
		Dispatcher:  dispatcher,
		Reporter:    h.reporter,
		Concurrency: 2,
		JobTimeout:  5 * time.Second,
	})
	return h
}

func succeedWith(reference string) func(v dispatch.Video) {
	return func(v dispatch.Video) {
		v.OnProgress(50)
		v.OnSuccess(reference)
	}
}

func publishRecord() map[string]any {
	return map[string]any{
		"id":                     json.Number("42"),
		"channel_id":             json.Number("7"),
		"file_identifier":        "https://x/y.mp4",
		"youtube_title":          "T",
		"youtube_keywords":       "a,b",
		"youtube_privacy_status": "public",
	}
}

func eventOf(record map[string]any) feed.Event {
	return feed.NewEvent("test", record, nil, nil)
}

func TestProcessEvent_PublishesAndRecordsReference(t *testing.T) {
	h := newHarness(t, succeedWith("abc123"))

	require.NoError(t, h.worker.processEvent(context.Background(), eventOf(publishRecord())))

	successes, failures := h.store.snapshot()
	assert.Equal(t, []recorded{{requestID: "42", workerID: "worker-test", value: "abc123"}}, successes)
	assert.Empty(t, failures)

	videos := h.uploader.submitted()
	require.Len(t, videos, 1)
	assert.Equal(t, []string{"a", "b"}, videos[0].Tags)
	assert.Equal(t, domain.VisibilityPublic, videos[0].Visibility)
	assert.Equal(t, "T", videos[0].Title)
	assert.Equal(t, "Channel Seven", videos[0].ChannelName)
	assert.Equal(t, filepath.Join(h.fetcher.dir, "42.mp4"), videos[0].Path)
	assert.Equal(t, []bool{true}, h.uploader.exists)

	_, err := os.Stat(videos[0].Path)
	assert.True(t, os.IsNotExist(err), "scratch file should be removed after the run")

	require.Len(t, h.reporter.outcomes, 1)
	assert.Equal(t, domain.StatusPublished, h.reporter.outcomes[0].Status)
	assert.Equal(t, "abc123", h.reporter.outcomes[0].Reference)
	assert.Equal(t, "worker-test", h.reporter.outcomes[0].WorkerID)
}

func TestProcessEvent_MissingCredential(t *testing.T) {
	h := newHarness(t, succeedWith("abc123"))
	delete(h.store.credentials, "7")

	require.NoError(t, h.worker.processEvent(context.Background(), eventOf(publishRecord())))

	successes, failures := h.store.snapshot()
	assert.Empty(t, successes)
	require.Len(t, failures, 1)
	assert.Equal(t, "42", failures[0].requestID)
	assert.Equal(t, domain.KindNotFound, failures[0].kind)
	assert.Contains(t, failures[0].value, "not found")

	assert.Zero(t, h.fetcher.fetches.Load(), "no file should be downloaded")
	assert.Empty(t, h.uploader.submitted())
}

func TestProcessEvent_ValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r map[string]any)
		field  string
	}{
		{
			name:   "unknown visibility",
			mutate: func(r map[string]any) { r["youtube_privacy_status"] = "friends-only" },
			field:  "youtube_privacy_status",
		},
		{
			name:   "missing visibility",
			mutate: func(r map[string]any) { delete(r, "youtube_privacy_status") },
			field:  "youtube_privacy_status",
		},
		{
			name:   "missing title",
			mutate: func(r map[string]any) { delete(r, "youtube_title") },
			field:  "youtube_title",
		},
		{
			name:   "unsafe process id",
			mutate: func(r map[string]any) { r["process_id"] = "../etc" },
			field:  "process_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, succeedWith("abc123"))
			record := publishRecord()
			tt.mutate(record)

			require.NoError(t, h.worker.processEvent(context.Background(), eventOf(record)))

			_, failures := h.store.snapshot()
			require.Len(t, failures, 1)
			assert.Equal(t, domain.KindValidation, failures[0].kind)
			assert.Contains(t, failures[0].value, tt.field)

			assert.Zero(t, h.store.lookups)
			assert.Zero(t, h.fetcher.fetches.Load())
			assert.Empty(t, h.uploader.submitted())
		})
	}
}

func TestProcessEvent_DoubleCallbackRecordsOnce(t *testing.T) {
	h := newHarness(t, func(v dispatch.Video) {
		v.OnSuccess("abc123")
		v.OnSuccess("abc123")
		v.OnFailure(errors.New("late failure"))
	})

	require.NoError(t, h.worker.processEvent(context.Background(), eventOf(publishRecord())))

	// Late callbacks land on the settled completion
	assert.Eventually(t, func() bool { return h.observer.n.Load() == 2 }, time.Second, 10*time.Millisecond)

	successes, failures := h.store.snapshot()
	assert.Len(t, successes, 1)
	assert.Empty(t, failures)
	assert.Len(t, h.reporter.outcomes, 1)
}

func TestProcessEvent_DuplicateDeliverySkipped(t *testing.T) {
	h := newHarness(t, succeedWith("abc123"))

	require.NoError(t, h.worker.processEvent(context.Background(), eventOf(publishRecord())))
	require.NoError(t, h.worker.processEvent(context.Background(), eventOf(publishRecord())))

	successes, _ := h.store.snapshot()
	assert.Len(t, successes, 1)
	assert.Equal(t, int32(1), h.fetcher.fetches.Load())
	assert.Len(t, h.uploader.submitted(), 1)
}

func TestProcessEvent_TransferFailure(t *testing.T) {
	h := newHarness(t, succeedWith("abc123"))
	h.fetcher.err = domain.NewTransientError("download media", errors.New("connection refused"))

	require.NoError(t, h.worker.processEvent(context.Background(), eventOf(publishRecord())))

	successes, failures := h.store.snapshot()
	assert.Empty(t, successes)
	require.Len(t, failures, 1)
	assert.Equal(t, domain.KindTransient, failures[0].kind)
	assert.Empty(t, h.uploader.submitted(), "nothing is dispatched after a failed transfer")

	_, err := os.Stat(filepath.Join(h.fetcher.dir, "42.mp4"))
	assert.True(t, os.IsNotExist(err), "partial scratch file should be removed")
}

func TestProcessEvent_DispatchFailureKeepsDetail(t *testing.T) {
	h := newHarness(t, func(v dispatch.Video) {
		v.OnFailure(errors.New("daily upload limit reached"))
	})

	require.NoError(t, h.worker.processEvent(context.Background(), eventOf(publishRecord())))

	_, failures := h.store.snapshot()
	require.Len(t, failures, 1)
	assert.Equal(t, domain.KindDispatch, failures[0].kind)
	assert.Equal(t, "daily upload limit reached", failures[0].value)

	_, err := os.Stat(filepath.Join(h.fetcher.dir, "42.mp4"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessEvent_ClaimFailureIsRecorded(t *testing.T) {
	h := newHarness(t, succeedWith("abc123"))
	h.store.claimErr = domain.NewTransientError("claim publish request", errors.New("too many connections"))

	require.NoError(t, h.worker.processEvent(context.Background(), eventOf(publishRecord())))

	_, failures := h.store.snapshot()
	require.Len(t, failures, 1)
	assert.Equal(t, domain.KindTransient, failures[0].kind)
	assert.Equal(t, "worker-test", failures[0].workerID)
	assert.Zero(t, h.fetcher.fetches.Load())
}

func TestProcessEvent_AckTiming(t *testing.T) {
	tests := []struct {
		name         string
		claimErr     error
		preClaimed   bool
		ackedAtStart bool
		wantAcks     int
	}{
		{name: "acked once claimed, before dispatch", ackedAtStart: true, wantAcks: 1},
		{name: "duplicate delivery is acked by settle", preClaimed: true},
		{name: "claim failure is acked by settle", claimErr: domain.NewTransientError("claim publish request", errors.New("timeout"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var acks atomic.Int32
			var ackedAtUpload atomic.Bool

			h := newHarness(t, func(v dispatch.Video) {
				ackedAtUpload.Store(acks.Load() == 1)
				v.OnSuccess("abc123")
			})
			h.store.claimErr = tt.claimErr
			if tt.preClaimed {
				h.store.claimed["42"] = true
			}

			event := feed.NewEvent(feed.SourceRabbitMQ, publishRecord(),
				func() error { acks.Add(1); return nil },
				func(bool) error { return nil },
			)

			require.NoError(t, h.worker.processEvent(context.Background(), event))
			assert.Equal(t, int32(tt.wantAcks), acks.Load())
			assert.Equal(t, tt.ackedAtStart, ackedAtUpload.Load())

			// settle after the run never reaches the transport twice
			h.worker.settle(h.worker.logger, event, nil)
			assert.Equal(t, int32(1), acks.Load())
		})
	}
}

func TestProcessEvent_UnrecordablePayload(t *testing.T) {
	h := newHarness(t, succeedWith("abc123"))

	err := h.worker.processEvent(context.Background(), eventOf(map[string]any{"channel_id": "7"}))
	assert.ErrorIs(t, err, errUnrecordable)
	assert.False(t, shouldRequeue(err))
	assert.Equal(t, []string{"unrecordable_event"}, h.reporter.kinds())
}

func TestProcessEvent_ShutdownDuringDispatch(t *testing.T) {
	h := newHarness(t, func(v dispatch.Video) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.worker.processEvent(ctx, eventOf(publishRecord()))
	}()

	require.Eventually(t, func() bool { return len(h.uploader.submitted()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop waiting after shutdown")
	}

	// Recorded with a detached context even though ctx is canceled
	_, failures := h.store.snapshot()
	require.Len(t, failures, 1)
	assert.Equal(t, domain.KindTransient, failures[0].kind)

	_, err := os.Stat(filepath.Join(h.fetcher.dir, "42.mp4"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessEvent_ShutdownBeforeClaim(t *testing.T) {
	h := newHarness(t, succeedWith("abc123"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.worker.processEvent(ctx, eventOf(publishRecord()))
	assert.ErrorIs(t, err, errInterrupted)
	assert.True(t, shouldRequeue(err))
	assert.Empty(t, h.store.claimed)
}

// fakeSubscription hands out the queued streams in order, then errors
type fakeSubscription struct {
	mu      sync.Mutex
	streams []chan feed.Event
	errs    []error
	calls   int
	closed  atomic.Int32
}

func (s *fakeSubscription) Subscribe(_ context.Context) (<-chan feed.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.streams) {
		return s.streams[i], nil
	}
	return nil, errors.New("no more streams")
}

func (s *fakeSubscription) Close() error {
	s.closed.Add(1)
	return nil
}

func ackedEvent(record map[string]any, acks chan<- string) feed.Event {
	return feed.NewEvent("test", record,
		func() error { acks <- "ack"; return nil },
		func(requeue bool) error {
			if requeue {
				acks <- "requeue"
			} else {
				acks <- "reject"
			}
			return nil
		},
	)
}

func TestRun_ProcessesEventsUntilCanceled(t *testing.T) {
	h := newHarness(t, succeedWith("abc123"))
	stream := make(chan feed.Event, 2)
	sub := &fakeSubscription{streams: []chan feed.Event{stream}}
	h.worker.subscription = sub

	acks := make(chan string, 2)
	stream <- ackedEvent(publishRecord(), acks)
	stream <- ackedEvent(map[string]any{"youtube_title": "no id"}, acks)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.worker.Run(ctx) }()

	got := []string{<-acks, <-acks}
	assert.ElementsMatch(t, []string{"ack", "reject"}, got)

	// the ack lands at claim time, before the run is recorded
	require.Eventually(t, func() bool {
		successes, _ := h.store.snapshot()
		return len(successes) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, int32(1), sub.closed.Load())
	successes, _ := h.store.snapshot()
	assert.Equal(t, []recorded{{requestID: "42", workerID: "worker-test", value: "abc123"}}, successes)
	assert.Empty(t, acks, "claimed event must not be settled twice")
}

func TestRun_SubscriptionFailureIsFatal(t *testing.T) {
	h := newHarness(t, succeedWith("abc123"))
	h.worker.subscription = &fakeSubscription{errs: []error{errors.New("connection refused")}}

	err := h.worker.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, []string{"subscription_failed"}, h.reporter.kinds())
}

func TestRun_ResubscribesAfterStreamLoss(t *testing.T) {
	h := newHarness(t, succeedWith("abc123"))

	first := make(chan feed.Event)
	second := make(chan feed.Event, 1)
	sub := &fakeSubscription{
		streams: []chan feed.Event{first, nil, second},
		errs:    []error{nil, errors.New("broker unavailable"), nil},
	}
	h.worker.subscription = sub
	h.worker.resubscribe = ResubscribePolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	acks := make(chan string, 1)
	second <- ackedEvent(publishRecord(), acks)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.worker.Run(ctx) }()

	close(first)

	select {
	case got := <-acks:
		assert.Equal(t, "ack", got)
	case <-time.After(2 * time.Second):
		t.Fatal("event from the new stream was not processed")
	}

	require.Eventually(t, func() bool {
		successes, _ := h.store.snapshot()
		return len(successes) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"subscription_lost", "resubscribe_failed"}, h.reporter.kinds())
}

func TestRun_ResubscribeExhausted(t *testing.T) {
	h := newHarness(t, succeedWith("abc123"))

	first := make(chan feed.Event)
	close(first)
	h.worker.subscription = &fakeSubscription{streams: []chan feed.Event{first}}
	h.worker.resubscribe = ResubscribePolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	err := h.worker.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, []string{"subscription_lost", "resubscribe_failed", "resubscribe_failed", "resubscribe_exhausted"}, h.reporter.kinds())
}
