package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"reservation-service/internal/broker"
	"reservation-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReleaser struct {
	mu      sync.Mutex
	batches []int
	err     error
	panics  bool
	calls   int
	limits  []int
}

func (r *fakeReleaser) ReleaseExpired(_ context.Context, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.limits = append(r.limits, limit)
	if r.panics {
		panic("boom")
	}
	if r.err != nil {
		return 0, r.err
	}
	if len(r.batches) == 0 {
		return 0, nil
	}
	n := r.batches[0]
	r.batches = r.batches[1:]
	return n, nil
}

func (r *fakeReleaser) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	acquired int
	released int
}

func (l *fakeLocker) AcquireLock(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.held {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, _, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func TestRunExpirySweepOnce_DrainsUntilShortBatch(t *testing.T) {
	releaser := &fakeReleaser{batches: []int{10, 10, 4, 10}}
	sweeper := NewExpirySweeper(releaser, nil, SweeperConfig{BatchSize: 10, MaxBatchesPerTick: 5})

	released, err := sweeper.RunExpirySweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 24, released)
	assert.Equal(t, []int{10, 10, 10}, releaser.limits)
}

func TestRunExpirySweepOnce_CapsBatchesPerTick(t *testing.T) {
	releaser := &fakeReleaser{batches: []int{10, 10, 10, 10}}
	sweeper := NewExpirySweeper(releaser, nil, SweeperConfig{BatchSize: 10, MaxBatchesPerTick: 2})

	released, err := sweeper.RunExpirySweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, released)
	assert.Equal(t, 2, releaser.callCount())
}

func TestRunExpirySweepOnce_ReturnsError(t *testing.T) {
	dbDown := errors.New("connection refused")
	sweeper := NewExpirySweeper(&fakeReleaser{err: dbDown}, nil, SweeperConfig{BatchSize: 10})

	_, err := sweeper.RunExpirySweepOnce(context.Background())
	assert.ErrorIs(t, err, dbDown)
}

func TestTick_SwallowsFailuresAndPanics(t *testing.T) {
	sweeper := NewExpirySweeper(&fakeReleaser{err: errors.New("timeout")}, nil, SweeperConfig{})
	assert.NotPanics(t, func() { sweeper.tick(context.Background()) })

	sweeper = NewExpirySweeper(&fakeReleaser{panics: true}, nil, SweeperConfig{})
	assert.NotPanics(t, func() { sweeper.tick(context.Background()) })
}

func TestTick_SkipsWhenLockHeldElsewhere(t *testing.T) {
	releaser := &fakeReleaser{}
	locker := &fakeLocker{held: true}
	sweeper := NewExpirySweeper(releaser, locker, SweeperConfig{})

	sweeper.tick(context.Background())
	assert.Equal(t, 0, releaser.callCount())

	locker.err = errors.New("redis down")
	sweeper.tick(context.Background())
	assert.Equal(t, 0, releaser.callCount())
}

func TestTick_ReleasesLockAfterSweep(t *testing.T) {
	releaser := &fakeReleaser{batches: []int{3}}
	locker := &fakeLocker{}
	sweeper := NewExpirySweeper(releaser, locker, SweeperConfig{BatchSize: 10})

	sweeper.tick(context.Background())
	assert.Equal(t, 1, releaser.callCount())
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}

func TestRun_KeepsTickingAfterFailureUntilCancelled(t *testing.T) {
	releaser := &fakeReleaser{err: errors.New("timeout")}
	sweeper := NewExpirySweeper(releaser, nil, SweeperConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	require.Eventually(t, func() bool { return releaser.callCount() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

type fakeSource struct {
	messages []kafka.Message
	errs     []error
	closed   bool
}

func (s *fakeSource) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for _, msg := range s.messages {
		s.errs = append(s.errs, handler(ctx, msg))
	}
	return nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type recordingOutcomes struct {
	succeeded []int64
	failed    []int64
}

func (r *recordingOutcomes) HandlePaymentSucceeded(_ context.Context, event *models.PaymentSucceededEvent) error {
	r.succeeded = append(r.succeeded, event.OrderID)
	return nil
}

func (r *recordingOutcomes) HandlePaymentFailed(_ context.Context, event *models.PaymentFailedEvent) error {
	r.failed = append(r.failed, event.OrderID)
	return nil
}

func message(t *testing.T, event interface{}) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: value}
}

func TestOrderEventWorker_RoutesPaymentEvents(t *testing.T) {
	source := &fakeSource{}
	source.messages = []kafka.Message{
		message(t, models.PaymentSucceededEvent{
			BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypePaymentSucceeded},
			OrderID:   1,
		}),
		message(t, models.PaymentFailedEvent{
			BaseEvent: models.BaseEvent{EventID: "e2", EventType: models.EventTypePaymentFailed},
			OrderID:   2,
		}),
		{Value: []byte("not json")},
	}
	outcomes := &recordingOutcomes{}
	w := NewOrderEventWorker(source, outcomes)

	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, []int64{1}, outcomes.succeeded)
	assert.Equal(t, []int64{2}, outcomes.failed)
	require.Len(t, source.errs, 3)
	assert.NoError(t, source.errs[0])
	assert.Error(t, source.errs[2])

	require.NoError(t, w.Stop())
	assert.True(t, source.closed)
}
