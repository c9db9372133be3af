package broadcaster

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore/infra/logger"
	"matchcore/infra/metrics"
	"matchcore/infra/outbox"
)

type fakePublisher struct {
	mu    sync.Mutex
	fail  error
	sent  []kafka.Message
	calls int
}

func (p *fakePublisher) SendBatch(_ context.Context, msgs []kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		return p.fail
	}
	p.sent = append(p.sent, msgs...)
	return nil
}

func (p *fakePublisher) values() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	for i, m := range p.sent {
		out[i] = string(m.Value)
	}
	return out
}

func newOutbox(t *testing.T, n int) *outbox.Outbox {
	t.Helper()
	logger.SetNopLogger()

	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ob, err := outbox.Open(db)
	require.NoError(t, err)

	msgs := make([]outbox.Message, n)
	for i := range msgs {
		msgs[i] = outbox.Message{Key: []byte("BTC/USDT"), Value: []byte(fmt.Sprint(i))}
	}
	require.NoError(t, ob.Publish(context.Background(), msgs))
	return ob
}

func TestReplayOnceSendsOldestFirstAndAcks(t *testing.T) {
	ob := newOutbox(t, 5)
	pub := &fakePublisher{}
	b := New(ob, pub, time.Second, 3, nil)

	n, err := b.ReplayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"0", "1", "2"}, pub.values())

	left, err := ob.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, left)
}

func TestDrainEmptiesOutbox(t *testing.T) {
	ob := newOutbox(t, 7)
	pub := &fakePublisher{}
	b := New(ob, pub, time.Second, 3, nil)

	require.NoError(t, b.drain(context.Background()))
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6"}, pub.values())

	left, err := ob.Len()
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestFailedSendKeepsEntries(t *testing.T) {
	ob := newOutbox(t, 2)
	pub := &fakePublisher{fail: fmt.Errorf("broker down")}
	m := metrics.New()
	b := New(ob, pub, time.Second, 10, m)

	_, err := b.ReplayOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastFailures))

	var recs []outbox.Record
	require.NoError(t, ob.ScanPending(0, func(r outbox.Record) error {
		recs = append(recs, r)
		return nil
	}))
	require.Len(t, recs, 2)
	assert.Equal(t, outbox.StateFailed, recs[0].State)
	assert.Equal(t, uint32(1), recs[0].Retries)

	pub.mu.Lock()
	pub.fail = nil
	pub.mu.Unlock()

	n, err := b.ReplayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"0", "1"}, pub.values())

	b.reportBacklog()
	assert.Zero(t, testutil.ToFloat64(m.OutboxBacklog))
}

func TestRunDeliversUntilCancelled(t *testing.T) {
	ob := newOutbox(t, 4)
	pub := &fakePublisher{}
	b := New(ob, pub, 5*time.Millisecond, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.values()) == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
