package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueReader serves queued messages and blocks once they run out.
type queueReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (r *queueReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *queueReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *queueReader) Close() error { return nil }

func (r *queueReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func testConsumer(reader *queueReader) *Consumer {
	c := newConsumer(reader, "pharmacy-supply")
	c.retryBase = time.Millisecond
	c.retryMax = 4 * time.Millisecond
	return c
}

func consume(t *testing.T, c *Consumer, handler MessageHandler, until func() bool) error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.StartConsuming(ctx, handler) }()

	require.Eventually(t, until, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
		return nil
	}
}

func TestConsumerRetriesFailedMessageBeforeMovingOn(t *testing.T) {
	reader := &queueReader{queue: []kafka.Message{{Offset: 5}, {Offset: 6}}}
	c := testConsumer(reader)

	var (
		mu    sync.Mutex
		order []int64
	)
	failures := 2
	handler := func(_ context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, msg.Offset)
		if msg.Offset == 5 && failures > 0 {
			failures--
			return errors.New("db down")
		}
		return nil
	}

	err := consume(t, c, handler, func() bool { return len(reader.commits()) == 2 })
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []int64{5, 6}, reader.commits())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{5, 5, 5, 6}, order, "offset 6 waits for offset 5")
}

func TestConsumerSkipsMalformedMessages(t *testing.T) {
	reader := &queueReader{queue: []kafka.Message{{Offset: 1}, {Offset: 2}}}
	c := testConsumer(reader)

	handler := func(_ context.Context, msg kafka.Message) error {
		if msg.Offset == 1 {
			return fmt.Errorf("%w: not json", ErrMalformedMessage)
		}
		return nil
	}

	err := consume(t, c, handler, func() bool { return len(reader.commits()) == 2 })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{1, 2}, reader.commits())
}

func TestConsumerStopsRetryingOnCancel(t *testing.T) {
	reader := &queueReader{queue: []kafka.Message{{Offset: 9}, {Offset: 10}}}
	c := testConsumer(reader)

	var mu sync.Mutex
	attempts := 0
	handler := func(context.Context, kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("db down")
	}

	err := consume(t, c, handler, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 3
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, reader.commits(), "failed message stays uncommitted")
}
