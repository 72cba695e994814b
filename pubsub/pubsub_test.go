package pubsub_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erlorenz/fanout/pubsub"
)

// settle gives remote transports time to confirm a subscription.
const settle = 50 * time.Millisecond

// testBroker runs a common test suite against any broker implementation.
func testBroker(t *testing.T, createBroker func(t *testing.T) pubsub.Broker) {
	t.Helper()

	tests := []struct {
		name string
		test func(t *testing.T, broker pubsub.Broker)
	}{
		{"PublishWithNoSubscribers", testPublishWithNoSubscribers},
		{"SingleSubscriber", testSingleSubscriber},
		{"MultipleSubscribers", testMultipleSubscribers},
		{"MultipleTopics", testMultipleTopics},
		{"OrderPreserved", testOrderPreserved},
		{"SlowHandlerDoesNotBlock", testSlowHandlerDoesNotBlock},
		{"SubscriberContextCancellation", testSubscriberContextCancellation},
		{"ResubscribeAfterCancel", testResubscribeAfterCancel},
		{"CloseBroker", testCloseBroker},
		{"PayloadIsolation", testPayloadIsolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := createBroker(t)
			defer broker.Close()
			tt.test(t, broker)
		})
	}
}

// topicName keeps remote brokers from seeing each other's messages.
func topicName(t *testing.T, base string) string {
	return fmt.Sprintf("%s_%d", base, time.Now().UnixNano())
}

func recv(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	select {
	case msg := <-ch:
		return string(msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return ""
	}
}

func assertSilent(t *testing.T, ch <-chan []byte) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Errorf("unexpected message %q", msg)
	case <-time.After(150 * time.Millisecond):
	}
}

func sink(ch chan<- []byte) func([]byte) {
	return func(payload []byte) { ch <- payload }
}

func testPublishWithNoSubscribers(t *testing.T, broker pubsub.Broker) {
	require.NoError(t, broker.Publish(context.Background(), topicName(t, "empty"), []byte("hello")))
}

func testSingleSubscriber(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	topic := topicName(t, "single")
	received := make(chan []byte, 1)

	require.NoError(t, broker.Subscribe(ctx, topic, sink(received)))
	time.Sleep(settle)

	require.NoError(t, broker.Publish(ctx, topic, []byte("hello")))
	assert.Equal(t, "hello", recv(t, received))
}

func testMultipleSubscribers(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	topic := topicName(t, "multi")

	chans := make([]chan []byte, 3)
	for i := range chans {
		chans[i] = make(chan []byte, 1)
		require.NoError(t, broker.Subscribe(ctx, topic, sink(chans[i])))
	}
	time.Sleep(settle)

	require.NoError(t, broker.Publish(ctx, topic, []byte("broadcast")))

	for i, ch := range chans {
		assert.Equal(t, "broadcast", recv(t, ch), "subscriber %d", i+1)
	}
}

func testMultipleTopics(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	topicA, topicB := topicName(t, "a"), topicName(t, "b")
	receivedA := make(chan []byte, 1)
	receivedB := make(chan []byte, 1)

	require.NoError(t, broker.Subscribe(ctx, topicA, sink(receivedA)))
	require.NoError(t, broker.Subscribe(ctx, topicB, sink(receivedB)))
	time.Sleep(settle)

	require.NoError(t, broker.Publish(ctx, topicA, []byte("message-a")))
	assert.Equal(t, "message-a", recv(t, receivedA))
	assertSilent(t, receivedB)

	require.NoError(t, broker.Publish(ctx, topicB, []byte("message-b")))
	assert.Equal(t, "message-b", recv(t, receivedB))
}

func testOrderPreserved(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	topic := topicName(t, "order")
	received := make(chan []byte, 100)

	require.NoError(t, broker.Subscribe(ctx, topic, sink(received)))
	time.Sleep(settle)

	for i := range 20 {
		require.NoError(t, broker.Publish(ctx, topic, []byte(fmt.Sprint(i))))
	}
	for i := range 20 {
		assert.Equal(t, fmt.Sprint(i), recv(t, received))
	}
}

func testSlowHandlerDoesNotBlock(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	topic := topicName(t, "slow")
	release := make(chan struct{})
	fast := make(chan []byte, 10)

	require.NoError(t, broker.Subscribe(ctx, topic, func([]byte) { <-release }))
	require.NoError(t, broker.Subscribe(ctx, topic, sink(fast)))
	time.Sleep(settle)

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, broker.Publish(ctx, topic, []byte(m)))
	}
	for _, m := range []string{"1", "2", "3"} {
		assert.Equal(t, m, recv(t, fast))
	}
	close(release)
}

func testSubscriberContextCancellation(t *testing.T, broker pubsub.Broker) {
	ctx, cancel := context.WithCancel(context.Background())
	topic := topicName(t, "cancel")
	received := make(chan []byte, 10)

	require.NoError(t, broker.Subscribe(ctx, topic, sink(received)))
	time.Sleep(settle)

	require.NoError(t, broker.Publish(context.Background(), topic, []byte("message-1")))
	assert.Equal(t, "message-1", recv(t, received))

	cancel()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, broker.Publish(context.Background(), topic, []byte("message-2")))
	assertSilent(t, received)
}

func testResubscribeAfterCancel(t *testing.T, broker pubsub.Broker) {
	topic := topicName(t, "again")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, broker.Subscribe(ctx, topic, func([]byte) {}))
	cancel()
	time.Sleep(100 * time.Millisecond)

	received := make(chan []byte, 1)
	require.NoError(t, broker.Subscribe(context.Background(), topic, sink(received)))
	time.Sleep(settle)

	require.NoError(t, broker.Publish(context.Background(), topic, []byte("back")))
	assert.Equal(t, "back", recv(t, received))
}

func testCloseBroker(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	topic := topicName(t, "close")

	require.NoError(t, broker.Subscribe(ctx, topic, func([]byte) {}))
	require.NoError(t, broker.Close())

	assert.ErrorIs(t, broker.Publish(ctx, topic, []byte("hello")), pubsub.ErrClosed)
	assert.ErrorIs(t, broker.Subscribe(ctx, topic, func([]byte) {}), pubsub.ErrClosed)
	assert.ErrorIs(t, broker.Close(), pubsub.ErrClosed)
}

func testPayloadIsolation(t *testing.T, broker pubsub.Broker) {
	ctx := context.Background()
	topic := topicName(t, "isolation")

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(2)
	for range 2 {
		require.NoError(t, broker.Subscribe(ctx, topic, func(payload []byte) {
			defer wg.Done()
			mu.Lock()
			got = append(got, string(payload))
			payload[0] = 'X'
			mu.Unlock()
		}))
	}
	time.Sleep(settle)

	original := []byte("hello")
	require.NoError(t, broker.Publish(ctx, topic, original))
	original[1] = 'E'

	wg.Wait()
	assert.Equal(t, []string{"hello", "hello"}, got)
}

// Benchmark publishing with varying numbers of subscribers
func benchmarkPublish(b *testing.B, broker pubsub.Broker, numSubscribers int) {
	ctx := context.Background()

	for range numSubscribers {
		_ = broker.Subscribe(ctx, "bench-topic", func([]byte) {})
	}

	payload := []byte("benchmark message")

	for b.Loop() {
		_ = broker.Publish(ctx, "bench-topic", payload)
	}
}
