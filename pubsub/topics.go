package pubsub

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/erlorenz/fanout/broadcast"
)

// openFunc starts receiving a topic from the backing transport. The returned
// function stops it. A nil openFunc means the topic is process-local.
type openFunc func(ctx context.Context, topic string) (stop func(), err error)

type topic struct {
	b    *broadcast.Broadcaster[[]byte]
	stop func()
}

// topics fans payloads for each topic out to local handlers through one
// broadcaster per topic. Every handler runs in its own goroutine and sees
// the topic's messages in publish order.
type topics struct {
	// transportMu orders open and stop calls. It is taken before mu and is
	// never needed by deliver, so stop may wait on a goroutine in deliver.
	transportMu sync.Mutex

	mu     sync.Mutex
	byName map[string]*topic
	closed bool

	open   openFunc
	opts   []broadcast.Option
	logger *slog.Logger
	wg     sync.WaitGroup
}

func newTopics(open openFunc, cfg config) *topics {
	return &topics{
		byName: make(map[string]*topic),
		open:   open,
		opts:   cfg.broadcastOptions(),
		logger: cfg.logger,
	}
}

// subscribe registers handler on name, opening the topic on first use.
func (t *topics) subscribe(ctx context.Context, name string, handler func([]byte)) error {
	t.transportMu.Lock()
	defer t.transportMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tp, ok := t.byName[name]
	if !ok {
		stop := func() {}
		if t.open != nil {
			var err error
			if stop, err = t.open(ctx, name); err != nil {
				return err
			}
		}
		opts := append(slices.Clone(t.opts), broadcast.WithName(name))
		tp = &topic{b: broadcast.New[[]byte](opts...), stop: stop}
		t.byName[name] = tp
		t.logger.Debug("topic opened", "topic", name)
	}

	sub := tp.b.Subscribe(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for payload := range sub.All() {
			handler(slices.Clone(payload))
		}
		t.release(name, tp)
	}()

	return nil
}

// release drops the topic once its last handler is gone.
func (t *topics) release(name string, tp *topic) {
	t.transportMu.Lock()
	defer t.transportMu.Unlock()

	t.mu.Lock()
	if t.byName[name] != tp || tp.b.Len() > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.byName, name)
	t.mu.Unlock()

	tp.b.Close()
	tp.stop()
	t.logger.Debug("topic released", "topic", name)
}

// deliver hands a copy of payload to every local handler of name.
func (t *topics) deliver(name string, payload []byte) {
	t.mu.Lock()
	tp, ok := t.byName[name]
	t.mu.Unlock()

	if ok {
		tp.b.Emit(slices.Clone(payload))
	}
}

// close ends every topic. Handlers finish what is already queued for them.
func (t *topics) close() error {
	t.transportMu.Lock()
	defer t.transportMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	open := t.byName
	t.byName = make(map[string]*topic)
	t.mu.Unlock()

	for _, tp := range open {
		tp.b.Close()
		tp.stop()
	}
	return nil
}

// wait blocks until every handler goroutine has returned or ctx is done.
func (t *topics) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *topics) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
