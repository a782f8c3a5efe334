package session

import (
	"context"
	"log"
	"sync"

	cmdpkg "github.com/stupiduntilnot/relay/internal/commander"
)

// Handler processes one update.
type Handler interface {
	HandleUpdate(ctx context.Context, u cmdpkg.Update) error
}

// Dispatcher runs updates concurrently across chats and in arrival order
// within a chat. Each chat with pending work gets one goroutine draining
// its queue; the goroutine exits once the queue is empty.
type Dispatcher struct {
	handler Handler
	logger  *log.Logger

	mu     sync.Mutex
	queues map[int64][]cmdpkg.Update
	wg     sync.WaitGroup
}

func NewDispatcher(handler Handler, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{handler: handler, logger: logger, queues: map[int64][]cmdpkg.Update{}}
}

// Dispatch queues u behind earlier updates of the same chat and returns
// without waiting for it to be handled. A chat's queue is drained under the
// ctx of the update that started it.
func (d *Dispatcher) Dispatch(ctx context.Context, u cmdpkg.Update) {
	key := chatKey(u)
	d.mu.Lock()
	q, running := d.queues[key]
	d.queues[key] = append(q, u)
	if !running {
		d.wg.Add(1)
		go d.drain(ctx, key)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) drain(ctx context.Context, key int64) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		u := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		if err := d.handler.HandleUpdate(ctx, u); err != nil {
			d.logger.Printf("[dispatch] update_id=%d chat_id=%d error: %v", u.UpdateID, key, err)
		}
	}
}

// Wait blocks until every dispatched update has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func chatKey(u cmdpkg.Update) int64 {
	switch {
	case u.Message != nil:
		return u.Message.Chat.ID
	case u.Callback != nil && u.Callback.Message != nil:
		return u.Callback.Message.Chat.ID
	case u.Callback != nil && u.Callback.From != nil:
		return u.Callback.From.ID
	}
	return 0
}
