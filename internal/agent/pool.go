package agent

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/dyluth/rookery/pkg/bus"
)

// workItem pairs a delivered message with the context carrying its processing
// deadline and the channel that settles its acknowledgement on the bus.
type workItem struct {
	ctx  context.Context
	msg  *bus.Message
	done chan error
}

// pool fans message handling out to a fixed set of workers while preserving
// per-key ordering: messages sharing an ordering key always route to the same
// worker, so multiple paragraphs of one draft are processed in delivery order
// even when unrelated messages proceed in parallel.
type pool struct {
	queues []chan workItem
	wg     sync.WaitGroup
}

// newPool starts size workers, each draining its own queue with process.
func newPool(size int, process func(ctx context.Context, msg *bus.Message) error) *pool {
	if size < 1 {
		size = 1
	}

	p := &pool{
		queues: make([]chan workItem, size),
	}

	for i := range p.queues {
		queue := make(chan workItem, 16)
		p.queues[i] = queue

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for item := range queue {
				item.done <- process(item.ctx, item.msg)
			}
		}()
	}

	return p
}

// dispatch routes the message to its key's worker and blocks until the worker
// settles it, returning the handler result. Blocking here keeps the bus
// subscription's at-least-once accounting accurate: the message is only
// acknowledged once its worker finished. Parallelism comes from the agent's
// inbox and broadcast subscriptions dispatching concurrently.
func (p *pool) dispatch(ctx context.Context, msg *bus.Message) error {
	item := workItem{ctx: ctx, msg: msg, done: make(chan error, 1)}

	select {
	case p.queues[p.workerFor(msg)] <- item:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// workerFor picks the worker index for a message. Messages without an
// ordering key hash on their own ID, spreading them across the pool.
func (p *pool) workerFor(msg *bus.Message) int {
	key := msg.OrderingKey()
	if key == "" {
		key = msg.ID
	}

	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// close stops accepting work and waits for the workers to drain their queues.
func (p *pool) close() {
	for _, queue := range p.queues {
		close(queue)
	}
	p.wg.Wait()
}
