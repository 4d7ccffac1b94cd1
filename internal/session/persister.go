package session

import (
	"context"
	"sync"
	"time"

	"codecanvas/internal/metrics"
	"codecanvas/internal/models"
	"codecanvas/internal/utils"
)

// DocumentStore is the durable room id -> document mapping.
type DocumentStore interface {
	// Get returns models.ErrDocumentNotFound when the room was never persisted.
	Get(ctx context.Context, roomID string) (*models.RoomDocument, error)
	Upsert(ctx context.Context, doc models.RoomDocument) error
}

// StoreTask is one unit of background store work for a room.
type StoreTask func(ctx context.Context, store DocumentStore) error

type queuedTask struct {
	op string
	fn StoreTask
}

// Persister runs store work off the connection handlers. Tasks for the same
// room run in submission order on one goroutine; different rooms run in
// parallel. Failures are logged and counted, never retried.
type Persister struct {
	store   DocumentStore
	log     *utils.Logger
	timeout time.Duration

	mu     sync.Mutex
	queues map[string][]queuedTask
	idle   chan struct{} // closed when the last room queue drains
}

func NewPersister(store DocumentStore, log *utils.Logger, timeout time.Duration) *Persister {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Persister{
		store:   store,
		log:     log,
		timeout: timeout,
		queues:  make(map[string][]queuedTask),
	}
}

// Enqueue schedules fn for roomID and returns immediately.
func (p *Persister) Enqueue(roomID, op string, fn StoreTask) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, running := p.queues[roomID]
	p.queues[roomID] = append(q, queuedTask{op: op, fn: fn})
	if running {
		return
	}
	if len(p.queues) == 1 {
		p.idle = make(chan struct{})
	}
	go p.drain(roomID)
}

func (p *Persister) drain(roomID string) {
	for {
		p.mu.Lock()
		q := p.queues[roomID]
		if len(q) == 0 {
			delete(p.queues, roomID)
			if len(p.queues) == 0 {
				close(p.idle)
			}
			p.mu.Unlock()
			return
		}
		task := q[0]
		p.queues[roomID] = q[1:]
		p.mu.Unlock()

		p.run(roomID, task)
	}
}

func (p *Persister) run(roomID string, task queuedTask) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	start := time.Now()
	err := task.fn(ctx, p.store)
	metrics.ObserveStore(task.op, start, err)
	if err != nil {
		p.log.Error("document store task failed", "op", task.op, "roomId", roomID, "error", err)
	}
}

// Wait blocks until every queued task has run or ctx is done.
func (p *Persister) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.queues) == 0 {
			p.mu.Unlock()
			return nil
		}
		idle := p.idle
		p.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
