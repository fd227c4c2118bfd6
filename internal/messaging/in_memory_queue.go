package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type inMemoryTask struct {
	queue         string
	payload       []byte
	replyTo       string
	correlationId string
}

func (t *inMemoryTask) Type() string {
	return t.queue
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) ReplyTo() string {
	return t.replyTo
}

func (t *inMemoryTask) CorrelationId() string {
	return t.correlationId
}

func (t *inMemoryTask) Ack() error {
	return nil
}

func (t *inMemoryTask) Nack() error {
	return nil
}

func (t *inMemoryTask) Reject() error {
	return nil
}

// InMemoryQueue connects publishers and consumers within one process.
type InMemoryQueue struct {
	lock    sync.Mutex
	tasks   chan Task
	replies map[string]chan Task
	done    chan struct{}
	once    sync.Once
}

const inMemoryQueueSize = 100

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks:   make(chan Task, inMemoryQueueSize),
		replies: make(map[string]chan Task),
		done:    make(chan struct{}),
	}
}

func (q *InMemoryQueue) PublishInferenceTask(ctx context.Context, payload InferenceTaskPayload, replyTo, correlationId string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	select {
	case q.tasks <- &inMemoryTask{queue: InferenceQueue, payload: data, replyTo: replyTo, correlationId: correlationId}:
		return nil
	case <-q.done:
		return fmt.Errorf("queue is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) PublishInferenceReply(ctx context.Context, replyTo, correlationId string, payload InferenceReplyPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	q.lock.Lock()
	defer q.lock.Unlock()

	replies, ok := q.replies[replyTo]
	if !ok {
		return fmt.Errorf("reply queue %s not found", replyTo)
	}

	select {
	case replies <- &inMemoryTask{queue: replyTo, payload: data, correlationId: correlationId}:
		return nil
	default:
		return fmt.Errorf("reply queue %s is full", replyTo)
	}
}

func (q *InMemoryQueue) Tasks() <-chan Task {
	return q.tasks
}

func (q *InMemoryQueue) NewReplyReciever() *InMemoryReplyReciever {
	q.lock.Lock()
	defer q.lock.Unlock()

	r := &InMemoryReplyReciever{
		parent: q,
		name:   "reply-" + uuid.NewString(),
		tasks:  make(chan Task, inMemoryQueueSize),
	}
	q.replies[r.name] = r.tasks
	return r
}

// Close stops publishing, the task channel itself stays open.
func (q *InMemoryQueue) Close() {
	q.once.Do(func() {
		close(q.done)
	})
}

type InMemoryReplyReciever struct {
	parent *InMemoryQueue
	name   string
	tasks  chan Task
	once   sync.Once
}

func (r *InMemoryReplyReciever) Queue() string {
	return r.name
}

func (r *InMemoryReplyReciever) Tasks() <-chan Task {
	return r.tasks
}

func (r *InMemoryReplyReciever) Close() {
	r.once.Do(func() {
		r.parent.lock.Lock()
		defer r.parent.lock.Unlock()

		delete(r.parent.replies, r.name)
		close(r.tasks)
	})
}
