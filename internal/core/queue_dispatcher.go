package core

import (
	"context"
	"diffuser-backend/internal/core/types"
	"diffuser-backend/internal/messaging"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// QueueDispatcher publishes inference tasks to the inference queue and waits
// for the matching reply on its private reply queue.
type QueueDispatcher struct {
	publisher messaging.Publisher
	replies   messaging.ReplyReciever

	lock    sync.Mutex
	pending map[string]chan messaging.InferenceReplyPayload

	stop chan struct{}
	once sync.Once
}

func NewQueueDispatcher(publisher messaging.Publisher, replies messaging.ReplyReciever) *QueueDispatcher {
	d := &QueueDispatcher{
		publisher: publisher,
		replies:   replies,
		pending:   make(map[string]chan messaging.InferenceReplyPayload),
		stop:      make(chan struct{}),
	}
	go d.routeReplies()
	return d
}

func (d *QueueDispatcher) routeReplies() {
	for {
		var task messaging.Task
		var ok bool
		select {
		case task, ok = <-d.replies.Tasks():
			if !ok {
				return
			}
		case <-d.stop:
			return
		}

		var reply messaging.InferenceReplyPayload
		if err := json.Unmarshal(task.Payload(), &reply); err != nil {
			slog.Error("error unmarshalling inference reply", "correlation_id", task.CorrelationId(), "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting message from queue", "error", err)
			}
			continue
		}

		d.lock.Lock()
		waiter, found := d.pending[task.CorrelationId()]
		delete(d.pending, task.CorrelationId())
		d.lock.Unlock()

		if found {
			waiter <- reply
		} else {
			slog.Warn("dropping reply with no waiting request", "correlation_id", task.CorrelationId(), "index", reply.Index)
		}

		if err := task.Ack(); err != nil {
			slog.Error("error acking reply", "error", err)
		}
	}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, req types.PromptRequest) ([]byte, error) {
	correlationId := uuid.NewString()
	waiter := make(chan messaging.InferenceReplyPayload, 1)

	d.lock.Lock()
	d.pending[correlationId] = waiter
	d.lock.Unlock()

	defer func() {
		d.lock.Lock()
		delete(d.pending, correlationId)
		d.lock.Unlock()
	}()

	payload := messaging.InferenceTaskPayload{Request: toInferRequest(req)}
	if err := d.publisher.PublishInferenceTask(ctx, payload, d.replies.Queue(), correlationId); err != nil {
		return nil, types.NewInferenceFailed(req.Index, fmt.Errorf("error publishing inference task: %w", err))
	}

	select {
	case reply := <-waiter:
		if reply.Error != "" {
			cause := errors.New(reply.Error)
			if reply.InvalidRequest {
				cause = fmt.Errorf("%w: %w", types.ErrInvalidRequest, cause)
			}
			return nil, types.NewInferenceFailed(req.Index, cause)
		}
		return reply.Image, nil
	case <-ctx.Done():
		return nil, types.NewInferenceFailed(req.Index, fmt.Errorf("waiting for inference reply: %w", ctx.Err()))
	}
}

func (d *QueueDispatcher) Close() {
	d.once.Do(func() {
		close(d.stop)
	})
}
