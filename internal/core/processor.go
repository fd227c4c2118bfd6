package core

import (
	"context"
	"diffuser-backend/internal/core/types"
	"diffuser-backend/internal/messaging"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

// TaskProcessor serves inference tasks from the queue on a local worker and
// publishes each result to the reply queue named by the task.
type TaskProcessor struct {
	worker    *InferenceWorker
	publisher messaging.Publisher
	reciever  messaging.Reciever

	slots chan struct{}
	wg    sync.WaitGroup
}

func NewTaskProcessor(worker *InferenceWorker, publisher messaging.Publisher, reciever messaging.Reciever) *TaskProcessor {
	return &TaskProcessor{
		worker:    worker,
		publisher: publisher,
		reciever:  reciever,
		slots:     make(chan struct{}, worker.Capacity()),
	}
}

// Start consumes tasks until ctx is cancelled. Cancelling ctx only stops
// intake: tasks already taken run to completion, bounded by the worker's
// inference timeout, so that their replies are published and acked. Stop
// waits for them.
func (proc *TaskProcessor) Start(ctx context.Context) {
	slog.Info("starting task processor", "capacity", cap(proc.slots))

	taskCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case proc.slots <- struct{}{}:
		}

		select {
		case <-ctx.Done():
			<-proc.slots
			return
		case task := <-proc.reciever.Tasks():
			proc.wg.Add(1)
			go func() {
				defer proc.wg.Done()
				defer func() { <-proc.slots }()
				proc.ProcessTask(taskCtx, task)
			}()
		}
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.reciever.Close()
	proc.wg.Wait()
	proc.publisher.Close()
}

func (proc *TaskProcessor) ProcessTask(ctx context.Context, task messaging.Task) {
	if task.Type() != messaging.InferenceQueue {
		slog.Error("received task of unknown type", "type", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	var payload messaging.InferenceTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("error unmarshalling inference task", "error", err)
		if err := task.Reject(); err != nil { // Discard malformed message
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if task.ReplyTo() == "" {
		slog.Error("inference task has no reply queue", "correlation_id", task.CorrelationId())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	req := payload.Request
	reply := messaging.InferenceReplyPayload{Index: req.Index}

	img, err := proc.worker.Infer(ctx, types.PromptRequest{
		Index:         req.Index,
		Text:          req.Text,
		NegativeText:  req.NegativeText,
		Seed:          req.Seed,
		Steps:         req.Steps,
		SplitFraction: req.SplitFraction,
	})
	if err != nil {
		reply.Error = err.Error()
		reply.InvalidRequest = errors.Is(err, types.ErrInvalidRequest)
	} else {
		reply.Image = img
	}

	if err := proc.publisher.PublishInferenceReply(ctx, task.ReplyTo(), task.CorrelationId(), reply); err != nil {
		slog.Error("error publishing inference reply", "index", req.Index, "correlation_id", task.CorrelationId(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error nacking message from queue", "error", err)
		}
		return
	}

	if err := task.Ack(); err != nil {
		slog.Error("error acking message from queue", "error", err)
	}
}
