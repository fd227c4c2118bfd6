package core

import (
	"context"
	"diffuser-backend/internal/messaging"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTask struct {
	taskType string
	payload  []byte
	replyTo  string

	acked, nacked, rejected bool
}

func (t *stubTask) Type() string { return t.taskType }
func (t *stubTask) Payload() []byte { return t.payload }
func (t *stubTask) ReplyTo() string { return t.replyTo }
func (t *stubTask) CorrelationId() string { return "corr" }

func (t *stubTask) Ack() error {
	t.acked = true
	return nil
}

func (t *stubTask) Nack() error {
	t.nacked = true
	return nil
}

func (t *stubTask) Reject() error {
	t.rejected = true
	return nil
}

type stubPublisher struct {
	messaging.Publisher
	replies []messaging.InferenceReplyPayload
	err     error
}

func (p *stubPublisher) PublishInferenceReply(ctx context.Context, replyTo, correlationId string, payload messaging.InferenceReplyPayload) error {
	if p.err != nil {
		return p.err
	}
	p.replies = append(p.replies, payload)
	return nil
}

func (p *stubPublisher) Close() {}

type stubReciever struct {
	tasks chan messaging.Task
}

func (r *stubReciever) Tasks() <-chan messaging.Task { return r.tasks }
func (r *stubReciever) Close() {}

func inferenceTask(t *testing.T, index int, steps int) *stubTask {
	req := toInferRequest(testRequest(index, "a cat", 10))
	req.Steps = steps
	payload, err := json.Marshal(messaging.InferenceTaskPayload{Request: req})
	require.NoError(t, err)
	return &stubTask{taskType: messaging.InferenceQueue, payload: payload, replyTo: "reply-queue"}
}

func TestProcessTaskReplies(t *testing.T) {
	publisher := &stubPublisher{}
	proc := NewTaskProcessor(newProceduralWorker(t, 1), publisher, nil)

	task := inferenceTask(t, 3, 4)
	proc.ProcessTask(context.Background(), task)

	assert.True(t, task.acked)
	require.Len(t, publisher.replies, 1)
	assert.Equal(t, 3, publisher.replies[0].Index)
	assert.NotEmpty(t, publisher.replies[0].Image)
	assert.Empty(t, publisher.replies[0].Error)
}

func TestProcessTaskRepliesWithError(t *testing.T) {
	publisher := &stubPublisher{}
	proc := NewTaskProcessor(newProceduralWorker(t, 1), publisher, nil)

	task := inferenceTask(t, 1, 0)
	proc.ProcessTask(context.Background(), task)

	assert.True(t, task.acked)
	require.Len(t, publisher.replies, 1)
	assert.True(t, publisher.replies[0].InvalidRequest)
	assert.NotEmpty(t, publisher.replies[0].Error)
	assert.Empty(t, publisher.replies[0].Image)
}

func TestProcessTaskRejectsMalformed(t *testing.T) {
	publisher := &stubPublisher{}
	proc := NewTaskProcessor(newProceduralWorker(t, 1), publisher, nil)

	malformed := &stubTask{taskType: messaging.InferenceQueue, payload: []byte("{"), replyTo: "reply-queue"}
	proc.ProcessTask(context.Background(), malformed)
	assert.True(t, malformed.rejected)

	unknown := &stubTask{taskType: "finetune_queue", payload: []byte("{}")}
	proc.ProcessTask(context.Background(), unknown)
	assert.True(t, unknown.rejected)

	noReply := inferenceTask(t, 0, 4)
	noReply.replyTo = ""
	proc.ProcessTask(context.Background(), noReply)
	assert.True(t, noReply.rejected)

	assert.Empty(t, publisher.replies)
}

func TestProcessTaskNacksWhenReplyFails(t *testing.T) {
	publisher := &stubPublisher{err: errors.New("channel closed")}
	proc := NewTaskProcessor(newProceduralWorker(t, 1), publisher, nil)

	task := inferenceTask(t, 0, 4)
	proc.ProcessTask(context.Background(), task)

	assert.True(t, task.nacked)
	assert.False(t, task.acked)
}

func TestTaskProcessorDrainsInFlightTasks(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	pair := newStubPair(t, func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	worker := NewInferenceWorker(pair, 1, time.Minute)
	t.Cleanup(worker.Release)

	publisher := &stubPublisher{}
	reciever := &stubReciever{tasks: make(chan messaging.Task)}
	proc := NewTaskProcessor(worker, publisher, reciever)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		proc.Start(ctx)
	}()

	task := inferenceTask(t, 2, 4)
	reciever.tasks <- task

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not start")
	}

	// Shutdown signal arrives while the task is still denoising.
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop taking tasks")
	}

	close(release)
	proc.Stop()

	assert.True(t, task.acked)
	assert.False(t, task.nacked)
	require.Len(t, publisher.replies, 1)
	assert.Equal(t, 2, publisher.replies[0].Index)
	assert.Empty(t, publisher.replies[0].Error)
	assert.NotEmpty(t, publisher.replies[0].Image)
}
