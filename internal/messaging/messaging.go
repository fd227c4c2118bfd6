package messaging

import (
	"context"
	"diffuser-backend/pkg/api"
	"time"
)

const (
	InferenceQueue  = "sdxl_inference_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	// ReplyTo names the queue the result of the task is published to, and
	// CorrelationId identifies the task to its publisher.
	ReplyTo() string

	CorrelationId() string

	Ack() error

	Nack() error

	Reject() error
}

type InferenceTaskPayload struct {
	Request api.InferRequest
}

type InferenceReplyPayload struct {
	Index int
	Image []byte `json:"Image,omitempty"`

	Error          string `json:"Error,omitempty"`
	InvalidRequest bool   `json:"InvalidRequest,omitempty"`
}

type Publisher interface {
	PublishInferenceTask(ctx context.Context, payload InferenceTaskPayload, replyTo, correlationId string) error

	PublishInferenceReply(ctx context.Context, replyTo, correlationId string, payload InferenceReplyPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}

// ReplyReciever is a Reciever bound to a private queue that replies can be
// addressed to.
type ReplyReciever interface {
	Reciever

	Queue() string
}
