package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func connectToRabbitMQ(url string) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < MaxConnectRetry; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			slog.Info("connected to rabbitmq")
			return conn, nil
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", i+1, "max_attempts", MaxConnectRetry, "error", err)
		time.Sleep(RetryDelay)
	}
	slog.Error("failed to connect to rabbitmq", "attempts", MaxConnectRetry, "error", err)
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", MaxConnectRetry, err)
}

func declareInferenceQueue(channel *amqp.Channel) (amqp.Queue, error) {
	return channel.QueueDeclare(InferenceQueue, true, false, false, false, nil)
}

// declareReplyQueue declares a server named queue that is deleted with the
// connection that owns it.
func declareReplyQueue(channel *amqp.Channel) (amqp.Queue, error) {
	return channel.QueueDeclare("", false, true, true, false, nil)
}

type RabbitMQPublisher struct {
	connLock   sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	url        string
	destructor sync.Once
}

func NewRabbitMQPublisher(rabbitMQURL string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: rabbitMQURL}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQPublisher) connect() error {
	var err error
	p.conn, err = connectToRabbitMQ(p.url)
	if err != nil {
		return err
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		p.conn.Close()
		slog.Error("failed to open rabbitmq channel", "error", err)
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if _, err := declareInferenceQueue(p.channel); err != nil {
		p.conn.Close()
		return fmt.Errorf("failed to declare rabbitmq queue %s: %w", InferenceQueue, err)
	}

	slog.Info("rabbitmq channel opened and queues declared")

	go p.handleReconnect()

	return nil
}

func (p *RabbitMQPublisher) handleReconnect() {
	notifyClose := make(chan *amqp.Error)
	p.channel.NotifyClose(notifyClose)

	err, ok := <-notifyClose
	if !ok {
		slog.Info("rabbitmq connection closed", "error", err)
		return
	}

	slog.Warn("rabbit connection closed, attempting to reconnect", "error", err)

	p.connLock.Lock()
	defer p.connLock.Unlock()

	p.channel = nil
	p.conn = nil
	for {
		if p.connect() == nil {
			slog.Info("successfully reconnected to rabbitmq.")
			return
		}
		time.Sleep(RetryDelay * 10)
	}
}

func (p *RabbitMQPublisher) publishInternal(ctx context.Context, routingKey string, payload interface{}, msg amqp.Publishing) error {
	p.connLock.RLock()
	defer p.connLock.RUnlock()

	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal payload", "queue", routingKey, "error", err)
		return fmt.Errorf("failed to marshal %s payload: %w", routingKey, err)
	}

	msg.ContentType = "application/json"
	msg.Body = body

	err = p.channel.PublishWithContext(ctx,
		"",         // exchange (default)
		routingKey, // routing key (queue name)
		false,      // mandatory
		false,      // immediate
		msg)

	if err != nil {
		slog.Error("failed to publish message, potential connection issue", "queue", routingKey, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}

	return nil
}

func (p *RabbitMQPublisher) PublishInferenceTask(ctx context.Context, payload InferenceTaskPayload, replyTo, correlationId string) error {
	return p.publishInternal(ctx, InferenceQueue, payload, amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ReplyTo:       replyTo,
		CorrelationId: correlationId,
	})
}

// PublishInferenceReply sends a reply straight to the requester's private queue.
// Replies are transient: the queue disappears with the requester.
func (p *RabbitMQPublisher) PublishInferenceReply(ctx context.Context, replyTo, correlationId string, payload InferenceReplyPayload) error {
	return p.publishInternal(ctx, replyTo, payload, amqp.Publishing{
		DeliveryMode:  amqp.Transient,
		CorrelationId: correlationId,
	})
}

func (p *RabbitMQPublisher) Close() {
	p.destructor.Do(func() {
		p.connLock.RLock()
		defer p.connLock.RUnlock()

		if p.conn == nil {
			return
		}
		if err := p.conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	})
}

type RabbitMQTask struct {
	d amqp.Delivery
}

func (t *RabbitMQTask) Type() string {
	return t.d.RoutingKey
}

func (t *RabbitMQTask) Payload() []byte {
	return t.d.Body
}

func (t *RabbitMQTask) ReplyTo() string {
	return t.d.ReplyTo
}

func (t *RabbitMQTask) CorrelationId() string {
	return t.d.CorrelationId
}

func (t *RabbitMQTask) Ack() error {
	return t.d.Ack(false)
}

// Nack drops the message. Inference is not retried by the broker, the batch
// owner decides whether to resubmit.
func (t *RabbitMQTask) Nack() error {
	return t.d.Nack(false, false)
}

func (t *RabbitMQTask) Reject() error {
	return t.d.Reject(false)
}

type RabbitMQReceiver struct {
	tasks    chan Task
	url      string
	prefetch int
	declare  func(*amqp.Channel) (amqp.Queue, error)

	queueLock sync.RWMutex
	queue     string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRabbitMQReceiver consumes the inference queue with at most prefetch
// unacknowledged tasks in flight.
func NewRabbitMQReceiver(rabbitMQURL string, prefetch int) (*RabbitMQReceiver, error) {
	return newRabbitMQReceiver(rabbitMQURL, prefetch, declareInferenceQueue)
}

// NewRabbitMQReplyReceiver consumes a private reply queue. The queue name
// changes after a reconnect, so Queue must be read for every request.
func NewRabbitMQReplyReceiver(rabbitMQURL string) (*RabbitMQReceiver, error) {
	return newRabbitMQReceiver(rabbitMQURL, 0, declareReplyQueue)
}

func newRabbitMQReceiver(rabbitMQURL string, prefetch int, declare func(*amqp.Channel) (amqp.Queue, error)) (*RabbitMQReceiver, error) {
	c := &RabbitMQReceiver{
		tasks:    make(chan Task),
		url:      rabbitMQURL,
		prefetch: prefetch,
		declare:  declare,
		stop:     make(chan struct{}),
	}

	if err := c.receiveTasks(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RabbitMQReceiver) consume(msgs <-chan amqp.Delivery) {
	for d := range msgs {
		select {
		case c.tasks <- &RabbitMQTask{d: d}:
		case <-c.stop:
			return
		}
	}
}

func (c *RabbitMQReceiver) receiveTasks() error {
	conn, err := connectToRabbitMQ(c.url)
	if err != nil {
		return err
	}
	channel, err := conn.Channel()
	if err != nil {
		slog.Error("failed to open rabbitmq channel", "error", err)
		conn.Close()
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if c.prefetch > 0 {
		if err := channel.Qos(c.prefetch, 0, false); err != nil {
			slog.Error("failed to set channel qos", "error", err)
			conn.Close()
			return fmt.Errorf("failed to set channel qos: %w", err)
		}
	}

	queue, err := c.declare(channel)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare rabbitmq queue: %w", err)
	}

	msgs, err := channel.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		slog.Error("failed to consume from rabbitmq queue", "queue", queue.Name, "error", err)
		conn.Close()
		return fmt.Errorf("failed to consume from rabbitmq queue %s: %w", queue.Name, err)
	}

	c.queueLock.Lock()
	c.queue = queue.Name
	c.queueLock.Unlock()

	go c.consume(msgs)

	go c.handleReconnect(conn, channel)

	return nil
}

func (c *RabbitMQReceiver) handleReconnect(conn *amqp.Connection, channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error)
	channel.NotifyClose(notifyClose)

	select {
	case err, ok := <-notifyClose:
		if !ok {
			slog.Info("rabbitmq connection closed", "error", err)
			return
		}

		slog.Warn("rabbit connection closed, attempting to reconnect", "error", err)

		for {
			select {
			case <-c.stop:
				return
			default:
			}
			if c.receiveTasks() == nil {
				slog.Info("successfully restarted rabbitmq consumer")
				return
			}
			time.Sleep(RetryDelay * 10)
		}
	case <-c.stop:
		slog.Info("stopping rabbitmq consumer")
		if err := conn.Close(); err != nil {
			slog.Error("error closing rabbitmq conn", "error", err)
		}
		return
	}
}

func (c *RabbitMQReceiver) Queue() string {
	c.queueLock.RLock()
	defer c.queueLock.RUnlock()
	return c.queue
}

func (c *RabbitMQReceiver) Tasks() <-chan Task {
	return c.tasks
}

func (c *RabbitMQReceiver) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}
