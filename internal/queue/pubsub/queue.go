// Package pubsub implements the external task queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/telemetry"
)

// Config names the topic tasks are published to and the subscription
// workers pull from. Subscription may be empty in publish-only processes.
type Config struct {
	Topic          string
	Subscription   string
	MaxOutstanding int
}

// Queue publishes tasks as JSON messages and hands received messages to
// Dequeue callers one at a time. Messages are acknowledged once a caller
// has taken them; redelivery after a crash is absorbed by the job store
// claim.
type Queue struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	deliveries chan geoexport.Task
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	lastErr error
}

// New creates a Queue using an existing client.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		topic:      client.Topic(cfg.Topic),
		deliveries: make(chan geoexport.Task),
		logger:     logger,
	}
	if cfg.Subscription != "" {
		q.sub = client.Subscription(cfg.Subscription)
		if cfg.MaxOutstanding > 0 {
			q.sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
		}
		q.sub.ReceiveSettings.NumGoroutines = 1
	}
	return q, nil
}

// Enqueue publishes a task and waits for the server to accept it. The
// task's trace context is also set as message attributes.
func (q *Queue) Enqueue(ctx context.Context, task geoexport.Task) error {
	ctx, span := telemetry.Tracer().Start(telemetry.Extract(ctx, task.TraceContext), "pubsub.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("job.id", task.JobID)),
	)
	defer span.End()

	task.TraceContext = telemetry.Inject(ctx)
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	attrs := map[string]string{"job_id": task.JobID}
	for k, v := range task.TraceContext {
		attrs[k] = v
	}
	msg := &pubsub.Message{Data: data, Attributes: attrs}

	if _, err := q.topic.Publish(ctx, msg).Get(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		return fmt.Errorf("publish task %s: %w", task.JobID, err)
	}
	return nil
}

// Dequeue returns the next received task. The first call starts a
// streaming pull bound to ctx.
func (q *Queue) Dequeue(ctx context.Context) (geoexport.Task, error) {
	if q.sub == nil {
		return geoexport.Task{}, errors.New("pubsub subscription is not configured")
	}
	done := q.ensureReceiving(ctx)
	select {
	case <-ctx.Done():
		return geoexport.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task := <-q.deliveries:
		return task, nil
	case <-done:
		q.mu.Lock()
		err := q.lastErr
		q.mu.Unlock()
		if err == nil {
			err = errors.New("pubsub receiver stopped")
		}
		return geoexport.Task{}, fmt.Errorf("receive: %w", err)
	}
}

// Stop flushes pending publishes.
func (q *Queue) Stop() {
	q.topic.Stop()
}

func (q *Queue) ensureReceiving(ctx context.Context) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return q.done
	}
	q.running = true
	q.done = make(chan struct{})
	go func(done chan struct{}) {
		err := q.sub.Receive(ctx, q.handle)
		q.mu.Lock()
		q.running = false
		q.lastErr = err
		q.mu.Unlock()
		close(done)
	}(q.done)
	return q.done
}

func (q *Queue) handle(ctx context.Context, msg *pubsub.Message) {
	var task geoexport.Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		q.logger.Error("dropping undecodable task message", zap.String("message_id", msg.ID), zap.Error(err))
		msg.Ack()
		return
	}
	spanCtx, span := telemetry.Tracer().Start(telemetry.Extract(ctx, msg.Attributes), "pubsub.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("job.id", task.JobID), attribute.String("messaging.message.id", msg.ID)),
	)
	defer span.End()
	if tc := telemetry.Inject(spanCtx); tc != nil {
		task.TraceContext = tc
	}

	select {
	case q.deliveries <- task:
		msg.Ack()
	case <-ctx.Done():
		span.SetStatus(codes.Error, "receiver stopped before hand-off")
		msg.Nack()
	}
}
