// Package pubsub implements scrape.Queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	gpubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/scrape"
)

// ErrClosed is returned by Dequeue after Close or once the receive loop ends.
var ErrClosed = scrape.ErrQueueClosed

// Queue publishes tasks to a topic and pulls them from a subscription.
type Queue struct {
	topic  *gpubsub.Topic
	sub    *gpubsub.Subscription
	logger *zap.Logger

	deliveries chan scrape.QueueItem
	startOnce  sync.Once
	closeOnce  sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
	recvErr    error
}

var _ scrape.Queue = (*Queue)(nil)

// New wires a Queue to an existing topic and subscription. maxOutstanding bounds
// how many messages the client leases ahead of Dequeue.
func New(topic *gpubsub.Topic, sub *gpubsub.Subscription, maxOutstanding int, logger *zap.Logger) (*Queue, error) {
	if topic == nil || sub == nil {
		return nil, fmt.Errorf("topic and subscription are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxOutstanding <= 0 {
		maxOutstanding = 1
	}
	sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	return &Queue{
		topic:      topic,
		sub:        sub,
		logger:     logger,
		deliveries: make(chan scrape.QueueItem),
		done:       make(chan struct{}),
	}, nil
}

// Enqueue publishes the item and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	res := q.topic.Publish(ctx, &gpubsub.Message{
		Data:       data,
		Attributes: map[string]string{"task_id": item.TaskID},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish task %s: %w", item.TaskID, err)
	}
	return nil
}

// Dequeue blocks until a task arrives. The message is acked once a caller
// takes it and nacked if no caller is waiting when the lease is abandoned.
func (q *Queue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	q.startOnce.Do(q.startReceiving)
	select {
	case <-ctx.Done():
		return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.deliveries:
		return item, nil
	case <-q.done:
		if q.recvErr != nil {
			return scrape.QueueItem{}, fmt.Errorf("%w: %w", ErrClosed, q.recvErr)
		}
		return scrape.QueueItem{}, ErrClosed
	}
}

func (q *Queue) startReceiving() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go func() {
		defer close(q.done)
		err := q.sub.Receive(ctx, q.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
			q.recvErr = err
		}
	}()
}

func (q *Queue) handle(ctx context.Context, msg *gpubsub.Message) {
	var item scrape.QueueItem
	if err := json.Unmarshal(msg.Data, &item); err != nil || item.TaskID == "" {
		q.logger.Warn("dropping malformed queue message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		msg.Ack()
		return
	}
	select {
	case q.deliveries <- item:
		msg.Ack()
	case <-ctx.Done():
		msg.Nack()
	}
}

// Close stops the receive loop and flushes pending publishes.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.startOnce.Do(func() { close(q.done) })
		if q.cancel != nil {
			q.cancel()
		}
		<-q.done
		q.topic.Stop()
	})
	return nil
}
