package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the direct exchange tasks are published to.
const DefaultExchange = "lokitd"

// maxPriority is the x-max-priority of both queues.
const maxPriority = 9

// Dial connects to the broker.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp connection failed: %w", err)
	}
	return conn, nil
}

// declareTopology declares the exchange and both queues and binds each
// queue under its own name.
func declareTopology(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(
		exchange,
		"direct",
		true, // durable
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	for _, q := range Queues {
		if _, err := ch.QueueDeclare(
			q,
			true,
			false,
			false,
			false,
			amqp.Table{"x-max-priority": int32(maxPriority)},
		); err != nil {
			return fmt.Errorf("declaring queue %s: %w", q, err)
		}
		if err := ch.QueueBind(q, q, exchange, false, nil); err != nil {
			return fmt.Errorf("binding queue %s: %w", q, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Publisher
// ---------------------------------------------------------------------------

// Publisher publishes tasks to the broker.
type Publisher struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
}

// NewPublisher opens a channel on conn and declares the topology.
func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := declareTopology(ch, exchange); err != nil {
		ch.Close()
		return nil, err
	}
	return &Publisher{channel: ch, exchange: exchange}, nil
}

// Dispatch publishes t as a persistent message routed by its queue.
func (p *Publisher) Dispatch(ctx context.Context, t Task) error {
	if t.Queue == "" {
		t.Queue = QueueFor(t.Priority, DefaultThreshold)
	}
	body, err := t.Encode()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		t.Queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     uint8(min(max(t.Priority, 0), maxPriority)),
			MessageId:    t.JobID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Close closes the channel.
func (p *Publisher) Close() error {
	return p.channel.Close()
}

// ---------------------------------------------------------------------------
// Consumer
// ---------------------------------------------------------------------------

// Consumer runs a Handler for every task on both queues.
type Consumer struct {
	channel     *amqp.Channel
	handler     Handler
	concurrency int

	OnLog   func(format string, args ...any)
	OnError func(format string, args ...any)
}

// NewConsumer opens a channel, declares the topology and sets the prefetch
// count to concurrency.
func NewConsumer(conn *amqp.Connection, exchange string, concurrency int, h Handler) (*Consumer, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := declareTopology(ch, exchange); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		ch.Close()
		return nil, err
	}
	return &Consumer{channel: ch, handler: h, concurrency: concurrency}, nil
}

func (c *Consumer) log(format string, args ...any) {
	if c.OnLog != nil {
		c.OnLog(format, args...)
	}
}

func (c *Consumer) logError(format string, args ...any) {
	if c.OnError != nil {
		c.OnError(format, args...)
	}
}

// Start consumes until ctx is done or the channel closes, then waits for
// in-flight handlers.
func (c *Consumer) Start(ctx context.Context) error {
	merged := make(chan amqp.Delivery)
	var feeders sync.WaitGroup
	for _, q := range Queues {
		msgs, err := c.channel.Consume(
			q,
			"",
			false, // manual ack
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("consuming %s: %w", q, err)
		}
		feeders.Add(1)
		go func() {
			defer feeders.Done()
			for msg := range msgs {
				select {
				case merged <- msg:
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					return
				}
			}
		}()
	}
	closed := make(chan struct{})
	go func() {
		feeders.Wait()
		close(closed)
	}()

	sem := make(chan struct{}, c.concurrency)
	var running sync.WaitGroup
	defer running.Wait()

	for {
		select {
		case <-ctx.Done():
			c.log("consumer shutting down")
			return nil
		case <-closed:
			return errors.New("amqp channel closed")
		case msg := <-merged:
			task, err := DecodeTask(msg.Body)
			if err != nil {
				c.logError("dropping message %s: %v", msg.MessageId, err)
				_ = msg.Nack(false, false)
				continue
			}

			sem <- struct{}{}
			running.Add(1)
			go func(task Task, msg amqp.Delivery) {
				defer func() {
					<-sem
					running.Done()
				}()
				if err := c.handler(ctx, task); err != nil {
					c.logError("job %s failed, requeueing: %v", task.JobID, err)
					_ = msg.Nack(false, true)
					return
				}
				_ = msg.Ack(false)
			}(task, msg)
		}
	}
}

// Close closes the channel.
func (c *Consumer) Close() error {
	return c.channel.Close()
}
