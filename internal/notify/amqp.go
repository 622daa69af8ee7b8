package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeType = "topic"
	// RoutingKey is used for every provisioning notice.
	RoutingKey = "provision.finished"
)

// AMQPDispatcher publishes notifications to a RabbitMQ topic exchange.
type AMQPDispatcher struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPDispatcher connects to url and declares the exchange.
func NewAMQPDispatcher(url, exchange string) (*AMQPDispatcher, error) {
	d := &AMQPDispatcher{url: url, exchange: exchange}
	if err := d.connect(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *AMQPDispatcher) connect() error {
	conn, err := amqp.Dial(d.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		d.exchange,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	d.conn, d.channel = conn, ch
	return nil
}

// Notify publishes n as a persistent JSON message, reconnecting once if the
// previous connection was lost.
func (d *AMQPDispatcher) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil || d.conn.IsClosed() {
		if err := d.connect(); err != nil {
			return err
		}
	}

	err = d.channel.PublishWithContext(ctx,
		d.exchange,
		RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    n.JobID,
			Timestamp:    n.Timestamp,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	log.Printf("[notify] Published %s for job %s", RoutingKey, n.JobID)
	return nil
}

// Close releases the broker connection.
func (d *AMQPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channel != nil {
		d.channel.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
