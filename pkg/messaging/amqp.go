package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"callcoach-server/pkg/config"
	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/metrics"
	"callcoach-server/pkg/session"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const (
	dialTimeout       = 5 * time.Second
	heartbeatInterval = 10 * time.Second
	maxReconnects     = 10

	// Suggestions are only useful while the call is live
	messageExpiration = "600000"
)

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL          string
	QueueName    string
	ExchangeName string
	RoutingKey   string
	Durable      bool
	AutoDelete   bool
}

// ConfigFrom converts the loaded messaging settings
func ConfigFrom(c config.MessagingConfig) AMQPConfig {
	return AMQPConfig{
		URL:          c.AMQPURL,
		QueueName:    c.QueueName,
		ExchangeName: c.ExchangeName,
		RoutingKey:   c.RoutingKey,
		Durable:      c.Durable,
	}
}

// amqpChannel is the subset of *amqp.Channel the client publishes through
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPClient publishes session events to a queue for downstream consumers.
// It implements session.Sink.
type AMQPClient struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   amqpChannel
	connected bool
	closing   bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewAMQPClient creates a new AMQP client
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}

	return &AMQPClient{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes a connection to the AMQP server and declares the queue
func (c *AMQPClient) Connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}
	if c.config.URL == "" || c.config.QueueName == "" {
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	conn, err := amqp.DialConfig(c.config.URL, amqp.Config{
		Dial:      amqp.DefaultDial(dialTimeout),
		Heartbeat: heartbeatInterval,
	})
	if err != nil {
		metrics.SetAMQPConnectionStatus(false)
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if err := c.declare(channel); err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	c.conn = conn
	c.channel = channel
	c.connected = true
	c.closing = false
	c.stopChan = make(chan struct{})
	metrics.SetAMQPConnectionStatus(true)

	c.logger.WithFields(logrus.Fields{
		"queue":    c.config.QueueName,
		"exchange": c.config.ExchangeName,
	}).Info("Connected to AMQP server")

	go c.monitorConnection(conn, c.stopChan)
	return nil
}

func (c *AMQPClient) declare(channel *amqp.Channel) error {
	_, err := channel.QueueDeclare(
		c.config.QueueName,
		c.config.Durable,
		c.config.AutoDelete,
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare AMQP queue: %w", err)
	}

	if c.config.ExchangeName == "" {
		return nil
	}

	if err := channel.ExchangeDeclare(
		c.config.ExchangeName,
		amqp.ExchangeDirect,
		c.config.Durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare AMQP exchange: %w", err)
	}

	if err := channel.QueueBind(c.config.QueueName, c.config.RoutingKey, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind AMQP queue: %w", err)
	}
	return nil
}

// Disconnect closes the AMQP connection
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	c.closing = true
	if !c.connected {
		return
	}

	close(c.stopChan)
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.connected = false
	metrics.SetAMQPConnectionStatus(false)
	c.logger.Info("Disconnected from AMQP server")
}

// Shutdown disconnects; it matches the graceful shutdown hook signature
func (c *AMQPClient) Shutdown(ctx context.Context) error {
	c.Disconnect()
	return nil
}

// IsConnected returns the connection status
func (c *AMQPClient) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// Name implements session.Sink
func (c *AMQPClient) Name() string {
	return "amqp"
}

// Publish implements session.Sink, sending the event as a persistent JSON message
func (c *AMQPClient) Publish(ctx context.Context, event session.Event) error {
	if !c.IsConnected() {
		metrics.RecordAMQPPublish(c.config.QueueName, "not_connected")
		return errors.Wrap(errors.ErrUnavailable, "not connected to AMQP server")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
		Type:         string(event.Type),
		Expiration:   messageExpiration,
		Headers: amqp.Table{
			"x-session-id": event.SessionID,
			"x-call-id":    event.CallID,
		},
	}

	result := make(chan error, 1)
	go func() {
		c.connMutex.RLock()
		defer c.connMutex.RUnlock()

		if !c.connected || c.channel == nil {
			result <- errors.Wrap(errors.ErrUnavailable, "lost AMQP connection before publishing")
			return
		}
		result <- c.channel.Publish(c.config.ExchangeName, c.config.RoutingKey, false, false, msg)
	}()

	select {
	case err := <-result:
		if err != nil {
			metrics.RecordAMQPPublish(c.config.QueueName, "error")
			return fmt.Errorf("failed to publish %s event to AMQP: %w", event.Type, err)
		}
	case <-ctx.Done():
		metrics.RecordAMQPPublish(c.config.QueueName, "timeout")
		return fmt.Errorf("publishing to AMQP: %w", ctx.Err())
	}

	metrics.RecordAMQPPublish(c.config.QueueName, "success")
	c.logger.WithFields(logrus.Fields{
		"session_id": event.SessionID,
		"event":      event.Type,
	}).Debug("Published session event to AMQP")
	return nil
}

// monitorConnection reconnects with backoff when the server drops the connection
func (c *AMQPClient) monitorConnection(conn *amqp.Connection, stop chan struct{}) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-stop:
		return
	case closeErr := <-closeChan:
		c.connMutex.Lock()
		if c.closing {
			c.connMutex.Unlock()
			return
		}
		c.connected = false
		c.connMutex.Unlock()
		metrics.SetAMQPConnectionStatus(false)

		c.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")

		for attempt := 1; attempt <= maxReconnects; attempt++ {
			err := c.Connect()
			if err == nil {
				c.logger.WithField("attempt", attempt).Info("Reconnected to AMQP server")
				return
			}
			c.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")

			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			select {
			case <-time.After(backoff):
			case <-stop:
				return
			}

			c.connMutex.RLock()
			closing := c.closing
			c.connMutex.RUnlock()
			if closing {
				return
			}
		}
		c.logger.Error("Giving up reconnecting to AMQP server")
	}
}
