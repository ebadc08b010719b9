// services/tracking/internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/fleetops/services/tracking/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// PushHandler processes one raw GPS event payload from the push channel.
type PushHandler func(ctx context.Context, topic string, payload []byte) error

// PushSubscriber consumes the live GPS event stream over MQTT and hands
// each event to the registered handler. Events carry the same record
// shape and identity key as the polling path.
type PushSubscriber struct {
	config    config.MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handler   PushHandler
	mu        sync.RWMutex
	connected bool
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// NewPushSubscriber creates a new push channel subscriber.
func NewPushSubscriber(cfg config.MQTTConfig, handler PushHandler, logger *logrus.Logger) (*PushSubscriber, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("push handler is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("tracking-service-%d", time.Now().UnixNano())
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{"fleet/+/gps"}
	}

	return &PushSubscriber{
		config:   cfg,
		logger:   logger,
		handler:  handler,
		shutdown: make(chan struct{}),
	}, nil
}

// Start connects to the broker and subscribes to the GPS topics.
func (s *PushSubscriber) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.BrokerURL)
	opts.SetClientID(s.config.ClientID)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	opts.SetCleanSession(s.config.CleanSession)
	opts.SetKeepAlive(s.config.KeepAlive)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.config.MaxReconnectDelay)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetDefaultPublishHandler(s.messageHandler)

	s.client = mqtt.NewClient(opts)

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.logger.Info("Push channel subscriber started")
	return nil
}

// Stop gracefully shuts down the subscriber.
func (s *PushSubscriber) Stop() {
	close(s.shutdown)

	if s.client != nil && s.client.IsConnected() {
		for _, topic := range s.config.Topics {
			if token := s.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				s.logger.WithError(token.Error()).WithField("topic", topic).
					Error("Failed to unsubscribe from topic")
			}
		}
		s.client.Disconnect(250)
	}

	s.wg.Wait()
	s.logger.Info("Push channel subscriber stopped")
}

// IsConnected returns the connection status.
func (s *PushSubscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *PushSubscriber) onConnect(client mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("Connected to MQTT broker")

	for _, topic := range s.config.Topics {
		if token := client.Subscribe(topic, s.config.QoS, nil); token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to subscribe to topic")
		} else {
			s.logger.WithField("topic", topic).Info("Subscribed to topic")
		}
	}
}

func (s *PushSubscriber) onConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (s *PushSubscriber) messageHandler(client mqtt.Client, msg mqtt.Message) {
	select {
	case <-s.shutdown:
		return
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processMessage(msg)
	}()
}

func (s *PushSubscriber) processMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	s.logger.WithFields(logrus.Fields{
		"topic": topic,
		"size":  len(payload),
	}).Debug("Received push event")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.handler(ctx, topic, payload); err != nil {
		// A bad event degrades to a log line; the polling path will
		// reconcile on the next cycle.
		s.logger.WithError(err).WithField("topic", topic).
			Warn("Failed to apply push event")
	}
}
