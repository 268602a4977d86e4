// Package mqtt bridges a remote gateway into the ingestion pipeline: the
// gateway sits next to the wearable, relays every characteristic
// notification as a JSON envelope, and this subscriber replays them through
// the same hooks the local BLE central uses.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"vitaltrace/internal/ble"
	"vitaltrace/internal/config"
)

// Envelope is one relayed event. Payload is base64 on the wire (encoding/json
// default for byte slices).
type Envelope struct {
	Event              string    `json:"event"` // "notification", "connected", "disconnected"
	PeripheralID       string    `json:"peripheral_id"`
	ServiceUUID        string    `json:"service_uuid,omitempty"`
	CharacteristicUUID string    `json:"characteristic_uuid,omitempty"`
	Payload            []byte    `json:"payload,omitempty"`
	ReceivedAt         time.Time `json:"received_at"`
}

const (
	EventNotification = "notification"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

type Subscriber struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	hooks     ble.Hooks
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSubscriber builds the bridge. Hooks must be set before Connect: the
// broker may deliver queued messages right after CONNACK.
func NewSubscriber(cfg config.Config, hooks ble.Hooks, logger *slog.Logger) *Subscriber {
	s := &Subscriber{
		cfg:    cfg,
		logger: logger,
		hooks:  hooks,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Subscribing from the connect handler re-establishes the subscription
	// after broker-side reconnects too; CleanSession drops it on every
	// disconnect.
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		if err := s.subscribe(); err != nil {
			logger.Error("mqtt subscribe failed", "topic", cfg.MQTTTopic, "error", err)
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect establishes the broker connection. The topic subscription is made
// by the connect handler, on the initial connect and every reconnect alike.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return fmt.Errorf("subscriber stopped")
	default:
	}

	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			break
		}

		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return fmt.Errorf("subscriber stopped")
		default:
		}
	}

	return nil
}

func (s *Subscriber) subscribe() error {
	if !s.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	topic := s.cfg.MQTTTopic
	qos := byte(1) // At least once delivery

	messageHandler := func(client mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	}

	token := s.client.Subscribe(topic, qos, messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}

	s.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	s.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.logger.Warn("failed to parse notification envelope",
			"topic", topic,
			"error", err,
		)
		return
	}

	if err := s.dispatch(env); err != nil {
		s.logger.Warn("invalid notification envelope",
			"topic", topic,
			"peripheral", env.PeripheralID,
			"error", err,
		)
	}
}

// dispatch replays one envelope through the transport hooks. A bad envelope
// never stops processing of subsequent messages.
func (s *Subscriber) dispatch(env Envelope) error {
	if env.PeripheralID == "" {
		return fmt.Errorf("peripheral_id is required")
	}

	switch env.Event {
	case EventConnected:
		if s.hooks.OnConnect != nil {
			s.hooks.OnConnect(env.PeripheralID)
		}
	case EventDisconnected:
		if s.hooks.OnDisconnect != nil {
			s.hooks.OnDisconnect(env.PeripheralID)
		}
	case EventNotification:
		if env.CharacteristicUUID == "" {
			return fmt.Errorf("characteristic_uuid is required")
		}
		if len(env.Payload) == 0 {
			return fmt.Errorf("payload is required")
		}
		if s.hooks.OnNotification != nil {
			s.hooks.OnNotification(ble.Notification{
				PeripheralID:       env.PeripheralID,
				ServiceUUID:        env.ServiceUUID,
				CharacteristicUUID: env.CharacteristicUUID,
				Payload:            env.Payload,
			})
		}
	default:
		return fmt.Errorf("unknown event %q", env.Event)
	}
	return nil
}

// IsConnected returns whether the client is connected.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber and closes the MQTT connection.
// Idempotent and safe to call multiple times.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.client != nil && s.IsConnected() {
		token := s.client.Unsubscribe(s.cfg.MQTTTopic)
		token.WaitTimeout(2 * time.Second)
	}

	if s.client != nil {
		s.client.Disconnect(250)
	}

	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
