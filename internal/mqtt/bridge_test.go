package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"vitaltrace/internal/ble"
	"vitaltrace/internal/config"
)

type hookCapture struct {
	connects      []string
	disconnects   []string
	notifications []ble.Notification
}

func (c *hookCapture) hooks() ble.Hooks {
	return ble.Hooks{
		OnConnect:      func(id string) { c.connects = append(c.connects, id) },
		OnDisconnect:   func(id string) { c.disconnects = append(c.disconnects, id) },
		OnNotification: func(n ble.Notification) { c.notifications = append(c.notifications, n) },
	}
}

func testSubscriber(hooks ble.Hooks) *Subscriber {
	return &Subscriber{
		hooks:  hooks,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		stopCh: make(chan struct{}),
	}
}

func TestDispatch_Notification(t *testing.T) {
	cap := &hookCapture{}
	s := testSubscriber(cap.hooks())

	err := s.dispatch(Envelope{
		Event:              EventNotification,
		PeripheralID:       "AA:BB:CC:DD:EE:FF",
		ServiceUUID:        "0000180d-0000-1000-8000-00805f9b34fb",
		CharacteristicUUID: "2a37",
		Payload:            []byte{0x00, 75},
		ReceivedAt:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(cap.notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(cap.notifications))
	}
	n := cap.notifications[0]
	if n.PeripheralID != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("PeripheralID = %q", n.PeripheralID)
	}
	if n.CharacteristicUUID != "2a37" {
		t.Errorf("CharacteristicUUID = %q", n.CharacteristicUUID)
	}
	if len(n.Payload) != 2 || n.Payload[1] != 75 {
		t.Errorf("Payload = % X", n.Payload)
	}
}

func TestDispatch_ConnectDisconnect(t *testing.T) {
	cap := &hookCapture{}
	s := testSubscriber(cap.hooks())

	if err := s.dispatch(Envelope{Event: EventConnected, PeripheralID: "dev-1"}); err != nil {
		t.Fatalf("dispatch connected: %v", err)
	}
	if err := s.dispatch(Envelope{Event: EventDisconnected, PeripheralID: "dev-1"}); err != nil {
		t.Fatalf("dispatch disconnected: %v", err)
	}
	if len(cap.connects) != 1 || cap.connects[0] != "dev-1" {
		t.Errorf("connects = %v", cap.connects)
	}
	if len(cap.disconnects) != 1 || cap.disconnects[0] != "dev-1" {
		t.Errorf("disconnects = %v", cap.disconnects)
	}
}

func TestDispatch_InvalidEnvelopes(t *testing.T) {
	cap := &hookCapture{}
	s := testSubscriber(cap.hooks())

	cases := []struct {
		name string
		env  Envelope
	}{
		{"missing peripheral", Envelope{Event: EventNotification, CharacteristicUUID: "2a37", Payload: []byte{1}}},
		{"missing characteristic", Envelope{Event: EventNotification, PeripheralID: "dev-1", Payload: []byte{1}}},
		{"empty payload", Envelope{Event: EventNotification, PeripheralID: "dev-1", CharacteristicUUID: "2a37"}},
		{"unknown event", Envelope{Event: "rebooted", PeripheralID: "dev-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.dispatch(tc.env); err == nil {
				t.Error("dispatch succeeded, want error")
			}
		})
	}
	if len(cap.notifications) != 0 {
		t.Errorf("notifications = %d, want 0", len(cap.notifications))
	}
}

func TestHandleMessage_RoundtripsEnvelope(t *testing.T) {
	cap := &hookCapture{}
	s := testSubscriber(cap.hooks())

	env := Envelope{
		Event:              EventNotification,
		PeripheralID:       "dev-1",
		CharacteristicUUID: "2a19",
		Payload:            []byte{87},
		ReceivedAt:         time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	s.handleMessage("vitaltrace/notifications", data)
	if len(cap.notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(cap.notifications))
	}
	if cap.notifications[0].Payload[0] != 87 {
		t.Errorf("Payload = % X", cap.notifications[0].Payload)
	}
}

func TestHandleMessage_BadJSONIgnored(t *testing.T) {
	cap := &hookCapture{}
	s := testSubscriber(cap.hooks())

	s.handleMessage("vitaltrace/notifications", []byte("{not json"))
	if len(cap.notifications) != 0 {
		t.Errorf("notifications = %d, want 0", len(cap.notifications))
	}
}

func TestConnect_AfterDisconnectFails(t *testing.T) {
	cfg := config.Config{
		MQTTBroker:   "127.0.0.1",
		MQTTPort:     1883,
		MQTTClientID: "bridge-test",
		MQTTTopic:    "vitaltrace/notifications",
	}
	s := NewSubscriber(cfg, ble.Hooks{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s.Disconnect()
	s.Disconnect() // idempotent

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect after Disconnect succeeded, want error")
	}
}

func TestDispatch_NilHooksSafe(t *testing.T) {
	s := testSubscriber(ble.Hooks{})
	if err := s.dispatch(Envelope{Event: EventConnected, PeripheralID: "dev-1"}); err != nil {
		t.Fatalf("dispatch with nil hooks: %v", err)
	}
}
