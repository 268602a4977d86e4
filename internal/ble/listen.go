package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tinygo.org/x/bluetooth"
)

// Options configures the BLE central.
type Options struct {
	Adapter       string // "hci0" by default
	DeviceAddress string // wearable MAC, case-insensitive
}

// Hooks receive transport events. OnConnect fires before any notification
// for that connection; OnDisconnect fires after the last one.
type Hooks struct {
	OnConnect      func(peripheralID string)
	OnNotification func(n Notification)
	OnDisconnect   func(peripheralID string)
}

// Central scans for the configured wearable, connects, subscribes to its
// telemetry characteristics and fans notifications into the hooks. It
// reconnects (starting a fresh session) after a drop.
type Central struct {
	adapter *bluetooth.Adapter
	opts    Options
}

func NewCentral(opts Options) *Central {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	return &Central{
		adapter: bluetooth.NewAdapter(opts.Adapter),
		opts:    opts,
	}
}

const reconnectDelay = 5 * time.Second

func (c *Central) Run(ctx context.Context, hooks Hooks) error {
	slog.Info("ble: enabling adapter", "adapter", c.opts.Adapter)
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("ble enable (%s): %w", c.opts.Adapter, err)
	}

	disconnected := make(chan struct{}, 1)
	c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		}
	})

	for {
		if err := c.connectAndServe(ctx, hooks, disconnected); err != nil {
			slog.Warn("ble: connection attempt failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Central) connectAndServe(ctx context.Context, hooks Hooks, disconnected <-chan struct{}) error {
	addr, err := c.scanForDevice(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	device, err := c.adapter.Connect(*addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("ble connect %s: %w", addr.String(), err)
	}
	peripheralID := addr.String()
	slog.Info("ble: connected", "addr", peripheralID)

	// Drain any stale disconnect signal from a previous attempt.
	select {
	case <-disconnected:
	default:
	}

	if hooks.OnConnect != nil {
		hooks.OnConnect(peripheralID)
	}

	if err := c.subscribeAll(device, peripheralID, hooks.OnNotification); err != nil {
		if hooks.OnDisconnect != nil {
			hooks.OnDisconnect(peripheralID)
		}
		_ = device.Disconnect()
		return err
	}

	select {
	case <-ctx.Done():
		_ = device.Disconnect()
	case <-disconnected:
		slog.Warn("ble: connection lost", "addr", peripheralID)
	}

	// Flush-before-close ordering lives in the hook: the pipeline drains its
	// partial cycle before the session is ended.
	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(peripheralID)
	}
	return nil
}

func (c *Central) scanForDevice(ctx context.Context) (*bluetooth.Address, error) {
	want := strings.ToLower(strings.TrimSpace(c.opts.DeviceAddress))
	if want == "" {
		return nil, fmt.Errorf("no device address configured")
	}

	go func() {
		<-ctx.Done()
		_ = c.adapter.StopScan()
	}()

	slog.Info("ble: scanning for device", "addr", want)
	var found *bluetooth.Address
	err := c.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if strings.ToLower(r.Address.String()) != want {
			return
		}
		addr := r.Address
		found = &addr
		_ = a.StopScan()
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("ble scan: %w", err)
	}
	if found == nil {
		return nil, fmt.Errorf("device %s not found", want)
	}
	return found, nil
}

// subscribeAll discovers every service on the device and enables
// notifications on each characteristic the parser knows about.
func (c *Central) subscribeAll(device bluetooth.Device, peripheralID string, onNotify func(Notification)) error {
	services, err := device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}

	subscribed := 0
	for _, svc := range services {
		serviceUUID := svc.UUID().String()
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("discover characteristics (%s): %w", serviceUUID, err)
		}
		for _, ch := range chars {
			charUUID := ch.UUID().String()
			if KindFor(charUUID) == KindUnknown {
				continue
			}
			char := ch
			err := char.EnableNotifications(func(buf []byte) {
				if onNotify == nil {
					return
				}
				onNotify(Notification{
					PeripheralID:       peripheralID,
					ServiceUUID:        serviceUUID,
					CharacteristicUUID: charUUID,
					// buf is reused by the stack; copy before handing off.
					Payload: append([]byte(nil), buf...),
				})
			})
			if err != nil {
				return fmt.Errorf("enable notifications (%s): %w", charUUID, err)
			}
			slog.Info("ble: subscribed", "characteristic", charUUID, "kind", KindFor(charUUID).String())
			subscribed++
		}
	}

	if subscribed == 0 {
		return fmt.Errorf("no known telemetry characteristics on %s", peripheralID)
	}
	return nil
}
