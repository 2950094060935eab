package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gcprov/internal/device"
	"github.com/srg/gcprov/internal/groutine"
)

const (
	// DefaultBLEWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 defines an ATT_MTU of 23 bytes (20 bytes payload after ATT header overhead).
	DefaultBLEWriteChunkSize = 20

	// DefaultBLEWriteDelay is the delay between consecutive write chunks.
	DefaultBLEWriteDelay = 10 * time.Millisecond

	// DefaultConnectTimeout applies when Connect is called with a zero timeout.
	DefaultConnectTimeout = 10 * time.Second
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Options tunes the go-ble transport.
type Options struct {
	// ChunkSize splits writes into chunks of at most this many bytes. 0 disables chunking.
	ChunkSize int
	// WriteDelay is the pause between chunks.
	WriteDelay time.Duration
}

// DefaultOptions returns chunked writes at the BLE 4.0 payload size.
func DefaultOptions() Options {
	return Options{
		ChunkSize:  DefaultBLEWriteChunkSize,
		WriteDelay: DefaultBLEWriteDelay,
	}
}

// Transport implements device.Transport on top of go-ble.
// The host device is opened lazily on first use and shared by every session.
type Transport struct {
	logger *logrus.Logger
	opts   Options

	mu  sync.Mutex
	dev ble.Device
}

var _ device.Transport = (*Transport)(nil)

// NewTransport creates a go-ble transport. A nil logger gets a default one.
func NewTransport(logger *logrus.Logger, opts Options) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ChunkSize < 0 {
		opts.ChunkSize = 0
	}
	return &Transport{logger: logger, opts: opts}
}

// hostDevice returns the shared ble.Device, creating it on first use.
func (t *Transport) hostDevice() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	t.dev = dev
	return dev, nil
}

// Ready reports whether the host radio can be used.
func (t *Transport) Ready(_ context.Context) error {
	_, err := t.hostDevice()
	return err
}

// Close stops the host device. The transport must not be used afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	dev := t.dev
	t.dev = nil
	t.mu.Unlock()

	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}

// Connect dials the peripheral. The link is bounded by timeout and by ctx.
func (t *Transport) Connect(ctx context.Context, address string, timeout time.Duration) (device.SessionHandle, error) {
	if strings.TrimSpace(address) == "" {
		t.logger.Error("Connection attempt with empty address")
		return nil, fmt.Errorf("%w: device address is empty", device.ErrInvalidArg)
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dev, err := t.hostDevice()
	if err != nil {
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": timeout,
	}).Info("Connecting to BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := dev.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		if connCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("failed to connect to device with address %q: %w: %v", address, device.ErrTimeout, err)
		}
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	s := newSession(address, client)
	t.monitor(s)

	t.logger.WithField("address", address).Info("BLE device connected successfully")
	return s, nil
}

// monitor marks the session closed when the peripheral drops the link.
func (t *Transport) monitor(s *session) {
	disconnected := s.client.Disconnected()
	if disconnected == nil {
		t.logger.Debug("Client does not support Disconnected() channel")
		return
	}

	groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
		select {
		case <-disconnected:
			if s.closed.CompareAndSwap(false, true) {
				close(s.done)
				t.logger.WithField("address", s.address).Warn("Peripheral reported disconnection")
			}
		case <-s.done:
		}
	})
}

// DiscoverServices enumerates services and characteristics of the session's peripheral.
func (t *Transport) DiscoverServices(ctx context.Context, h device.SessionHandle) (device.ServiceMap, error) {
	s, err := sessionOf(h)
	if err != nil {
		return nil, err
	}

	t.logger.WithField("address", s.address).Debug("Discovering services and characteristics...")
	profile, err := call(ctx, s, func() (*ble.Profile, error) {
		return s.client.DiscoverProfile(true)
	})
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": s.address,
			"error":   err,
		}).Error("Failed to discover profile")
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	services := s.index(profile)

	totalChars := 0
	for _, chars := range services {
		totalChars += len(chars)
	}
	t.logger.WithFields(logrus.Fields{
		"address":         s.address,
		"services":        len(services),
		"characteristics": totalChars,
	}).Debug("Profile discovered successfully")

	return services, nil
}

// Disconnect releases the link. Safe on nil, closed and foreign handles.
func (t *Transport) Disconnect(h device.SessionHandle) {
	s, ok := h.(*session)
	if !ok || s == nil {
		return
	}
	if !s.closed.CompareAndSwap(false, true) {
		t.logger.WithField("address", s.address).Debug("Disconnect called but already disconnected")
		return
	}
	close(s.done)

	t.logger.WithField("address", s.address).Info("Disconnecting BLE device...")
	if err := s.client.CancelConnection(); err != nil {
		t.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return
	}
	t.logger.Info("BLE device disconnected successfully")
}

// call runs a blocking go-ble operation bounded by ctx and by the session lifetime.
// go-ble has no native deadline for GATT procedures.
func call[T any](ctx context.Context, s *session, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	var zero T
	if s.closed.Load() {
		return zero, device.ErrNotConnected
	}

	done := make(chan result, 1)
	groutine.Go(ctx, "ble-gatt-call", func(context.Context) {
		v, err := fn()
		done <- result{v: v, err: err}
	})

	select {
	case r := <-done:
		return r.v, NormalizeError(r.err)
	case <-s.done:
		return zero, device.ErrNotConnected
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %w", device.ErrTimeout, ctx.Err())
	}
}
