package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gcprov/internal/device"
)

// session is the go-ble SessionHandle: a live client plus its discovered characteristics.
type session struct {
	address string
	client  ble.Client

	mu    sync.RWMutex
	chars map[string]map[string]*ble.Characteristic // service -> characteristic

	// writeMutex serializes chunked writes
	writeMutex sync.Mutex

	closed atomic.Bool
	done   chan struct{}
}

func newSession(address string, client ble.Client) *session {
	return &session{
		address: address,
		client:  client,
		chars:   make(map[string]map[string]*ble.Characteristic),
		done:    make(chan struct{}),
	}
}

func (s *session) Address() string { return s.address }

func (s *session) Done() <-chan struct{} { return s.done }

func sessionOf(h device.SessionHandle) (*session, error) {
	s, ok := h.(*session)
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: session handle was not created by this transport", device.ErrInvalidArg)
	}
	if s.closed.Load() {
		return nil, device.ErrNotConnected
	}
	return s, nil
}

// index records live characteristic handles from a discovered profile and returns its ServiceMap.
func (s *session) index(profile *ble.Profile) device.ServiceMap {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(device.ServiceMap)
	if profile == nil {
		return result
	}

	for _, bleSvc := range profile.Services {
		svcUUID := device.NormalizeUUID(bleSvc.UUID.String())
		chars, ok := s.chars[svcUUID]
		if !ok {
			chars = make(map[string]*ble.Characteristic)
			s.chars[svcUUID] = chars
		}
		if _, ok := result[svcUUID]; !ok {
			result[svcUUID] = []string{}
		}

		for _, bleChar := range bleSvc.Characteristics {
			charUUID := device.NormalizeUUID(bleChar.UUID.String())
			chars[charUUID] = bleChar
			result[svcUUID] = append(result[svcUUID], charUUID)
		}
	}
	return result
}

// characteristic retrieves a characteristic by service and characteristic UUID.
// Returns a NotFoundError if the service or characteristic was not discovered.
func (s *session) characteristic(service, char string) (*ble.Characteristic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chars, ok := s.chars[device.NormalizeUUID(service)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	c, ok := chars[device.NormalizeUUID(char)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, char}}
	}
	return c, nil
}

// ReadCharacteristic reads the current value of a characteristic.
func (t *Transport) ReadCharacteristic(ctx context.Context, h device.SessionHandle, service, char string) ([]byte, error) {
	s, err := sessionOf(h)
	if err != nil {
		return nil, err
	}
	c, err := s.characteristic(service, char)
	if err != nil {
		return nil, err
	}

	data, err := call(ctx, s, func() ([]byte, error) {
		return s.client.ReadCharacteristic(c)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s in service %s: %w", char, service, err)
	}

	t.logger.WithFields(logrus.Fields{
		"service": service,
		"char":    char,
		"bytes":   len(data),
	}).Debug("Characteristic read")
	return data, nil
}

// WriteCharacteristic writes data, split into chunks when the transport is configured to.
func (t *Transport) WriteCharacteristic(ctx context.Context, h device.SessionHandle, service, char string, data []byte, mode device.WriteMode) error {
	s, err := sessionOf(h)
	if err != nil {
		return err
	}
	c, err := s.characteristic(service, char)
	if err != nil {
		return err
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	noRsp := mode == device.WithoutResponse
	for _, chunk := range chunks(data, t.opts.ChunkSize) {
		if _, err := call(ctx, s, func() (struct{}, error) {
			return struct{}{}, s.client.WriteCharacteristic(c, chunk, noRsp)
		}); err != nil {
			return fmt.Errorf("failed to write to characteristic %s in service %s: %w", char, service, err)
		}
		if t.opts.WriteDelay > 0 && len(data) > len(chunk) {
			time.Sleep(t.opts.WriteDelay)
		}
	}

	t.logger.WithFields(logrus.Fields{
		"service": service,
		"char":    char,
		"bytes":   len(data),
		"mode":    mode,
	}).Debug("Characteristic written")
	return nil
}

// chunks splits data into slices of at most size bytes. size <= 0 returns data whole.
func chunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	result := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(len(data), size)
		result = append(result, data[:n])
		data = data[n:]
	}
	return result
}

// Subscribe enables notifications (or indications when notify is unsupported) on a characteristic.
func (t *Transport) Subscribe(ctx context.Context, h device.SessionHandle, service, char string, onValue func([]byte)) (device.Subscription, error) {
	s, err := sessionOf(h)
	if err != nil {
		return nil, err
	}
	c, err := s.characteristic(service, char)
	if err != nil {
		return nil, err
	}

	var indicate bool
	switch {
	case c.Property&ble.CharNotify != 0:
	case c.Property&ble.CharIndicate != 0:
		indicate = true
	default:
		return nil, fmt.Errorf("characteristic %s in service %s has no notification support: %w", char, service, device.ErrUnsupported)
	}

	sub := &subscription{
		transport: t,
		session:   s,
		char:      c,
		uuid:      char,
		indicate:  indicate,
	}
	sub.active.Store(true)

	_, err = call(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.client.Subscribe(c, indicate, func(data []byte) {
			if !sub.active.Load() {
				return
			}
			value := make([]byte, len(data))
			copy(value, data)
			onValue(value)
		})
	})
	if err != nil {
		sub.active.Store(false)
		t.logger.WithFields(logrus.Fields{
			"service": service,
			"char":    char,
			"error":   err,
		}).Error("Failed to subscribe to characteristic notifications")
		return nil, fmt.Errorf("failed to subscribe to characteristic %s in service %s: %w", char, service, err)
	}

	t.logger.WithFields(logrus.Fields{
		"service":  service,
		"char":     char,
		"indicate": indicate,
	}).Info("Successfully subscribed to characteristic notifications")
	return sub, nil
}

// subscription disarms its callback before unsubscribing so late values are dropped.
type subscription struct {
	transport *Transport
	session   *session
	char      *ble.Characteristic
	uuid      string
	indicate  bool
	active    atomic.Bool
}

// Cancel is idempotent. The remote unsubscribe is skipped once the link is gone.
func (s *subscription) Cancel() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	if s.session.closed.Load() {
		return nil
	}

	if err := NormalizeError(s.session.client.Unsubscribe(s.char, s.indicate)); err != nil {
		s.transport.logger.WithFields(logrus.Fields{
			"char":  s.uuid,
			"error": err,
		}).Warn("Failed to unsubscribe from characteristic notifications")
		return fmt.Errorf("failed to unsubscribe from characteristic %s: %w", s.uuid, err)
	}

	s.transport.logger.WithField("char", s.uuid).Debug("Unsubscribed from characteristic notifications")
	return nil
}
