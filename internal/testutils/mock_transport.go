package testutils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/gcprov/internal/device"
	"github.com/stretchr/testify/mock"
)

// Handle is a SessionHandle for mocked transports.
// Set Lost before connecting to let a test drop the link with Drop.
type Handle struct {
	Addr string
	Lost chan struct{}

	dropOnce sync.Once
}

func (h *Handle) Address() string { return h.Addr }

func (h *Handle) Done() <-chan struct{} { return h.Lost }

// Drop simulates the peripheral going away.
func (h *Handle) Drop() {
	h.dropOnce.Do(func() { close(h.Lost) })
}

// MockSubscription records cancellation.
type MockSubscription struct {
	cancelled atomic.Bool
	calls     atomic.Int32
	Err       error
}

func (s *MockSubscription) Cancel() error {
	s.calls.Add(1)
	s.cancelled.Store(true)
	return s.Err
}

// Cancelled reports whether Cancel was called at least once.
func (s *MockSubscription) Cancelled() bool { return s.cancelled.Load() }

// CancelCalls returns how many times Cancel was called.
func (s *MockSubscription) CancelCalls() int { return int(s.calls.Load()) }

type armedListener struct {
	sub     *MockSubscription
	onValue func([]byte)
}

// MockTransport is a testify mock of device.Transport.
// Subscribe callbacks are retained so tests can push notifications with Notify.
type MockTransport struct {
	mock.Mock

	mu        sync.Mutex
	listeners map[string][]armedListener
}

var _ device.Transport = (*MockTransport)(nil)

func NewMockTransport() *MockTransport {
	return &MockTransport{listeners: make(map[string][]armedListener)}
}

func (m *MockTransport) Ready(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockTransport) Scan(ctx context.Context, filter device.AdvertisementFilter, onDevice func(device.Advertisement)) error {
	return m.Called(ctx, filter, onDevice).Error(0)
}

func (m *MockTransport) Connect(ctx context.Context, address string, timeout time.Duration) (device.SessionHandle, error) {
	args := m.Called(ctx, address, timeout)
	h, _ := args.Get(0).(device.SessionHandle)
	return h, args.Error(1)
}

func (m *MockTransport) DiscoverServices(ctx context.Context, h device.SessionHandle) (device.ServiceMap, error) {
	args := m.Called(ctx, h)
	services, _ := args.Get(0).(device.ServiceMap)
	return services, args.Error(1)
}

func (m *MockTransport) ReadCharacteristic(ctx context.Context, h device.SessionHandle, service, char string) ([]byte, error) {
	args := m.Called(ctx, h, service, char)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockTransport) WriteCharacteristic(ctx context.Context, h device.SessionHandle, service, char string, data []byte, mode device.WriteMode) error {
	return m.Called(ctx, h, service, char, data, mode).Error(0)
}

func (m *MockTransport) Subscribe(ctx context.Context, h device.SessionHandle, service, char string, onValue func([]byte)) (device.Subscription, error) {
	args := m.Called(ctx, h, service, char, onValue)
	if err := args.Error(1); err != nil {
		return nil, err
	}

	sub, _ := args.Get(0).(*MockSubscription)
	if sub == nil {
		sub = &MockSubscription{}
	}

	key := device.NormalizeUUID(char)
	m.mu.Lock()
	m.listeners[key] = append(m.listeners[key], armedListener{sub: sub, onValue: onValue})
	m.mu.Unlock()
	return sub, nil
}

func (m *MockTransport) Disconnect(h device.SessionHandle) {
	m.Called(h)
}

// Notify delivers data to every live subscription on char, as a peripheral would.
// It returns the number of listeners that received the value.
func (m *MockTransport) Notify(char string, data []byte) int {
	m.mu.Lock()
	listeners := append([]armedListener(nil), m.listeners[device.NormalizeUUID(char)]...)
	m.mu.Unlock()

	delivered := 0
	for _, l := range listeners {
		if l.sub.Cancelled() {
			continue
		}
		l.onValue(append([]byte(nil), data...))
		delivered++
	}
	return delivered
}

// Subscriptions returns every subscription armed on char, oldest first.
func (m *MockTransport) Subscriptions(char string) []*MockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	var subs []*MockSubscription
	for _, l := range m.listeners[device.NormalizeUUID(char)] {
		subs = append(subs, l.sub)
	}
	return subs
}

// ReplayAdvertisements is a Scan Run function: it feeds advs through the filter and
// then blocks until the scan context is done, like a real radio.
func ReplayAdvertisements(advs ...device.Advertisement) func(mock.Arguments) {
	return func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		filter, _ := args.Get(1).(device.AdvertisementFilter)
		onDevice := args.Get(2).(func(device.Advertisement))

		for _, adv := range advs {
			if filter != nil && !filter(adv) {
				continue
			}
			onDevice(adv)
		}
		<-ctx.Done()
	}
}

// MockRegistry is a testify mock of the device registry collaborator.
type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) ValidateDeviceRegistration(ctx context.Context, serial string) (bool, error) {
	args := m.Called(ctx, serial)
	return args.Bool(0), args.Error(1)
}

func (m *MockRegistry) RegisterDevice(ctx context.Context, serial, transportID, name string) (bool, error) {
	args := m.Called(ctx, serial, transportID, name)
	return args.Bool(0), args.Error(1)
}
