package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/gcprov/internal/codec"
	"github.com/srg/gcprov/internal/device"
	"github.com/srg/gcprov/internal/groutine"
	"github.com/srg/gcprov/internal/ringchan"
)

// ErrScanInProgress is returned when Scan is called while another scan runs.
var ErrScanInProgress = errors.New("scan already in progress")

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DiscoveredDevice is a provisionable peripheral seen during a scan session.
type DiscoveredDevice struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	RSSI     int       `json:"rssi"`
	Serial   string    `json:"serial,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

type DeviceEvent struct {
	Type   DeviceEventType
	Device DiscoveredDevice
}

// RegistrationChecker is the allow/deny check applied before a device is surfaced.
type RegistrationChecker interface {
	ValidateDeviceRegistration(ctx context.Context, serial string) (bool, error)
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	// Duration bounds the scan. Zero scans until the context is done.
	Duration   time.Duration
	NamePrefix string
	AllowList  []string
	BlockList  []string

	// Validator, when set, must accept a device's serial before it is surfaced.
	Validator         RegistrationChecker
	ValidationTimeout time.Duration
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:          15 * time.Second,
		NamePrefix:        codec.DefaultNamePrefix,
		ValidationTimeout: 5 * time.Second,
	}
}

type entryState int

const (
	statePending entryState = iota
	stateAccepted
	stateRejected
)

type entry struct {
	mu    sync.Mutex
	dev   DiscoveredDevice
	state entryState
}

func (e *entry) snapshot() (DiscoveredDevice, entryState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev, e.state
}

// Scanner handles discovery of provisionable devices.
type Scanner struct {
	transport device.Transport
	devices   *hashmap.Map[string, *entry]
	events    *ringchan.RingChannel[DeviceEvent]
	logger    *logrus.Logger
	now       func() time.Time

	mu          sync.Mutex
	cancel      context.CancelFunc
	validations sync.WaitGroup
}

// NewScanner creates a scanner on top of transport.
func NewScanner(transport device.Transport, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		transport: transport,
		devices:   hashmap.New[string, *entry](),
		events:    ringchan.New[DeviceEvent](100),
		logger:    logger,
		now:       time.Now,
	}
}

// Scan runs one scan session. Results of a previous session are discarded when it starts.
// onDevice is invoked once per accepted device, from the radio or a validator goroutine.
// The scan ends after opts.Duration, on Stop, or when ctx is done; none of these
// discard devices already surfaced.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, onDevice func(DiscoveredDevice), progressCallback ProgressCallback) ([]DiscoveredDevice, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}
	if onDevice == nil {
		onDevice = func(DiscoveredDevice) {}
	}

	if err := s.transport.Ready(ctx); err != nil {
		return nil, fmt.Errorf("bluetooth not ready: %w", err)
	}

	scanCtx, cancel := s.begin(ctx, opts.Duration)
	if scanCtx == nil {
		return nil, ErrScanInProgress
	}
	defer s.end(cancel)

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"prefix":   opts.NamePrefix,
	}).Info("Starting BLE scan...")
	progressCallback("Scanning")

	err := s.transport.Scan(scanCtx, codec.NameFilter(opts.NamePrefix), func(adv device.Advertisement) {
		s.handleAdvertisement(ctx, adv, opts, onDevice)
	})

	progressCallback("Processing results")
	s.validations.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return s.Devices(), fmt.Errorf("scan failed: %w", err)
	}

	devices := s.Devices()
	s.logger.WithField("device_count", len(devices)).Info("BLE scan completed")
	return devices, nil
}

func (s *Scanner) begin(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, nil
	}

	var scanCtx context.Context
	var cancel context.CancelFunc
	if d > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, d)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}
	s.cancel = cancel
	s.devices = hashmap.New[string, *entry]()
	return scanCtx, cancel
}

func (s *Scanner) end(cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
}

// Stop ends the running scan early. It is a no-op when no scan runs.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		s.logger.Debug("Stopping BLE scan")
		cancel()
	}
}

// Scanning reports whether a scan session is active.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// handleAdvertisement updates an existing device or admits a new one
func (s *Scanner) handleAdvertisement(ctx context.Context, adv device.Advertisement, opts *ScanOptions, onDevice func(DiscoveredDevice)) {
	id := adv.Addr()
	if id == "" {
		return
	}
	devices := s.currentDevices()

	if e, ok := devices.Get(id); ok {
		s.refresh(e, adv)
		return
	}
	if !s.shouldIncludeDevice(id, opts) {
		return
	}

	serial, _ := codec.MatchDeviceName(adv.LocalName(), opts.NamePrefix)
	e := &entry{dev: DiscoveredDevice{
		ID:       id,
		Name:     adv.LocalName(),
		RSSI:     adv.RSSI(),
		Serial:   serial,
		LastSeen: s.now(),
	}}

	e, loaded := devices.GetOrInsert(id, e)
	if loaded {
		s.refresh(e, adv)
		return
	}

	if opts.Validator == nil {
		s.accept(e, onDevice)
		return
	}

	groutine.GoTracked(ctx, &s.validations, "scan-registry-validation", func(ctx context.Context) {
		s.validate(ctx, e, opts, onDevice)
	})
}

func (s *Scanner) currentDevices() *hashmap.Map[string, *entry] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices
}

// validate asks the registry once per device; errors hide the device.
func (s *Scanner) validate(ctx context.Context, e *entry, opts *ScanOptions, onDevice func(DiscoveredDevice)) {
	dev, _ := e.snapshot()
	log := s.logger.WithFields(logrus.Fields{
		"address": dev.ID,
		"serial":  dev.Serial,
	})

	if dev.Serial == "" {
		log.Debug("Device has no serial number, hiding it")
		s.reject(e)
		return
	}

	if opts.ValidationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ValidationTimeout)
		defer cancel()
	}

	allowed, err := opts.Validator.ValidateDeviceRegistration(ctx, dev.Serial)
	switch {
	case err != nil:
		log.WithField("error", err).Warn("Device registration check failed, hiding device")
		s.reject(e)
	case !allowed:
		log.Info("Device is not registered, hiding it")
		s.reject(e)
	default:
		s.accept(e, onDevice)
	}
}

func (s *Scanner) accept(e *entry, onDevice func(DiscoveredDevice)) {
	e.mu.Lock()
	e.state = stateAccepted
	dev := e.dev
	e.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"device":  dev.Name,
		"address": dev.ID,
		"rssi":    dev.RSSI,
		"serial":  dev.Serial,
	}).Info("Discovered new device")

	s.events.ForceSend(DeviceEvent{Type: EventNew, Device: dev})
	onDevice(dev)
}

func (s *Scanner) reject(e *entry) {
	e.mu.Lock()
	e.state = stateRejected
	e.mu.Unlock()
}

// refresh records a repeat advertisement; only accepted devices emit update events.
func (s *Scanner) refresh(e *entry, adv device.Advertisement) {
	e.mu.Lock()
	e.dev.RSSI = adv.RSSI()
	e.dev.LastSeen = s.now()
	dev, state := e.dev, e.state
	e.mu.Unlock()

	if state == stateAccepted {
		s.events.ForceSend(DeviceEvent{Type: EventUpdated, Device: dev})
	}
}

// shouldIncludeDevice applies the allow and block lists
func (s *Scanner) shouldIncludeDevice(addr string, opts *ScanOptions) bool {
	for _, blocked := range opts.BlockList {
		if device.ContainsIgnoreCase(addr, blocked) && len(addr) == len(blocked) {
			return false
		}
	}

	if len(opts.AllowList) == 0 {
		return true
	}
	for _, a := range opts.AllowList {
		if device.ContainsIgnoreCase(addr, a) && len(addr) == len(a) {
			return true
		}
	}
	return false
}

// Devices returns a snapshot of accepted devices, strongest signal first.
func (s *Scanner) Devices() []DiscoveredDevice {
	devs := make([]DiscoveredDevice, 0)
	s.currentDevices().Range(func(_ string, e *entry) bool {
		if dev, state := e.snapshot(); state == stateAccepted {
			devs = append(devs, dev)
		}
		return true
	})

	sort.Slice(devs, func(i, j int) bool {
		if devs[i].RSSI != devs[j].RSSI {
			return devs[i].RSSI > devs[j].RSSI
		}
		return devs[i].ID < devs[j].ID
	})
	return devs
}

// Device looks up an accepted device by ID.
func (s *Scanner) Device(id string) (DiscoveredDevice, bool) {
	e, ok := s.currentDevices().Get(id)
	if !ok {
		return DiscoveredDevice{}, false
	}
	dev, state := e.snapshot()
	return dev, state == stateAccepted
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// Close ends the event stream.
func (s *Scanner) Close() {
	s.Stop()
	s.events.Close()
}
