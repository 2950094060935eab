package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gcprov/internal/codec"
	"github.com/srg/gcprov/internal/device"
	"github.com/srg/gcprov/internal/groutine"
	"github.com/srg/gcprov/internal/ringchan"
	"github.com/srg/gcprov/scanner"
)

// Machine is the provisioning state machine for one device at a time.
// All methods are safe for concurrent use.
type Machine struct {
	transport device.Transport
	registry  Registry
	scanner   *scanner.Scanner
	events    *ringchan.RingChannel[Event]
	logger    *logrus.Logger
	opts      Options
	clock     Clock

	// opMu serializes transport operations against the session.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	session  *Session
	networks []codec.WiFiNetwork
	result   Result
	closed   bool

	// epoch invalidates in-flight operations on teardown.
	epoch    uint64
	opCancel context.CancelFunc

	// subGen invalidates subscription callbacks of replaced subscriptions.
	subGen uint64
	// confirmed records a confirmation that arrived while Configuring.
	confirmed bool

	timer    Timer
	timerGen uint64
}

// New creates a Machine in Idle. registry may be nil, in which case scanned
// devices are not validated and finalizing skips registration.
func New(transport device.Transport, registry Registry, opts Options, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	opts.applyDefaults()

	return &Machine{
		transport: transport,
		registry:  registry,
		scanner:   scanner.NewScanner(transport, logger),
		events:    ringchan.New[Event](opts.EventBuffer),
		logger:    logger,
		opts:      opts,
		clock:     opts.Clock,
		state:     StateIdle,
	}
}

// Events returns the event stream. It is closed by Close.
func (m *Machine) Events() <-chan Event {
	return m.events.C()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failure returns the error that moved the machine to Failed, or nil.
func (m *Machine) Failure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateFailed {
		return nil
	}
	return m.result.Err
}

// Result returns a snapshot of the current attempt.
func (m *Machine) Result() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.result.clone()
	r.State = m.state
	return r
}

// Networks returns the networks read from the connected device.
func (m *Machine) Networks() []codec.WiFiNetwork {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]codec.WiFiNetwork(nil), m.networks...)
}

// Devices returns the devices surfaced by the last scan, strongest signal first.
func (m *Machine) Devices() []scanner.DiscoveredDevice {
	return m.scanner.Devices()
}

// Session returns a copy of the live session.
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	s := *m.session
	s.sub = nil
	return s, true
}

// Scan discovers provisionable devices for the configured duration.
// Devices surfaced before the scan ends are kept; the machine returns to Idle.
func (m *Machine) Scan(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.state != StateIdle {
		defer m.mu.Unlock()
		return invalidState("scan", m.state)
	}
	m.transitionLocked(StateScanning)
	m.mu.Unlock()

	opts := scanner.DefaultScanOptions()
	opts.Duration = m.opts.ScanDuration
	opts.NamePrefix = m.opts.NamePrefix
	opts.AllowList = m.opts.AllowList
	opts.BlockList = m.opts.BlockList
	if m.opts.ValidateRegistration && m.registry != nil {
		opts.Validator = m.registry
		opts.ValidationTimeout = m.opts.RegistryTimeout
	}

	_, err := m.scanner.Scan(ctx, opts, func(d scanner.DiscoveredDevice) {
		m.emit(Event{Type: EventDevice, Device: &d})
	}, nil)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Connect or Cancel may have taken over while scanning.
	if m.state != StateScanning {
		return nil
	}
	m.transitionLocked(StateIdle)

	if err == nil {
		return nil
	}
	kind := KindScan
	if errors.Is(err, device.ErrTransportUnavailable) {
		kind = KindTransportUnavailable
	}
	perr := newError(kind, "scan", err)
	m.emitLocked(Event{Type: EventError, Err: perr})
	return perr
}

// StopScan ends an active scan early.
func (m *Machine) StopScan() {
	m.scanner.Stop()
}

// Connect opens a session with the device at deviceID, discovers the
// provisioning service and reads the network list.
// A connection failure returns the machine to Idle; a missing service fails it.
// Connect is rejected from Completed and Failed until Reset.
func (m *Machine) Connect(ctx context.Context, deviceID string) error {
	m.scanner.Stop()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	dev, ok := m.scanner.Device(deviceID)
	if !ok {
		dev = scanner.DiscoveredDevice{ID: deviceID}
	}

	m.mu.Lock()
	if m.closed || m.state.busy() || m.state.IsTerminal() {
		defer m.mu.Unlock()
		return invalidState("connect", m.state)
	}
	sub, prev := m.detachLocked()
	opCtx, epoch := m.beginOpLocked(ctx)
	m.networks = nil
	m.result = Result{Device: dev, Serial: dev.Serial, StartedAt: m.clock.Now()}
	m.transitionLocked(StateConnecting)
	m.mu.Unlock()

	m.release(sub, prev)
	defer m.endOp(epoch)

	log := m.logger.WithFields(logrus.Fields{"address": deviceID, "device": dev.Name})
	log.Info("Connecting to device...")

	h, err := m.transport.Connect(opCtx, deviceID, m.opts.ConnectTimeout)
	if err != nil {
		if !m.current(epoch) {
			return newError(KindCancelled, "connect", err)
		}
		log.WithField("error", err).Warn("Connection failed")
		perr := newError(KindConnect, "connect", err)
		m.mu.Lock()
		m.result.Err = perr
		m.emitLocked(Event{Type: EventError, Err: perr})
		m.transitionLocked(StateIdle)
		m.mu.Unlock()
		return perr
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.transport.Disconnect(h)
		return newError(KindCancelled, "connect", nil)
	}
	m.session = &Session{Device: dev, Handle: h, Serial: dev.Serial}
	m.transitionLocked(StateDiscovering)
	m.mu.Unlock()

	m.watchLink(h)

	if err := m.discover(opCtx, epoch); err != nil {
		return err
	}
	return m.listNetworks(opCtx, epoch)
}

// discover validates the GATT layout and resolves the serial number.
func (m *Machine) discover(ctx context.Context, epoch uint64) error {
	s := m.sessionFor(epoch)
	if s == nil {
		return newError(KindCancelled, "discover", nil)
	}

	services, err := m.transport.DiscoverServices(ctx, s.Handle)
	if err != nil {
		return m.fail(epoch, newError(KindDiscovery, "discover", err))
	}

	service, ok := codec.FindTargetService(services)
	if !ok {
		return m.fail(epoch, newError(KindDiscovery, "discover",
			fmt.Errorf("no provisioning service (%s or %s) found", device.UUID16(codec.PrimaryService), device.UUID16(codec.SecondaryService))))
	}
	for _, char := range []uint16{codec.ListCharacteristic, codec.ConfigCharacteristic} {
		if !services.Has(service, device.UUID16(char)) {
			return m.fail(epoch, newError(KindDiscovery, "discover",
				&device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.NormalizeUUID(service), device.UUID16(char)}}))
		}
	}

	serial := m.resolveSerial(ctx, s, services, service)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return newError(KindCancelled, "discover", nil)
	}
	m.session.Services = services
	m.session.Service = service
	m.session.Serial = serial
	m.result.Serial = serial
	m.transitionLocked(StateListingNetworks)

	m.logger.WithFields(logrus.Fields{
		"address": s.Device.ID,
		"service": device.NormalizeUUID(service),
		"serial":  serial,
	}).Debug("Provisioning service discovered")
	return nil
}

// resolveSerial applies the configured serial source; a failed characteristic read degrades to the name.
func (m *Machine) resolveSerial(ctx context.Context, s *Session, services device.ServiceMap, service string) string {
	nameSerial := s.Serial
	if m.opts.SerialSource != SerialFromCharacteristic && nameSerial != "" {
		return nameSerial
	}

	serialChar := device.UUID16(codec.SerialCharacteristic)
	if !services.Has(service, serialChar) {
		return nameSerial
	}

	readCtx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
	defer cancel()

	data, err := m.transport.ReadCharacteristic(readCtx, s.Handle, service, codec.FullUUID(codec.SerialCharacteristic))
	if err != nil {
		m.warn(newError(KindRead, "read serial", err))
		return nameSerial
	}
	if serial := codec.DecodeSerial(data); serial != "" {
		return serial
	}
	return nameSerial
}

// listNetworks reads the list characteristic once. A failed read leaves an empty list.
func (m *Machine) listNetworks(ctx context.Context, epoch uint64) error {
	s := m.sessionFor(epoch)
	if s == nil {
		return newError(KindCancelled, "list networks", nil)
	}

	readCtx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
	data, err := m.transport.ReadCharacteristic(readCtx, s.Handle, s.Service, codec.FullUUID(codec.ListCharacteristic))
	cancel()

	var networks []codec.WiFiNetwork
	if err != nil {
		if !m.current(epoch) {
			return newError(KindCancelled, "list networks", err)
		}
		m.warn(newError(KindRead, "list networks", err))
	} else {
		var strategy codec.Strategy
		networks, strategy = codec.ParseWiFiList(data)
		m.logger.WithFields(logrus.Fields{
			"count":    len(networks),
			"strategy": strategy,
		}).Debug("Parsed WiFi network list")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return newError(KindCancelled, "list networks", nil)
	}
	m.networks = networks
	m.emitLocked(Event{Type: EventNetworks, Networks: append([]codec.WiFiNetwork(nil), networks...)})
	m.transitionLocked(StateAwaitingCredentials)
	return nil
}

// Cancel stops whatever the machine is doing: the scan, the in-flight
// operation, the confirmation timer and the subscription, and releases the link.
// Non-idle, non-terminal states become Failed(Cancelled).
func (m *Machine) Cancel() {
	m.scanner.Stop()

	m.mu.Lock()
	sub, h := m.detachLocked()
	if m.state != StateIdle && !m.state.IsTerminal() {
		m.failLocked(newError(KindCancelled, "cancel", nil))
	}
	m.mu.Unlock()

	m.release(sub, h)
}

// Reset returns a terminal machine to Idle, tearing down any residual session.
func (m *Machine) Reset() error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return nil
	}
	if !m.state.IsTerminal() {
		defer m.mu.Unlock()
		return invalidState("reset", m.state)
	}
	sub, h := m.detachLocked()
	m.networks = nil
	m.result = Result{}
	m.transitionLocked(StateIdle)
	m.mu.Unlock()

	m.release(sub, h)
	return nil
}

// Close cancels the machine and closes the event stream.
func (m *Machine) Close() {
	m.Cancel()

	m.mu.Lock()
	already := m.closed
	m.closed = true
	m.mu.Unlock()

	m.scanner.Close()
	m.events.Close()
	if already {
		return
	}

	metrics := m.events.GetMetrics()
	log := m.logger.WithFields(logrus.Fields{
		"written":     metrics.Written,
		"overwritten": metrics.Overwritten,
		"dropped":     metrics.Dropped,
	})
	if metrics.Overwritten > 0 {
		log.Warn("Event consumer fell behind, oldest events were discarded")
		return
	}
	log.Debug("Event stream closed")
}

// beginOpLocked starts a new epoch and returns a context cancelled by teardown.
func (m *Machine) beginOpLocked(ctx context.Context) (context.Context, uint64) {
	if m.opCancel != nil {
		m.opCancel()
	}
	opCtx, cancel := context.WithCancel(ctx)
	m.epoch++
	m.opCancel = cancel
	return opCtx, m.epoch
}

func (m *Machine) endOp(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch == epoch && m.opCancel != nil {
		m.opCancel()
		m.opCancel = nil
	}
}

func (m *Machine) current(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch
}

func (m *Machine) sessionFor(epoch uint64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// detachLocked invalidates in-flight work and hands back what must be released.
func (m *Machine) detachLocked() (device.Subscription, device.SessionHandle) {
	m.epoch++
	if m.opCancel != nil {
		m.opCancel()
		m.opCancel = nil
	}
	m.subGen++
	m.confirmed = false
	m.stopTimerLocked()

	if m.session == nil {
		return nil, nil
	}
	sub, h := m.session.sub, m.session.Handle
	m.session = nil
	return sub, h
}

// release cancels sub and disconnects h. It must be called without m.mu held.
func (m *Machine) release(sub device.Subscription, h device.SessionHandle) {
	if sub != nil {
		if err := sub.Cancel(); err != nil {
			m.logger.WithField("error", err).Debug("Failed to cancel subscription")
		}
	}
	if h != nil {
		m.transport.Disconnect(h)
		m.logger.WithField("address", h.Address()).Debug("Session released")
	}
}

// watchLink fails the attempt as soon as the peripheral drops h.
func (m *Machine) watchLink(h device.SessionHandle) {
	lost := h.Done()
	if lost == nil {
		return
	}
	groutine.Go(context.Background(), "provision-link-watch", func(context.Context) {
		<-lost
		m.onLinkLost(h)
	})
}

// onLinkLost ignores handles that are no longer the live session, which covers
// every teardown the machine starts itself. Finalizing disconnects on purpose.
func (m *Machine) onLinkLost(h device.SessionHandle) {
	m.mu.Lock()
	if m.session == nil || m.session.Handle != h ||
		m.state == StateIdle || m.state == StateFinalizing || m.state.IsTerminal() {
		m.mu.Unlock()
		return
	}
	m.logger.WithFields(logrus.Fields{
		"address": h.Address(),
		"state":   m.state,
	}).Warn("Device dropped the connection")

	sub, _ := m.detachLocked()
	m.failLocked(newError(KindConnect, "link", device.ErrLinkLost))
	m.mu.Unlock()

	m.release(sub, h)
}

// fail moves the machine to Failed and tears the session down.
func (m *Machine) fail(epoch uint64, perr *Error) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return newError(KindCancelled, perr.Op, perr.Err)
	}
	sub, h := m.detachLocked()
	m.failLocked(perr)
	m.mu.Unlock()

	m.release(sub, h)
	return perr
}

func (m *Machine) failLocked(perr *Error) {
	m.result.Err = perr
	m.result.FinishedAt = m.clock.Now()
	m.logger.WithFields(logrus.Fields{
		"state":  m.state,
		"reason": perr.Kind,
	}).Warn("Provisioning failed: " + perr.Error())
	m.emitLocked(Event{Type: EventError, Err: perr})
	m.transitionLocked(StateFailed)
}

// warn records a non-fatal failure on the result.
func (m *Machine) warn(perr *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnLocked(perr)
}

func (m *Machine) warnLocked(perr *Error) {
	m.result.Warnings = append(m.result.Warnings, perr)
	m.logger.WithField("error", perr).Warn("Provisioning degraded")
	m.emitLocked(Event{Type: EventWarning, Err: perr})
}

func (m *Machine) transitionLocked(to State) {
	from := m.state
	m.state = to
	m.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Debug("State transition")
	m.emitLocked(Event{Type: EventStateChanged})
}

func (m *Machine) emitLocked(ev Event) {
	ev.State = m.state
	ev.At = m.clock.Now()
	m.events.ForceSend(ev)
}

func (m *Machine) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitLocked(ev)
}
