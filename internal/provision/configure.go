package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/gcprov/internal/codec"
	"github.com/srg/gcprov/internal/device"
	"github.com/srg/gcprov/internal/groutine"
)

// Configure sends WiFi credentials to the connected device.
//
// It is allowed from AwaitingCredentials, and from AwaitingConfirmation to resend.
// The confirmation subscription is armed before the credential write is issued;
// a confirmation that races the write is honoured once the write succeeds.
// On success the machine waits in AwaitingConfirmation with the timeout armed.
// Invalid credentials are rejected without a state change.
func (m *Machine) Configure(ctx context.Context, ssid, password string) error {
	frame, err := codec.EncodeCredentials(ssid, password)
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	payload, err := codec.EncodeForTransport(frame, m.opts.Encoding)
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed || !m.state.in(StateAwaitingCredentials, StateAwaitingConfirmation) || m.session == nil {
		defer m.mu.Unlock()
		return invalidState("configure", m.state)
	}
	m.stopTimerLocked()
	prev := m.session.sub
	m.session.sub = nil
	m.subGen++
	gen := m.subGen
	m.confirmed = false
	opCtx, epoch := m.beginOpLocked(ctx)
	m.result.SSID = ssid
	m.transitionLocked(StateConfiguring)
	s := *m.session
	m.mu.Unlock()

	defer m.endOp(epoch)

	if prev != nil {
		if err := prev.Cancel(); err != nil {
			m.logger.WithField("error", err).Debug("Failed to cancel previous subscription")
		}
	}

	log := m.logger.WithFields(logrus.Fields{"address": s.Device.ID, "ssid": ssid})
	configChar := codec.FullUUID(codec.ConfigCharacteristic)

	sub, err := m.transport.Subscribe(opCtx, s.Handle, s.Service, configChar, m.onNotification(gen))
	if err != nil {
		return m.fail(epoch, newError(KindWrite, "subscribe", err))
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		_ = sub.Cancel()
		return newError(KindCancelled, "configure", nil)
	}
	m.session.sub = sub
	m.mu.Unlock()

	log.Debug("Confirmation listener armed, sending credentials")

	if err := m.write(opCtx, s, configChar, payload); err != nil {
		return m.fail(epoch, newError(KindWrite, "write credentials", err))
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return newError(KindCancelled, "configure", nil)
	}
	m.transitionLocked(StateAwaitingConfirmation)
	if !m.confirmed {
		m.armTimerLocked()
		m.mu.Unlock()
		log.Info("Credentials sent, waiting for confirmation")
		return nil
	}

	// Confirmation arrived before the write returned.
	fepoch := m.beginFinalizeLocked()
	m.mu.Unlock()

	log.Info("Credentials confirmed")
	m.finalize(ctx, fepoch)
	return nil
}

// write sends data with response, falling back once to write without response.
// Each mode gets its own WriteTimeout.
func (m *Machine) write(ctx context.Context, s Session, char string, data []byte) error {
	err := m.writeMode(ctx, s, char, data, device.WithResponse)
	if err == nil || ctx.Err() != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"address": s.Device.ID,
		"error":   err,
	}).Debug("Write with response failed, retrying without response")

	if ferr := m.writeMode(ctx, s, char, data, device.WithoutResponse); ferr != nil {
		return errors.Join(err, ferr)
	}
	return nil
}

func (m *Machine) writeMode(ctx context.Context, s Session, char string, data []byte, mode device.WriteMode) error {
	writeCtx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	return m.transport.WriteCharacteristic(writeCtx, s.Handle, s.Service, char, data, mode)
}

// onNotification returns the subscription callback for generation gen.
func (m *Machine) onNotification(gen uint64) func([]byte) {
	return func(data []byte) {
		n := codec.Classify(data)

		m.mu.Lock()
		if gen != m.subGen {
			m.mu.Unlock()
			return
		}
		m.emitLocked(Event{Type: EventNotification, Notification: &n})
		m.logger.WithFields(logrus.Fields{
			"kind": n.Kind,
			"text": n.Text,
		}).Debug("Notification received")

		if !n.Confirmed() {
			m.mu.Unlock()
			return
		}

		switch m.state {
		case StateConfiguring:
			m.confirmed = true
			m.mu.Unlock()
		case StateAwaitingConfirmation:
			epoch := m.beginFinalizeLocked()
			m.mu.Unlock()

			m.logger.Info("Credentials confirmed")
			// Leave the transport callback before touching the subscription.
			groutine.Go(context.Background(), "provision-finalize", func(context.Context) {
				m.opMu.Lock()
				defer m.opMu.Unlock()
				m.finalize(context.Background(), epoch)
			})
		default:
			m.mu.Unlock()
		}
	}
}

// armTimerLocked replaces any armed confirmation timer.
func (m *Machine) armTimerLocked() {
	m.stopTimerLocked()
	m.timerGen++
	gen := m.timerGen
	m.timer = m.clock.AfterFunc(m.opts.ConfirmationTimeout, func() { m.onTimeout(gen) })
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

// onTimeout fails the attempt but keeps the session so ForceAdvance can finish it.
func (m *Machine) onTimeout(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.timerGen || m.state != StateAwaitingConfirmation {
		return
	}
	m.timer = nil
	m.failLocked(newError(KindConfirmationTimeout, "await confirmation",
		fmt.Errorf("no confirmation within %s", m.opts.ConfirmationTimeout)))
}

// ForceAdvance finalizes without a confirmation. It is the operator's escape
// hatch from AwaitingConfirmation or Failed(ConfirmationTimeout); the device
// may not have joined the network.
func (m *Machine) ForceAdvance(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	timedOut := m.state == StateFailed && errors.Is(m.result.Err, ErrConfirmationTimeout)
	if m.closed || m.session == nil || !(m.state == StateAwaitingConfirmation || timedOut) {
		defer m.mu.Unlock()
		return invalidState("force advance", m.state)
	}
	m.result.Err = nil
	epoch := m.beginFinalizeLocked()
	m.mu.Unlock()

	m.logger.Warn("Finalizing without device confirmation")
	if !m.finalize(ctx, epoch) {
		return newError(KindCancelled, "force advance", nil)
	}
	return nil
}

// beginFinalizeLocked moves to Finalizing under a new epoch.
func (m *Machine) beginFinalizeLocked() uint64 {
	m.stopTimerLocked()
	m.transitionLocked(StateFinalizing)
	m.epoch++
	return m.epoch
}

// finalize ends the session: end frame, unsubscribe, disconnect, register.
// Failures are recorded as warnings; the machine still completes.
// It reports whether the machine reached Completed. Callers hold opMu.
func (m *Machine) finalize(parent context.Context, epoch uint64) bool {
	m.mu.Lock()
	if m.epoch != epoch || m.session == nil {
		m.mu.Unlock()
		return false
	}
	s := *m.session
	m.session.sub = nil
	m.subGen++
	ctx, _ := m.beginOpLocked(parent)
	epoch = m.epoch
	m.mu.Unlock()

	defer m.endOp(epoch)
	log := m.logger.WithFields(logrus.Fields{"address": s.Device.ID, "serial": s.Serial})

	endFrame, err := codec.EncodeForTransport(codec.EncodeEndFrame(m.opts.EndFrame), m.opts.Encoding)
	if err == nil {
		err = m.write(ctx, s, codec.FullUUID(codec.ConfigCharacteristic), endFrame)
	}
	if err != nil {
		m.warn(newError(KindWrite, "write end frame", err))
	}

	if s.sub != nil {
		if err := s.sub.Cancel(); err != nil {
			m.warn(newError(KindWrite, "unsubscribe", err))
		}
	}
	m.transport.Disconnect(s.Handle)

	registered := m.register(ctx, s)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return false
	}
	m.session = nil
	m.result.Registered = registered
	m.result.FinishedAt = m.clock.Now()
	m.transitionLocked(StateCompleted)
	log.Info("Provisioning completed")
	return true
}

func (m *Machine) register(ctx context.Context, s Session) bool {
	if m.registry == nil {
		return false
	}
	if s.Serial == "" {
		m.warn(newError(KindRegistration, "register", errors.New("device serial number is unknown")))
		return false
	}

	regCtx, cancel := context.WithTimeout(ctx, m.opts.RegistryTimeout)
	defer cancel()

	ok, err := m.registry.RegisterDevice(regCtx, s.Serial, s.Device.ID, s.Device.Name)
	switch {
	case err != nil:
		m.warn(newError(KindRegistration, "register", err))
		return false
	case !ok:
		m.warn(newError(KindRegistration, "register", fmt.Errorf("registry rejected serial %q", s.Serial)))
		return false
	}
	return true
}
