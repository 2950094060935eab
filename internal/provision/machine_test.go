package provision_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/srg/gcprov/internal/codec"
	"github.com/srg/gcprov/internal/device"
	"github.com/srg/gcprov/internal/provision"
	"github.com/srg/gcprov/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const deviceAddr = "AA:BB"

var (
	listChar   = device.MustExpandUUID("ce01")
	configChar = device.MustExpandUUID("ce02")
	serialChar = device.MustExpandUUID("ce03")

	homeFrame = []byte("_UWF:Home\x06secret1\x04")
	endFrame  = []byte("_END:\x04")
)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) provision.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every due timer.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
}

// Active counts timers that are neither stopped nor fired.
func (c *manualClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type MachineTestSuite struct {
	testutils.MockPeripheralSuite

	clock *manualClock
}

func (s *MachineTestSuite) SetupTest() {
	s.MockPeripheralSuite.SetupTest()
	s.clock = newManualClock()
}

func (s *MachineTestSuite) newMachine(registry provision.Registry, tweak ...func(*provision.Options)) *provision.Machine {
	opts := provision.DefaultOptions()
	opts.Clock = s.clock
	opts.ScanDuration = 30 * time.Millisecond
	for _, fn := range tweak {
		fn(&opts)
	}

	m := provision.New(s.Transport, registry, opts, s.Logger)
	s.T().Cleanup(m.Close)
	return m
}

// connect drives a machine to AwaitingCredentials against the default profile.
// The device was not scanned, so the serial comes from 0xCE03.
func (s *MachineTestSuite) connect(m *provision.Machine) *testutils.Handle {
	h := s.ExpectConnect(deviceAddr, nil)
	s.Transport.On("ReadCharacteristic", mock.Anything, h, mock.Anything, serialChar).
		Return([]byte("SN-0042\x00"), nil).Once()
	s.ExpectNetworkList(h, []byte("Home\x06Office\x06\x00Guest\x00"))

	s.Require().NoError(m.Connect(context.Background(), deviceAddr))
	s.Require().Equal(provision.StateAwaitingCredentials, m.State())
	return h
}

func (s *MachineTestSuite) expectWrite(h *testutils.Handle, data []byte, mode device.WriteMode, err error) *mock.Call {
	return s.Transport.On("WriteCharacteristic", mock.Anything, h, mock.Anything, configChar, data, mode).
		Return(err).Once()
}

func (s *MachineTestSuite) methodOrder() []string {
	var names []string
	for _, c := range s.Transport.Calls {
		names = append(names, c.Method)
	}
	return names
}

func drainStates(m *provision.Machine) []provision.State {
	var states []provision.State
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == provision.EventStateChanged {
				states = append(states, ev.State)
			}
		default:
			return states
		}
	}
}

func (s *MachineTestSuite) TestProvisionHappyPath() {
	// GOAL: Verify a full scan → connect → configure → confirm → finalize run
	//
	// TEST SCENARIO: Device GC-XYZ123 confirms with "WIFI_OK" → Completed, registered with serial XYZ123

	adv := testutils.CreateMockAdvertisement("GC-XYZ123", deviceAddr, -60).Build()
	s.Transport.On("Ready", mock.Anything).Return(nil)
	s.Transport.On("Scan", mock.Anything, mock.Anything, mock.Anything).
		Run(testutils.ReplayAdvertisements(adv)).Return(nil).Once()

	h := s.ExpectConnect(deviceAddr, nil)
	s.ExpectNetworkList(h, []byte("Home\x06Office\x06\x00Guest\x00"))
	sub := s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, nil)
	s.expectWrite(h, endFrame, device.WithResponse, nil)
	s.Registry.On("RegisterDevice", mock.Anything, "XYZ123", deviceAddr, "GC-XYZ123").Return(true, nil).Once()

	m := s.newMachine(s.Registry)
	ctx := context.Background()

	s.Require().NoError(m.Scan(ctx))
	devices := m.Devices()
	s.Require().Len(devices, 1)
	s.Equal("XYZ123", devices[0].Serial, "serial MUST be the name suffix")
	s.Equal(provision.StateIdle, m.State(), "scan MUST return to Idle")

	s.Require().NoError(m.Connect(ctx, deviceAddr))
	s.Equal([]string{"Home", "Office", "Guest"}, codec.SSIDs(m.Networks()))

	s.Require().NoError(m.Configure(ctx, "Home", "secret1"))
	s.Equal(provision.StateAwaitingConfirmation, m.State())
	s.Equal(1, s.clock.Active(), "confirmation timeout MUST be armed")

	s.Equal(1, s.Transport.Notify("ce02", []byte("  Wifi_OK  ")))
	s.WaitFor(func() bool { return m.State() == provision.StateCompleted }, "machine MUST complete after confirmation")

	res := m.Result()
	s.True(res.Registered)
	s.Equal("XYZ123", res.Serial)
	s.Equal("Home", res.SSID)
	s.Empty(res.Warnings)
	s.NoError(res.Err)
	s.True(sub.Cancelled(), "subscription MUST be cancelled when finalizing")
	s.Equal(0, s.clock.Active(), "timer MUST be cleared on confirmation")

	_, live := m.Session()
	s.False(live, "session MUST be released")
	s.Transport.AssertCalled(s.T(), "Disconnect", h)
	s.Registry.AssertExpectations(s.T())

	s.Equal([]provision.State{
		provision.StateScanning,
		provision.StateIdle,
		provision.StateConnecting,
		provision.StateDiscovering,
		provision.StateListingNetworks,
		provision.StateAwaitingCredentials,
		provision.StateConfiguring,
		provision.StateAwaitingConfirmation,
		provision.StateFinalizing,
		provision.StateCompleted,
	}, drainStates(m))
}

func (s *MachineTestSuite) TestSubscriptionArmedBeforeWrite() {
	// GOAL: Verify the confirmation listener is armed strictly before the credential write
	//
	// TEST SCENARIO: Configure → Subscribe call recorded before the first WriteCharacteristic

	m := s.newMachine(nil)
	h := s.connect(m)
	s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, nil)

	s.Require().NoError(m.Configure(context.Background(), "Home", "secret1"))

	order := s.methodOrder()
	subscribeAt, writeAt := -1, -1
	for i, name := range order {
		if name == "Subscribe" && subscribeAt < 0 {
			subscribeAt = i
		}
		if name == "WriteCharacteristic" && writeAt < 0 {
			writeAt = i
		}
	}
	s.Require().GreaterOrEqual(subscribeAt, 0)
	s.Less(subscribeAt, writeAt, "Subscribe MUST precede the credential write")
}

func (s *MachineTestSuite) TestConfirmationBeforeWriteReturns() {
	// GOAL: Verify a confirmation racing the write is not lost
	//
	// TEST SCENARIO: Device notifies "wifi ok" while the write is still in flight → Completed on return

	m := s.newMachine(nil)
	h := s.connect(m)
	s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, nil).Run(func(mock.Arguments) {
		s.Transport.Notify("ce02", []byte("WIFI OK"))
	})
	s.expectWrite(h, endFrame, device.WithResponse, nil)

	s.Require().NoError(m.Configure(context.Background(), "Home", "secret1"))

	s.Equal(provision.StateCompleted, m.State())
	s.Equal(0, s.clock.Active(), "no timer MUST remain armed")
	s.Equal("SN-0042", m.Result().Serial)
}

func (s *MachineTestSuite) TestNonConfirmingNotificationsPassThrough() {
	m := s.newMachine(nil)
	h := s.connect(m)
	s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, nil)
	s.Require().NoError(m.Configure(context.Background(), "Home", "secret1"))
	drainStates(m)

	s.Transport.Notify("ce02", []byte("wifi_failed"))

	ev := <-m.Events()
	s.Require().Equal(provision.EventNotification, ev.Type)
	s.Equal(codec.NotificationOther, ev.Notification.Kind)
	s.Equal("wifi_failed", ev.Notification.Text, "raw text MUST be passed through")
	s.Equal(provision.StateAwaitingConfirmation, m.State())
}

func (s *MachineTestSuite) TestConfirmationTimeoutAndForceAdvance() {
	// GOAL: Verify the 40s timeout fails the attempt but keeps the session for the manual override
	//
	// TEST SCENARIO: No notification for 40s → Failed(ConfirmationTimeout); ForceAdvance → Completed

	m := s.newMachine(nil)
	h := s.connect(m)
	s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, nil)
	s.Require().NoError(m.Configure(context.Background(), "Home", "secret1"))

	s.clock.Advance(39999 * time.Millisecond)
	s.Equal(provision.StateAwaitingConfirmation, m.State(), "timeout MUST NOT fire early")

	s.clock.Advance(time.Millisecond)
	s.Equal(provision.StateFailed, m.State())
	s.ErrorIs(m.Failure(), provision.ErrConfirmationTimeout)
	_, live := m.Session()
	s.True(live, "session MUST stay open after a confirmation timeout")
	s.Transport.AssertNotCalled(s.T(), "Disconnect", mock.Anything)

	s.Transport.Notify("ce02", []byte("ok"))
	s.Equal(provision.StateFailed, m.State(), "late confirmations MUST NOT revive a failed attempt")

	s.expectWrite(h, endFrame, device.WithResponse, nil)
	s.Require().NoError(m.ForceAdvance(context.Background()))
	s.Equal(provision.StateCompleted, m.State())
	s.NoError(m.Result().Err)
}

func (s *MachineTestSuite) TestResendRearmsTimer() {
	// GOAL: Verify re-arming the timeout cancels the prior timer and replaces the subscription
	//
	// TEST SCENARIO: Configure, wait 30s, resend → first deadline passes silently, second one fires once

	m := s.newMachine(nil)
	h := s.connect(m)
	first := s.ExpectSubscribe(h)
	second := s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, nil)
	s.expectWrite(h, []byte("_UWF:Home\x06secret2\x04"), device.WithResponse, nil)

	ctx := context.Background()
	s.Require().NoError(m.Configure(ctx, "Home", "secret1"))
	s.clock.Advance(30 * time.Second)

	s.Require().NoError(m.Configure(ctx, "Home", "secret2"))
	s.True(first.Cancelled(), "prior subscription MUST be cancelled before re-arming")
	s.False(second.Cancelled())
	s.Equal(1, s.clock.Active(), "exactly one timer MUST be armed")

	s.clock.Advance(30 * time.Second)
	s.Equal(provision.StateAwaitingConfirmation, m.State(), "the first timer MUST NOT fire")

	s.clock.Advance(10 * time.Second)
	s.Equal(provision.StateFailed, m.State())
	s.ErrorIs(m.Failure(), provision.ErrConfirmationTimeout)

	errorEvents := 0
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == provision.EventError {
				errorEvents++
			}
			continue
		default:
		}
		break
	}
	s.Equal(1, errorEvents, "timeout handling MUST run once")
}

func (s *MachineTestSuite) TestStaleSubscriptionCallbackIgnored() {
	m := s.newMachine(nil)
	h := s.connect(m)
	s.ExpectSubscribe(h)
	s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, nil).Twice()

	ctx := context.Background()
	s.Require().NoError(m.Configure(ctx, "Home", "secret1"))
	s.Require().NoError(m.Configure(ctx, "Home", "secret1"))

	var staleCallback func([]byte)
	for _, c := range s.Transport.Calls {
		if c.Method == "Subscribe" {
			staleCallback = c.Arguments.Get(4).(func([]byte))
			break
		}
	}
	s.Require().NotNil(staleCallback)

	staleCallback([]byte("WIFI_OK"))
	s.Equal(provision.StateAwaitingConfirmation, m.State(), "replaced subscription MUST NOT drive the machine")
}

func (s *MachineTestSuite) TestConnectFailureReturnsToIdle() {
	s.Transport.On("Connect", mock.Anything, deviceAddr, mock.Anything).
		Return(nil, device.ErrTimeout).Once()

	m := s.newMachine(nil)
	err := m.Connect(context.Background(), deviceAddr)

	s.ErrorIs(err, provision.ErrConnect)
	s.ErrorIs(err, device.ErrTimeout, "transport cause MUST be preserved")
	s.Equal(provision.StateIdle, m.State(), "connect failure MUST return to Idle")
	s.Transport.AssertNumberOfCalls(s.T(), "Connect", 1)
	s.Transport.AssertNotCalled(s.T(), "DiscoverServices", mock.Anything, mock.Anything)
}

func (s *MachineTestSuite) TestDiscoveryFailures() {
	cases := []struct {
		name     string
		services device.ServiceMap
		notFound bool
	}{
		{name: "no target service", services: device.ServiceMap{"1800": {"2a00"}}},
		{name: "config characteristic missing", services: device.ServiceMap{"12ce": {"ce01"}}, notFound: true},
		{name: "list characteristic missing", services: device.ServiceMap{"12cf": {"ce02"}}, notFound: true},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.SetupTest()
			h := s.ExpectConnect(deviceAddr, tc.services)
			m := s.newMachine(nil)

			err := m.Connect(context.Background(), deviceAddr)

			s.ErrorIs(err, provision.ErrDiscovery)
			s.Equal(provision.StateFailed, m.State(), "discovery failure MUST be fatal")
			s.Transport.AssertCalled(s.T(), "Disconnect", h)
			s.Transport.AssertNotCalled(s.T(), "ReadCharacteristic", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

			var nf *device.NotFoundError
			s.Equal(tc.notFound, errors.As(err, &nf))
		})
	}
}

func (s *MachineTestSuite) TestSecondaryServiceAccepted() {
	h := s.ExpectConnect(deviceAddr, device.ServiceMap{"12cf": {"ce01", "ce02"}})
	s.Transport.On("ReadCharacteristic", mock.Anything, h, device.MustExpandUUID("12cf"), listChar).
		Return([]byte("Office"), nil).Once()

	m := s.newMachine(nil)
	s.Require().NoError(m.Connect(context.Background(), deviceAddr))

	s.Equal(provision.StateAwaitingCredentials, m.State())
	session, ok := m.Session()
	s.Require().True(ok)
	s.Equal(device.MustExpandUUID("12cf"), session.Service)
	s.Empty(session.Serial, "no name and no 0xCE03 MUST leave the serial empty")
}

func (s *MachineTestSuite) TestListReadFailureDegrades() {
	// GOAL: Verify a failed list read yields an empty list instead of aborting
	//
	// TEST SCENARIO: ReadCharacteristic(0xCE01) fails → AwaitingCredentials, no networks, ReadError warning

	h := s.ExpectConnect(deviceAddr, device.ServiceMap{"12ce": {"ce01", "ce02"}})
	s.Transport.On("ReadCharacteristic", mock.Anything, h, mock.Anything, listChar).
		Return(nil, errors.New("att error 0x0e")).Once()

	m := s.newMachine(nil)
	s.Require().NoError(m.Connect(context.Background(), deviceAddr))

	s.Equal(provision.StateAwaitingCredentials, m.State())
	s.Empty(m.Networks())
	warnings := m.Result().Warnings
	s.Require().Len(warnings, 1)
	s.ErrorIs(warnings[0], provision.ErrRead)
}

func (s *MachineTestSuite) TestSerialFromCharacteristic() {
	adv := testutils.CreateMockAdvertisement("GC-XYZ123", deviceAddr, -60).Build()
	s.Transport.On("Ready", mock.Anything).Return(nil)
	s.Transport.On("Scan", mock.Anything, mock.Anything, mock.Anything).
		Run(testutils.ReplayAdvertisements(adv)).Return(nil).Once()
	h := s.ExpectConnect(deviceAddr, nil)
	s.Transport.On("ReadCharacteristic", mock.Anything, h, mock.Anything, serialChar).
		Return([]byte("SN-9"), nil).Once()
	s.ExpectNetworkList(h, []byte("Home"))

	m := s.newMachine(nil, func(o *provision.Options) { o.SerialSource = provision.SerialFromCharacteristic })
	s.Require().NoError(m.Scan(context.Background()))
	s.Require().NoError(m.Connect(context.Background(), deviceAddr))

	s.Equal("SN-9", m.Result().Serial, "characteristic serial MUST win over the name suffix")
}

func (s *MachineTestSuite) TestWriteFallbackWithoutResponse() {
	m := s.newMachine(nil)
	h := s.connect(m)
	s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, errors.New("write not permitted"))
	s.expectWrite(h, homeFrame, device.WithoutResponse, nil)

	s.Require().NoError(m.Configure(context.Background(), "Home", "secret1"))
	s.Equal(provision.StateAwaitingConfirmation, m.State())
}

func (s *MachineTestSuite) TestWriteFallbackAfterTimeoutGetsFreshDeadline() {
	// GOAL: Verify the without-response fallback still runs when the with-response write times out
	//
	// TEST SCENARIO: With-response write blocks past WriteTimeout → fallback receives a live context → AwaitingConfirmation

	m := s.newMachine(nil, func(o *provision.Options) { o.WriteTimeout = 30 * time.Millisecond })
	h := s.connect(m)
	s.ExpectSubscribe(h)

	s.Transport.On("WriteCharacteristic", mock.Anything, h, mock.Anything, configChar, homeFrame, device.WithResponse).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(device.ErrTimeout).Once()

	var fallbackErr error
	s.Transport.On("WriteCharacteristic", mock.Anything, h, mock.Anything, configChar, homeFrame, device.WithoutResponse).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			fallbackErr = ctx.Err()
			_, hasDeadline := ctx.Deadline()
			s.True(hasDeadline, "fallback write MUST be bounded by WriteTimeout")
		}).
		Return(nil).Once()

	s.Require().NoError(m.Configure(context.Background(), "Home", "secret1"))

	s.NoError(fallbackErr, "fallback write MUST get a context that has not expired")
	s.Equal(provision.StateAwaitingConfirmation, m.State())
}

func (s *MachineTestSuite) TestWriteFailureIsFatal() {
	// GOAL: Verify a failed credential write never reaches AwaitingConfirmation
	//
	// TEST SCENARIO: Both write modes fail → Failed(WriteError), no timer, link released

	m := s.newMachine(nil)
	h := s.connect(m)
	sub := s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, errors.New("att error"))
	s.expectWrite(h, homeFrame, device.WithoutResponse, device.ErrNotConnected)

	err := m.Configure(context.Background(), "Home", "secret1")

	s.ErrorIs(err, provision.ErrWrite)
	s.ErrorIs(err, device.ErrNotConnected)
	s.Equal(provision.StateFailed, m.State())
	s.Equal(0, s.clock.Active(), "no timer MUST be armed after a failed write")
	s.True(sub.Cancelled())
	s.Transport.AssertCalled(s.T(), "Disconnect", h)
}

func (s *MachineTestSuite) TestConfigureGuards() {
	s.Run("not connected", func() {
		m := s.newMachine(nil)
		err := m.Configure(context.Background(), "Home", "secret1")
		s.ErrorIs(err, provision.ErrInvalidState)
		s.Transport.AssertNotCalled(s.T(), "WriteCharacteristic", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	s.Run("invalid credentials", func() {
		s.SetupTest()
		m := s.newMachine(nil)
		s.connect(m)

		err := m.Configure(context.Background(), "", "secret1")
		s.ErrorIs(err, codec.ErrInvalidSSID)
		s.Equal(provision.StateAwaitingCredentials, m.State(), "rejected credentials MUST NOT change state")
	})
}

func (s *MachineTestSuite) TestCancelMidWrite() {
	// GOAL: Verify Cancel is safe while a write is in flight
	//
	// TEST SCENARIO: Write blocks → Cancel → write aborted, Failed(Cancelled), subscription and link released

	m := s.newMachine(nil)
	h := s.connect(m)
	sub := s.ExpectSubscribe(h)

	started := make(chan struct{})
	s.Transport.On("WriteCharacteristic", mock.Anything, h, mock.Anything, configChar, homeFrame, device.WithResponse).
		Run(func(args mock.Arguments) {
			close(started)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.Canceled).Once()

	done := make(chan error, 1)
	go func() { done <- m.Configure(context.Background(), "Home", "secret1") }()

	select {
	case <-started:
	case <-time.After(s.TestTimeout):
		s.FailNow("write was never issued")
	}
	m.Cancel()

	select {
	case err := <-done:
		s.ErrorIs(err, provision.ErrCancelled)
	case <-time.After(s.TestTimeout):
		s.FailNow("Configure did not return after Cancel")
	}

	s.Equal(provision.StateFailed, m.State())
	s.ErrorIs(m.Failure(), provision.ErrCancelled)
	s.True(sub.Cancelled())
	s.Transport.AssertCalled(s.T(), "Disconnect", h)
	s.Transport.AssertNumberOfCalls(s.T(), "WriteCharacteristic", 1)
}

func (s *MachineTestSuite) TestFinalizeFailuresAreWarnings() {
	// GOAL: Verify finalizing never rolls back once the device joined WiFi
	//
	// TEST SCENARIO: End frame write and registration both fail → Completed with two warnings

	m := s.newMachine(s.Registry)
	h := s.connect(m)
	s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, nil)
	s.expectWrite(h, endFrame, device.WithResponse, errors.New("link lost"))
	s.expectWrite(h, endFrame, device.WithoutResponse, errors.New("link lost"))
	s.Registry.On("RegisterDevice", mock.Anything, "SN-0042", deviceAddr, "").
		Return(false, errors.New("503 service unavailable")).Once()

	s.Require().NoError(m.Configure(context.Background(), "Home", "secret1"))
	s.Transport.Notify("ce02", []byte("wifiok"))
	s.WaitFor(func() bool { return m.State() == provision.StateCompleted })

	res := m.Result()
	s.False(res.Registered)
	s.Require().Len(res.Warnings, 2)
	s.ErrorIs(res.Warnings[0], provision.ErrWrite)
	s.ErrorIs(res.Warnings[1], provision.ErrRegistration)
	s.Transport.AssertCalled(s.T(), "Disconnect", h)
}

func (s *MachineTestSuite) TestAlternateEndFrame() {
	m := s.newMachine(nil, func(o *provision.Options) { o.EndFrame = codec.EndFrameDotStar })
	h := s.connect(m)
	s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, nil)
	s.expectWrite(h, []byte("_END.*\x04"), device.WithResponse, nil)

	s.Require().NoError(m.Configure(context.Background(), "Home", "secret1"))
	s.Require().NoError(m.ForceAdvance(context.Background()))

	s.Equal(provision.StateCompleted, m.State())
}

func (s *MachineTestSuite) TestResetAndReconnect() {
	m := s.newMachine(nil)
	s.connect(m)

	s.ErrorIs(m.Reset(), provision.ErrInvalidState, "Reset MUST require a terminal state")

	m.Cancel()
	s.Equal(provision.StateFailed, m.State())
	s.ErrorIs(m.Failure(), provision.ErrCancelled)

	s.Require().NoError(m.Reset())
	s.Equal(provision.StateIdle, m.State())
	s.Empty(m.Networks())
	s.NoError(m.Result().Err)
}

func (s *MachineTestSuite) TestConnectRejectedFromTerminalStates() {
	// GOAL: Verify a finished attempt is left only through Reset
	//
	// TEST SCENARIO: Connect → Cancel (Failed) → Connect rejected with ErrInvalidState → Reset → Connect allowed

	m := s.newMachine(nil)
	s.connect(m)
	m.Cancel()
	s.Require().Equal(provision.StateFailed, m.State())

	err := m.Connect(context.Background(), "CC:DD")

	s.ErrorIs(err, provision.ErrInvalidState)
	s.Equal(provision.StateFailed, m.State(), "rejected Connect MUST NOT change state")
	s.ErrorIs(m.Failure(), provision.ErrCancelled, "the failure MUST be preserved")
	s.Transport.AssertNotCalled(s.T(), "Connect", mock.Anything, "CC:DD", mock.Anything)

	second := s.ExpectConnect("CC:DD", device.ServiceMap{"12ce": {"ce01", "ce02"}})
	s.ExpectNetworkList(second, []byte("Guest"))
	s.Require().NoError(m.Reset())
	s.Require().NoError(m.Connect(context.Background(), "CC:DD"))
	s.Equal(provision.StateAwaitingCredentials, m.State())
}

func (s *MachineTestSuite) TestLinkLossFailsAwaitingConfirmation() {
	// GOAL: Verify a dropped link ends the attempt at once instead of waiting for the timeout
	//
	// TEST SCENARIO: Credentials sent → peripheral drops the link → Failed(ConnectError), timer cleared, session released

	h := s.ExpectConnect(deviceAddr, nil)
	h.Lost = make(chan struct{})
	s.Transport.On("ReadCharacteristic", mock.Anything, h, mock.Anything, serialChar).
		Return([]byte("SN-0042"), nil).Once()
	s.ExpectNetworkList(h, []byte("Home"))
	sub := s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, nil)

	m := s.newMachine(nil)
	s.Require().NoError(m.Connect(context.Background(), deviceAddr))
	s.Require().NoError(m.Configure(context.Background(), "Home", "secret1"))
	s.Require().Equal(provision.StateAwaitingConfirmation, m.State())

	h.Drop()

	s.WaitFor(func() bool { return m.State() == provision.StateFailed }, "link loss MUST fail the attempt")
	s.ErrorIs(m.Failure(), provision.ErrConnect)
	s.ErrorIs(m.Failure(), device.ErrLinkLost)
	s.Equal(0, s.clock.Active(), "confirmation timer MUST be cleared")
	s.True(sub.Cancelled())
	_, ok := m.Session()
	s.False(ok, "session MUST be released")

	s.Equal(0, s.Transport.Notify("ce02", []byte("WIFI_OK")), "no listener MUST survive the loss")
	s.Equal(provision.StateFailed, m.State())
}

func (s *MachineTestSuite) TestLinkLossAfterFinishIgnored() {
	// GOAL: Verify the machine's own disconnect is not mistaken for link loss
	//
	// TEST SCENARIO: Completed run → handle closes → state stays Completed

	h := s.ExpectConnect(deviceAddr, nil)
	h.Lost = make(chan struct{})
	s.Transport.On("ReadCharacteristic", mock.Anything, h, mock.Anything, serialChar).
		Return([]byte("SN-0042"), nil).Once()
	s.ExpectNetworkList(h, []byte("Home"))
	s.ExpectSubscribe(h)
	s.expectWrite(h, homeFrame, device.WithResponse, nil)
	s.expectWrite(h, endFrame, device.WithResponse, nil)

	m := s.newMachine(nil)
	s.Require().NoError(m.Connect(context.Background(), deviceAddr))
	s.Require().NoError(m.Configure(context.Background(), "Home", "secret1"))
	s.Require().NoError(m.ForceAdvance(context.Background()))
	s.Require().Equal(provision.StateCompleted, m.State())

	h.Drop()

	s.Never(func() bool { return m.State() != provision.StateCompleted }, 50*time.Millisecond, 5*time.Millisecond)
	s.NoError(m.Result().Err)
}

func (s *MachineTestSuite) TestConnectTearsDownPriorSession() {
	m := s.newMachine(nil)
	first := s.connect(m)

	second := s.ExpectConnect("CC:DD", device.ServiceMap{"12ce": {"ce01", "ce02"}})
	s.ExpectNetworkList(second, []byte("Guest"))

	s.Require().NoError(m.Connect(context.Background(), "CC:DD"))

	s.Transport.AssertCalled(s.T(), "Disconnect", first)
	session, ok := m.Session()
	s.Require().True(ok)
	s.Equal("CC:DD", session.Handle.Address())
	s.Equal([]string{"Guest"}, codec.SSIDs(m.Networks()))
}

func (s *MachineTestSuite) TestScanTransportUnavailable() {
	s.Transport.On("Ready", mock.Anything).Return(device.ErrTransportUnavailable)

	m := s.newMachine(nil)
	err := m.Scan(context.Background())

	s.ErrorIs(err, provision.ErrTransportUnavailable)
	s.Equal(provision.StateIdle, m.State(), "the attempt MUST end back in Idle")
}

func (s *MachineTestSuite) TestScanWithRegistryValidation() {
	allowed := testutils.CreateMockAdvertisement("GC-A1", "AA:01", -50).Build()
	denied := testutils.CreateMockAdvertisement("GC-B2", "AA:02", -40).Build()
	s.Transport.On("Ready", mock.Anything).Return(nil)
	s.Transport.On("Scan", mock.Anything, mock.Anything, mock.Anything).
		Run(testutils.ReplayAdvertisements(allowed, denied)).Return(nil).Once()
	s.Registry.On("ValidateDeviceRegistration", mock.Anything, "A1").Return(true, nil).Once()
	s.Registry.On("ValidateDeviceRegistration", mock.Anything, "B2").Return(false, nil).Once()

	m := s.newMachine(s.Registry, func(o *provision.Options) { o.ValidateRegistration = true })
	s.Require().NoError(m.Scan(context.Background()))

	devices := m.Devices()
	s.Require().Len(devices, 1)
	s.Equal("AA:01", devices[0].ID)
}

func (s *MachineTestSuite) TestCloseEndsEventStream() {
	m := s.newMachine(nil)
	m.Close()

	s.WaitFor(func() bool {
		select {
		case _, ok := <-m.Events():
			return !ok
		default:
			return false
		}
	}, "event stream MUST be closed")
	s.ErrorIs(m.Scan(context.Background()), provision.ErrInvalidState)
}

func (s *MachineTestSuite) TestCloseReportsDiscardedEvents() {
	// GOAL: Verify a consumer that fell behind is reported when the machine closes
	//
	// TEST SCENARIO: Event buffer of 2, unread connect events → Close logs the overwrite count once

	m := s.newMachine(nil, func(o *provision.Options) { o.EventBuffer = 2 })
	s.connect(m)

	m.Close()
	m.Close()

	logs := s.Helper.LogOutput.String()
	s.Contains(logs, "oldest events were discarded")
	s.Equal(1, strings.Count(logs, "oldest events were discarded"), "Close MUST report once")
}

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}

func TestErrorIsMatchesKind(t *testing.T) {
	cause := errors.New("boom")
	err := &provision.Error{Kind: provision.KindWrite, Op: "write credentials", Err: cause}

	assert.ErrorIs(t, err, provision.ErrWrite)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, provision.ErrRead)
	assert.Equal(t, "write credentials: write error: boom", err.Error())
	assert.Equal(t, provision.KindWrite, provision.KindOf(err))
	assert.Equal(t, provision.Kind(""), provision.KindOf(cause))
}

func TestDefaultOptions(t *testing.T) {
	opts := provision.DefaultOptions()

	require.Equal(t, "GC-", opts.NamePrefix)
	require.Equal(t, 15*time.Second, opts.ScanDuration)
	require.Equal(t, 40*time.Second, opts.ConfirmationTimeout)
	require.Equal(t, codec.EndFrameColon, opts.EndFrame)
	require.Equal(t, codec.EncodingRaw, opts.Encoding)
	require.Equal(t, provision.SerialFromName, opts.SerialSource)
	require.NotNil(t, opts.Clock)
}

func TestParseSerialSource(t *testing.T) {
	src, err := provision.ParseSerialSource(" Characteristic ")
	require.NoError(t, err)
	require.Equal(t, provision.SerialFromCharacteristic, src)

	src, err = provision.ParseSerialSource("")
	require.NoError(t, err)
	require.Equal(t, provision.SerialFromName, src)

	_, err = provision.ParseSerialSource("eeprom")
	require.Error(t, err)
}
