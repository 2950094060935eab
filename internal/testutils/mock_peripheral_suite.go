package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gcprov/internal/device"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// ProvisioningProfile is the GATT layout a GC- peripheral reports after discovery.
var ProvisioningProfile = device.ServiceMap{
	"1800": {"2a00"},
	"12ce": {"ce01", "ce02", "ce03"},
}

// MockPeripheralSuite provides a reusable suite with a mocked transport wired to
// behave like a GC- peripheral.
//
//	type MachineSuite struct {
//	    testutils.MockPeripheralSuite
//	}
//
//	func (s *MachineSuite) SetupTest() {
//	    s.MockPeripheralSuite.SetupTest()
//	    s.ExpectConnect("AA:BB")
//	}
type MockPeripheralSuite struct {
	suite.Suite

	Helper    *TestHelper
	Logger    *logrus.Logger
	Transport *MockTransport
	Registry  *MockRegistry

	TestTimeout time.Duration
}

// SetupTest creates fresh mocks for every test.
func (s *MockPeripheralSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Transport = NewMockTransport()
	s.Registry = &MockRegistry{}
	if s.TestTimeout == 0 {
		s.TestTimeout = 2 * time.Second
	}
}

// ExpectConnect wires Ready, Connect, DiscoverServices and Disconnect for address
// and returns the handle the mock hands out.
func (s *MockPeripheralSuite) ExpectConnect(address string, services device.ServiceMap) *Handle {
	h := &Handle{Addr: address}
	if services == nil {
		services = ProvisioningProfile
	}

	s.Transport.On("Ready", mock.Anything).Return(nil).Maybe()
	s.Transport.On("Connect", mock.Anything, address, mock.Anything).Return(h, nil).Once()
	s.Transport.On("DiscoverServices", mock.Anything, h).Return(services, nil).Once()
	s.Transport.On("Disconnect", mock.Anything).Return().Maybe()
	return h
}

// ExpectNetworkList answers the list characteristic read with payload.
func (s *MockPeripheralSuite) ExpectNetworkList(h *Handle, payload []byte) {
	s.Transport.On("ReadCharacteristic", mock.Anything, h, mock.Anything, device.MustExpandUUID("ce01")).
		Return(payload, nil).Once()
}

// ExpectSubscribe arms the config characteristic subscription.
func (s *MockPeripheralSuite) ExpectSubscribe(h *Handle) *MockSubscription {
	sub := &MockSubscription{}
	s.Transport.On("Subscribe", mock.Anything, h, mock.Anything, device.MustExpandUUID("ce02"), mock.Anything).
		Return(sub, nil).Once()
	return sub
}

// WaitFor waits for cond within the suite timeout.
func (s *MockPeripheralSuite) WaitFor(cond func() bool, msgAndArgs ...interface{}) {
	s.Require().Eventually(cond, s.TestTimeout, 5*time.Millisecond, msgAndArgs...)
}
