package testutils

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	// LogOutput captures everything the logger wrote.
	LogOutput *bytes.Buffer
}

// NewTestHelper creates a test helper whose logger writes into a buffer.
func NewTestHelper(t *testing.T) *TestHelper {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:         t,
		Logger:    logger,
		LogOutput: buf,
	}
}

// NewQuietLogger returns a logger that drops everything below panic level.
func NewQuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}
