package goble

import (
	"context"
	"errors"

	ble "github.com/go-ble/ble"
	"github.com/srg/gcprov/internal/device"
)

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement.
// It blocks until ctx is done; context cancellation is a normal end of scan and returns nil.
func (t *Transport) Scan(ctx context.Context, filter device.AdvertisementFilter, onDevice func(device.Advertisement)) error {
	dev, err := t.hostDevice()
	if err != nil {
		return err
	}

	// Adapter: convert a handler expecting a device.Advertisement to the one expecting ble.Advertisement
	bleHandler := func(adv ble.Advertisement) {
		wrapped := NewBLEAdvertisement(adv)
		if filter != nil && !filter(wrapped) {
			return
		}
		onDevice(wrapped)
	}

	t.logger.Debug("Starting BLE scan")
	err = dev.Scan(ctx, true, bleHandler)
	if err != nil && ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = nil
	}
	t.logger.WithField("error", err).Debug("BLE scan stopped")
	return NormalizeError(err)
}
