package main

import (
	"context"

	"github.com/gen2brain/beeep"
	"github.com/sirupsen/logrus"
	"github.com/srg/gcprov/internal/device"
	goble "github.com/srg/gcprov/internal/device/go-ble"
	"github.com/srg/gcprov/internal/history"
	"github.com/srg/gcprov/internal/provision"
	"github.com/srg/gcprov/internal/registry"
	"github.com/srg/gcprov/pkg/config"
)

// Collaborator factories. Tests replace them with mocks.
var (
	newTransport = func(cfg *config.Config, logger *logrus.Logger) device.Transport {
		return goble.NewTransport(logger, cfg.TransportOptions())
	}

	newRegistry = func(cfg *config.Config, logger *logrus.Logger) (provision.Registry, error) {
		if cfg.Registry.URL == "" {
			return nil, nil
		}
		return registry.NewHTTPClient(registry.Config{
			BaseURL: cfg.Registry.URL,
			Token:   cfg.Registry.Token,
			Timeout: cfg.Registry.Timeout,
			Logger:  logger,
		})
	}

	openHistory = func(ctx context.Context, cfg *config.Config) (*history.Store, error) {
		path, err := cfg.ResolvedHistoryPath()
		if err != nil {
			return nil, err
		}
		return history.Open(ctx, path)
	}

	desktopNotify = func(title, message string) error {
		return beeep.Notify(title, message, "")
	}
)
