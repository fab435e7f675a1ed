//go:build ble

package main

import (
	"log/slog"

	"zeddring/internal/domain"
	"zeddring/internal/driver"
	"zeddring/internal/infra/config"
)

// buildDriver returns the real Bluetooth backend.
func buildDriver(_ *config.Config, log *slog.Logger) (domain.Driver, error) {
	log.Info("bluetooth backend enabled (ble build)")
	return driver.NewBLE(log)
}
