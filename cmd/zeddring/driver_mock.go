//go:build !ble

package main

import (
	"log/slog"

	"zeddring/internal/domain"
	"zeddring/internal/driver"
	"zeddring/internal/infra/config"
)

// buildDriver returns the simulated backend. Builds without the ble tag
// have no Bluetooth stack; the daemon still runs end to end against
// scripted devices.
func buildDriver(_ *config.Config, log *slog.Logger) (domain.Driver, error) {
	log.Warn("built without ble tag, using simulated ring backend")
	return driver.NewMock(), nil
}
