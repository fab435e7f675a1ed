//go:build ble

package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"zeddring/internal/domain"
)

// BLE is the real transport backend over the host Bluetooth adapter
// (BlueZ on Linux). Battery and heart rate come from the standard GATT
// battery and heart-rate services.
//
// TODO: implement the Colmi R02 vendor protocol (steps, history, set-time,
// reboot) once the UART characteristic codec is ported; until then those
// operations report a transport failure.
type BLE struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	mu      sync.Mutex
	devices map[string]bluetooth.Device
}

var _ domain.Driver = (*BLE)(nil)

// NewBLE enables the default host adapter and returns the backend.
func NewBLE(logger *slog.Logger) (*BLE, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return &BLE{
		adapter: adapter,
		logger:  logger,
		devices: make(map[string]bluetooth.Device),
	}, nil
}

func parseAddress(address string) (bluetooth.Address, error) {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("parse address %q: %w", address, err)
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

func (b *BLE) Connect(ctx context.Context, address string) error {
	b.mu.Lock()
	_, already := b.devices[address]
	b.mu.Unlock()
	if already {
		return nil
	}

	addr, err := parseAddress(address)
	if err != nil {
		return err
	}

	dev, err := b.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", address, err)
	}

	b.mu.Lock()
	b.devices[address] = dev
	b.mu.Unlock()
	b.logger.Debug("ble link established", "address", address)
	return nil
}

func (b *BLE) Disconnect(ctx context.Context, address string) error {
	b.mu.Lock()
	dev, ok := b.devices[address]
	delete(b.devices, address)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := dev.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", address, err)
	}
	return nil
}

func (b *BLE) device(address string) (bluetooth.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.devices[address]
	if !ok {
		return bluetooth.Device{}, fmt.Errorf("%s: no active link", address)
	}
	return dev, nil
}

// characteristic resolves one service/characteristic pair on a connected
// device. Discovery is cheap enough at poll cadence to not cache.
func (b *BLE) characteristic(address string, svcUUID, charUUID bluetooth.UUID) (bluetooth.DeviceCharacteristic, error) {
	dev, err := b.device(address)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	svcs, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(svcs) == 0 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("%s: discover service: %w", address, err)
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil || len(chars) == 0 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("%s: discover characteristic: %w", address, err)
	}
	return chars[0], nil
}

func (b *BLE) ReadBattery(ctx context.Context, address string) (int, error) {
	char, err := b.characteristic(address, bluetooth.ServiceUUIDBattery, bluetooth.CharacteristicUUIDBatteryLevel)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 1)
	n, err := char.Read(buf)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s: read battery: %w", address, err)
	}
	return int(buf[0]), nil
}

func (b *BLE) ReadHeartRate(ctx context.Context, address string) (int, error) {
	char, err := b.characteristic(address, bluetooth.ServiceUUIDHeartRate, bluetooth.CharacteristicUUIDHeartRateMeasurement)
	if err != nil {
		return 0, err
	}

	// Heart rate measurement is notify-only; take the first notification.
	values := make(chan int, 1)
	if err := char.EnableNotifications(func(buf []byte) {
		if len(buf) < 2 {
			return
		}
		v := int(buf[1])
		if buf[0]&0x01 != 0 && len(buf) >= 3 { // 16-bit measurement flag
			v = int(buf[1]) | int(buf[2])<<8
		}
		select {
		case values <- v:
		default:
		}
	}); err != nil {
		return 0, fmt.Errorf("%s: enable hr notifications: %w", address, err)
	}
	defer char.EnableNotifications(nil)

	select {
	case v := <-values:
		return v, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (b *BLE) ReadSteps(ctx context.Context, address string) (int, error) {
	return 0, domain.NewDomainError("BLE.ReadSteps", domain.ErrTransportFailure, "vendor protocol not implemented")
}

func (b *BLE) ReadHistory(ctx context.Context, address string) (domain.History, error) {
	return domain.History{}, domain.NewDomainError("BLE.ReadHistory", domain.ErrTransportFailure, "vendor protocol not implemented")
}

func (b *BLE) SetTime(ctx context.Context, address string, t time.Time) error {
	return domain.NewDomainError("BLE.SetTime", domain.ErrTransportFailure, "vendor protocol not implemented")
}

func (b *BLE) Reboot(ctx context.Context, address string) error {
	return domain.NewDomainError("BLE.Reboot", domain.ErrTransportFailure, "vendor protocol not implemented")
}

func (b *BLE) Scan(ctx context.Context, d time.Duration, fn func(domain.Advertisement)) error {
	scanCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	stop := context.AfterFunc(scanCtx, func() {
		b.adapter.StopScan()
	})
	defer stop()

	err := b.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		fn(domain.Advertisement{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		})
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}
