package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Device is the stable identity of this installation. It is generated once
// and never changes, so queued operations and presence survive restarts.
type Device struct {
	DeviceID  string    `toml:"device_id"`
	Name      string    `toml:"name,omitempty"`
	CreatedAt time.Time `toml:"created_at"`
}

// LoadDevice reads the identity file at path.
func LoadDevice(path string) (*Device, error) {
	var d Device
	if _, err := toml.DecodeFile(path, &d); err != nil {
		return nil, fmt.Errorf("failed to read device identity: %w", err)
	}
	if d.DeviceID == "" {
		return nil, fmt.Errorf("device identity %s has no device_id", path)
	}
	return &d, nil
}

// LoadOrCreateDevice returns the identity at path, creating it with a fresh
// UUID when the file does not exist. created reports which happened.
func LoadOrCreateDevice(path, name string) (d *Device, created bool, err error) {
	if _, statErr := os.Stat(path); statErr == nil {
		d, err = LoadDevice(path)
		return d, false, err
	} else if !os.IsNotExist(statErr) {
		return nil, false, fmt.Errorf("failed to stat device identity: %w", statErr)
	}

	d = &Device{
		DeviceID:  uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := writeDevice(path, d); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func writeDevice(path string, d *Device) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create device directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".device-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create device identity: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(d); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode device identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write device identity: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install device identity: %w", err)
	}
	return nil
}
