package schema

import (
	"fmt"
	"time"
)

// DeviceStatus is the presence state of a device.
type DeviceStatus string

const (
	DeviceActive  DeviceStatus = "active"
	DeviceIdle    DeviceStatus = "idle"
	DeviceOffline DeviceStatus = "offline"
)

// PresenceCollection is the reserved collection devices publish their
// DeviceInfo into. Record ID is the device ID.
const PresenceCollection = "_presence"

// DeviceInfo is a device presence record.
type DeviceInfo struct {
	DeviceID     string       `json:"device_id"`
	FamilyID     string       `json:"family_id"`
	Platform     string       `json:"platform"`
	AppVersion   string       `json:"app_version"`
	LastSeen     time.Time    `json:"last_seen"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Status       DeviceStatus `json:"status"`
}

// Validate checks the required identity fields.
func (d *DeviceInfo) Validate() error {
	if d.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if d.FamilyID == "" {
		return fmt.Errorf("family_id is required")
	}
	switch d.Status {
	case "", DeviceActive, DeviceIdle, DeviceOffline:
	default:
		return fmt.Errorf("invalid device status %q", d.Status)
	}
	return nil
}

// HasCapability reports whether the device advertises capability c.
func (d *DeviceInfo) HasCapability(c string) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// IsLive reports whether the device was seen within window of now.
func (d *DeviceInfo) IsLive(now time.Time, window time.Duration) bool {
	return d.Status != DeviceOffline && now.Sub(d.LastSeen) < window
}
