package devsvc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/neuroplastio/tbpatch/internal/eeprom"
	"github.com/neuroplastio/tbpatch/internal/tps6598x"
)

// Address is the canonical identity of a device within a discovery pass.
type Address struct {
	Backend string `yaml:"backend" json:"backend"`
	ID      string `yaml:"id" json:"id"`
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%s", a.Backend, a.ID)
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Address) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Address) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(a.String())
}

func (a *Address) UnmarshalYAML(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var s string
	if err := yaml.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func ParseAddress(s string) (Address, error) {
	backend, id, ok := strings.Cut(s, "/")
	if !ok || backend == "" || id == "" {
		return Address{}, fmt.Errorf("invalid address: %s", s)
	}
	return Address{Backend: backend, ID: id}, nil
}

// Info is the identification a controller reports about itself.
type Info struct {
	VendorID uint32 `json:"vendorId,omitempty" yaml:"vendorId,omitempty"`
	DeviceID uint32 `json:"deviceId,omitempty" yaml:"deviceId,omitempty"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Build    string `json:"build,omitempty" yaml:"build,omitempty"`
	Device   string `json:"device,omitempty" yaml:"device,omitempty"`
}

// ControllerInfo converts the identification of a probed controller.
func ControllerInfo(i tps6598x.Info) Info {
	return Info{
		VendorID: i.VendorID,
		DeviceID: i.DeviceID,
		Version:  i.Version,
		Build:    i.Build,
		Device:   i.Device,
	}
}

// ControllerUUID derives the device UUID from the controller UID register.
func ControllerUUID(i tps6598x.Info) uuid.UUID {
	id, err := uuid.FromBytes(i.UID[:])
	if err != nil || id == (uuid.UUID{}) {
		return uuid.Nil
	}
	return id
}

// PathUUID derives a stable UUID from a transport path, for devices that do not
// report a usable UID.
func PathUUID(path string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(path))
}

// Device is a discovered controller. It is immutable; a new value is created on
// every discovery pass.
type Device struct {
	Address Address   `json:"address" yaml:"address"`
	UUID    uuid.UUID `json:"uuid" yaml:"uuid"`
	Name    string    `json:"name" yaml:"name"`
	Path    string    `json:"path,omitempty" yaml:"path,omitempty"`
	Info    Info      `json:"info" yaml:"info"`

	flash eeprom.Flash
}

func (d *Device) Key() string {
	return d.Address.String()
}

// Equal compares identities, never transport handles.
func (d *Device) Equal(o *Device) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.Address == o.Address {
		return true
	}
	return d.UUID != uuid.Nil && d.UUID == o.UUID
}

// Flash returns the transport handle for the device EEPROM.
func (d *Device) Flash() eeprom.Flash {
	return d.flash
}

func (d *Device) matchesPath(s string) bool {
	if s == "" {
		return false
	}
	return s == d.Key() || s == d.Address.ID || (d.Path != "" && s == d.Path)
}
