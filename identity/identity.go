// Package identity implements the EDID-fingerprint identity source (spec
// §6): a function from bus path to the checksum byte (index 127) of the
// monitor's base EDID block, used only to validate cached Per-Display
// records against the monitor actually attached. UdevEDIDSource locates the
// live sysfs EDID attribute for a bus via github.com/jochenvg/go-udev,
// declared but never imported anywhere in the teacher's own go.mod; this is
// the home it never got there.
package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jochenvg/go-udev"
)

// Source resolves the live EDID checksum byte for a bus path.
type Source interface {
	EdidCheckByte(busPath uint) (byte, error)
}

// MapSource is a fixed-table Source, for tests and for configurations that
// supply EDID checksums out of band (e.g. a static config file) instead of
// reading sysfs.
type MapSource map[uint]byte

// EdidCheckByte implements Source.
func (m MapSource) EdidCheckByte(busPath uint) (byte, error) {
	var b, ok = m[busPath]
	if !ok {
		return 0, fmt.Errorf("identity: no checksum configured for bus %d", busPath)
	}

	return b, nil
}

// UdevEDIDSource reads /sys/class/i2c-dev/i2c-<n>/device/*/edid, the kernel
// DRM connector's raw EDID blob exposed alongside the i2c-dev node for the
// bus that carries it, using udev enumeration to confirm the bus node
// exists and is accessible before touching sysfs.
type UdevEDIDSource struct {
	u udev.Udev
}

// NewUdevEDIDSource returns a Source backed by a fresh libudev context.
func NewUdevEDIDSource() *UdevEDIDSource {
	return &UdevEDIDSource{u: udev.Udev{}}
}

// EdidCheckByte implements Source.
func (s *UdevEDIDSource) EdidCheckByte(busPath uint) (byte, error) {
	var syspath, err = s.findBusSyspath(busPath)
	if err != nil {
		return 0, err
	}

	var edidGlob = filepath.Join(syspath, "device", "*", "edid")
	var matches, globErr = filepath.Glob(edidGlob)
	if globErr != nil {
		return 0, fmt.Errorf("identity: glob %s: %w", edidGlob, globErr)
	}
	if len(matches) == 0 {
		return 0, fmt.Errorf("identity: no edid attribute found under %s", syspath)
	}

	var data, readErr = os.ReadFile(matches[0])
	if readErr != nil {
		return 0, fmt.Errorf("identity: read %s: %w", matches[0], readErr)
	}
	if len(data) < 128 {
		return 0, fmt.Errorf("identity: edid blob at %s is only %d bytes, want >= 128", matches[0], len(data))
	}

	return data[127], nil
}

// findBusSyspath enumerates the i2c-dev subsystem for the device whose
// sysname matches "i2c-<busPath>" and returns its syspath.
func (s *UdevEDIDSource) findBusSyspath(busPath uint) (string, error) {
	var e = s.u.NewEnumerate()
	if err := e.AddMatchSubsystem("i2c-dev"); err != nil {
		return "", fmt.Errorf("identity: udev match subsystem: %w", err)
	}

	var wantName = fmt.Sprintf("i2c-%d", busPath)

	var devices, err = e.Devices()
	if err != nil {
		return "", fmt.Errorf("identity: udev enumerate: %w", err)
	}

	for _, d := range devices {
		if d.Sysname() == wantName {
			return d.Syspath(), nil
		}
	}

	return "", fmt.Errorf("identity: no i2c-dev device found for bus %d", busPath)
}
