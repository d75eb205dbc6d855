//go:build linux

package linux

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/softfpga/pkg"
)

// SysfsPCIPath is where the kernel lists PCI functions.
const SysfsPCIPath = "/sys/bus/pci/devices"

// maxBARs is the number of base address registers of a PCI function.
const maxBARs = 6

// bar is one base address register as listed in the sysfs resource file.
type bar struct {
	start, end, flags uint64
}

func (b bar) size() uint64 {
	if b.end == 0 && b.start == 0 {
		return 0
	}
	return b.end - b.start + 1
}

// pciDeviceInfo holds what sysfs reports about one PCI function.
type pciDeviceInfo struct {
	addr      string // Bus address, e.g. "0000:03:00.0"
	sysfsPath string
	vendorID  uint16
	deviceID  uint16
	bars      [maxBARs]bar
	uio       string // UIO device name bound to the function, if any
}

// scanPCIDevices lists the functions under root whose vendor is vendorID.
// Functions that cannot be parsed are skipped.
func scanPCIDevices(root string, vendorID uint16) ([]pciDeviceInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var devices []pciDeviceInfo
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		info, err := parsePCIDevice(path)
		if err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "skipping pci function", "path", path, "error", err)
			continue
		}
		if info.vendorID != vendorID {
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}

// parsePCIDevice parses one function directory.
func parsePCIDevice(path string) (pciDeviceInfo, error) {
	info := pciDeviceInfo{addr: filepath.Base(path), sysfsPath: path}

	vendorID, err := readSysfsHexUint16(filepath.Join(path, "vendor"))
	if err != nil {
		return info, err
	}
	info.vendorID = vendorID

	deviceID, err := readSysfsHexUint16(filepath.Join(path, "device"))
	if err != nil {
		return info, err
	}
	info.deviceID = deviceID

	bars, err := readResource(filepath.Join(path, "resource"))
	if err != nil {
		return info, err
	}
	info.bars = bars

	// The uio directory exists only when a UIO driver is bound.
	if entries, err := os.ReadDir(filepath.Join(path, "uio")); err == nil {
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "uio") {
				info.uio = e.Name()
				break
			}
		}
	}
	return info, nil
}

// readResource parses the resource file: one "start end flags" line of hex
// numbers per region, BARs first.
func readResource(path string) ([maxBARs]bar, error) {
	var bars [maxBARs]bar
	f, err := os.Open(path)
	if err != nil {
		return bars, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for i := 0; i < maxBARs && sc.Scan(); i++ {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			return bars, fmt.Errorf("%s line %d: %w", path, i+1, pkg.ErrInvalidParameter)
		}
		var vals [3]uint64
		for j, s := range fields {
			v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
			if err != nil {
				return bars, fmt.Errorf("%s line %d: %w", path, i+1, err)
			}
			vals[j] = v
		}
		bars[i] = bar{start: vals[0], end: vals[1], flags: vals[2]}
	}
	return bars, sc.Err()
}

// readSysfsString reads a string value from a sysfs file.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsHexUint16 reads a hexadecimal uint16 value from a sysfs file.
func readSysfsHexUint16(path string) (uint16, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
