package pciid

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ardnew/softfpga/pkg"
)

const testDB = `# PCI ID database
#	Version: 2026.01.01

10ee  Xilinx Corporation
	7038  FPGA Card XC7VX690T
		10ee 0007  Subsystem entry
	9038  Device 9038
1d0f  Amazon.com, Inc.
	f000  FPGA Image Slot 0

# List of known device classes
C 03  Display controller
	00  VGA compatible controller
		00  VGA controller
C 12  Processing accelerators
	01  SNIA Smart Data Accelerator Interface (SDXI) controller
`

// TestParse verifies vendor, device and class lookups.
func TestParse(t *testing.T) {
	db := New()
	if err := db.Parse(strings.NewReader(testDB)); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		name   string
		got    string
		expect string
	}{
		{"vendor", db.Vendor(0x10ee), "Xilinx Corporation"},
		{"device", db.Device(0x10ee, 0x7038), "FPGA Card XC7VX690T"},
		{"second device", db.Device(0x10ee, 0x9038), "Device 9038"},
		{"second vendor", db.Device(0x1d0f, 0xf000), "FPGA Image Slot 0"},
		{"unknown vendor", db.Vendor(0xffff), ""},
		{"unknown device", db.Device(0x10ee, 0x0001), ""},
		{"subclass", db.Class(0x03, 0x00), "VGA compatible controller"},
		{"class fallback", db.Class(0x12, 0x7f), "Processing accelerators"},
		{"unknown class", db.Class(0x42, 0x00), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expect {
				t.Errorf("got %q, want %q", tt.got, tt.expect)
			}
		})
	}

	vendors, devices := db.Counts()
	if vendors != 2 || devices != 3 {
		t.Errorf("Counts() = %d, %d, want 2, 3", vendors, devices)
	}
}

// TestDescribe verifies the combined name format.
func TestDescribe(t *testing.T) {
	db := New()
	if err := db.Parse(strings.NewReader(testDB)); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := db.Describe(0x10ee, 0x7038); got != "Xilinx Corporation FPGA Card XC7VX690T [10ee:7038]" {
		t.Errorf("Describe() = %q", got)
	}
	if got := db.Describe(0x10ee, 0x1234); got != "Xilinx Corporation [10ee:1234]" {
		t.Errorf("Describe() = %q", got)
	}
	if got := db.Describe(0xbeef, 0x0001); got != "[beef:0001]" {
		t.Errorf("Describe() = %q", got)
	}
}

// TestLoadNotFound verifies that a missing database is reported.
func TestLoadNotFound(t *testing.T) {
	db := NewWithPaths([]string{filepath.Join(t.TempDir(), "pci.ids")})
	err := db.Load()
	if !errors.Is(err, pkg.ErrNoDevice) {
		t.Fatalf("Load() error = %v, want ErrNoDevice", err)
	}
	if db.Loaded() {
		t.Error("Loaded() = true after failed load")
	}
	if got := db.Vendor(0x10ee); got != "" {
		t.Errorf("Vendor() = %q, want empty", got)
	}
}

// TestLoadIdempotent verifies that Load searches paths in order and only
// parses once.
func TestLoadIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pci.ids")
	if err := os.WriteFile(path, []byte(testDB), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	db := NewWithPaths([]string{filepath.Join(dir, "missing"), path})
	if err := db.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !db.Loaded() {
		t.Fatal("Loaded() = false")
	}

	if err := os.WriteFile(path, []byte("abcd  Other\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.Load(); err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if got := db.Vendor(0xabcd); got != "" {
		t.Errorf("second Load() reparsed the database: Vendor = %q", got)
	}
}
