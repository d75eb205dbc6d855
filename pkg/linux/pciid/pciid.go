package pciid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ardnew/softfpga/pkg"
)

// DefaultPaths lists the standard locations of the PCI ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/pci.ids",
	"/usr/share/misc/pci.ids",
	"/usr/share/pci.ids",
	"/var/lib/pciutils/pci.ids",
}

// Database caches names from the PCI ID database.
type Database struct {
	paths []string

	mu      sync.RWMutex
	loaded  bool
	vendors map[uint16]string
	devices map[uint32]string // vendor<<16 | device
	classes map[uint16]string // class<<8 | subclass, subclass 0xff for the class itself
}

// New creates a database that searches [DefaultPaths].
func New() *Database {
	return NewWithPaths(DefaultPaths)
}

// NewWithPaths creates a database that searches paths in order.
func NewWithPaths(paths []string) *Database {
	return &Database{
		paths:   paths,
		vendors: make(map[uint16]string),
		devices: make(map[uint32]string),
		classes: make(map[uint16]string),
	}
}

// Load parses the first database file found. Loading an already loaded
// database does nothing.
func (db *Database) Load() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.loaded {
		return nil
	}
	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		err = db.parse(f)
		f.Close()
		if err != nil {
			return errors.Wrapf(err, "parse %s", path)
		}
		db.loaded = true
		return nil
	}
	return fmt.Errorf("pci.ids not found in %v: %w", db.paths, pkg.ErrNoDevice)
}

// Parse reads a database in pci.ids format from r.
func (db *Database) Parse(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.parse(r); err != nil {
		return err
	}
	db.loaded = true
	return nil
}

// parse fills the maps. Vendor blocks hold tab-indented devices and
// double-tab subsystems. Class blocks start with "C " and hold subclasses.
func (db *Database) parse(r io.Reader) error {
	const (
		inNone = iota
		inVendor
		inClass
	)
	var (
		state  = inNone
		vendor uint16
		class  uint8
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		switch {
		case strings.HasPrefix(line, "\t\t"):
			// Subsystems and programming interfaces.
		case line[0] == '\t':
			id, name, ok := entry(line[1:])
			if !ok {
				continue
			}
			switch state {
			case inVendor:
				if v, err := strconv.ParseUint(id, 16, 16); err == nil {
					db.devices[uint32(vendor)<<16|uint32(v)] = name
				}
			case inClass:
				if v, err := strconv.ParseUint(id, 16, 8); err == nil {
					db.classes[uint16(class)<<8|uint16(v)] = name
				}
			}
		case strings.HasPrefix(line, "C "):
			id, name, ok := entry(line[2:])
			v, err := strconv.ParseUint(id, 16, 8)
			if !ok || err != nil {
				state = inNone
				continue
			}
			state, class = inClass, uint8(v)
			db.classes[uint16(class)<<8|0xff] = name
		default:
			id, name, ok := entry(line)
			v, err := strconv.ParseUint(id, 16, 16)
			if !ok || err != nil || len(id) != 4 {
				// Device type tables other than vendors and classes.
				state = inNone
				continue
			}
			state, vendor = inVendor, uint16(v)
			db.vendors[vendor] = name
		}
	}
	return sc.Err()
}

// entry splits "id  name".
func entry(s string) (id, name string, ok bool) {
	id, name, ok = strings.Cut(s, " ")
	return id, strings.TrimSpace(name), ok && name != ""
}

// Vendor returns the vendor name, or "" if unknown.
func (db *Database) Vendor(vendor uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vendor]
}

// Device returns the device name, or "" if unknown.
func (db *Database) Device(vendor, device uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.devices[uint32(vendor)<<16|uint32(device)]
}

// Class returns the name of the subclass, falling back to the base class
// name, or "" if neither is known.
func (db *Database) Class(class, subclass uint8) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if name, ok := db.classes[uint16(class)<<8|uint16(subclass)]; ok {
		return name
	}
	return db.classes[uint16(class)<<8|0xff]
}

// Describe formats a vendor and device as "Vendor Device [vvvv:dddd]",
// omitting names that are unknown.
func (db *Database) Describe(vendor, device uint16) string {
	ids := fmt.Sprintf("[%04x:%04x]", vendor, device)
	var parts []string
	if v := db.Vendor(vendor); v != "" {
		parts = append(parts, v)
	}
	if d := db.Device(vendor, device); d != "" {
		parts = append(parts, d)
	}
	return strings.TrimSpace(strings.Join(append(parts, ids), " "))
}

// Loaded reports whether a database has been parsed.
func (db *Database) Loaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.loaded
}

// Counts returns the number of vendors and devices known.
func (db *Database) Counts() (vendors, devices int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors), len(db.devices)
}
