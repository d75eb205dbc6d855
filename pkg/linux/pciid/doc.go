// Package pciid looks up PCI vendor, device and class names in the pci.ids
// database distributed with most Linux systems.
//
// Load the database once and look names up by id:
//
//	db := pciid.New()
//	if err := db.Load(); err != nil {
//	    // names are unavailable; lookups return ""
//	}
//	vendor := db.Vendor(0x10ee)
//	device := db.Device(0x10ee, 0x7038)
//
// The database is searched for in [DefaultPaths]. Subsystem entries are
// skipped. All methods are safe for concurrent use.
package pciid
