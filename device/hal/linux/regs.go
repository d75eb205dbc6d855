//go:build linux

package linux

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softfpga/pkg"
)

// region is one mapped BAR placed at base in the flat register space.
type region struct {
	base uint64
	mem  []byte
	file *os.File
}

// mmapRegs is a register space over memory-mapped BAR resource files. The
// BARs are laid out back to back in the order they were mapped.
type mmapRegs struct {
	mu      sync.RWMutex // Write-held only by Close
	regions []region
	closed  bool
}

// mapBARs maps each resource file in order.
func mapBARs(paths []string) (*mmapRegs, error) {
	r := &mmapRegs{}
	var base uint64
	for _, path := range paths {
		f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
		if err != nil {
			r.Close()
			return nil, err
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			r.Close()
			return nil, err
		}
		mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			r.Close()
			return nil, fmt.Errorf("mmap %s: %w", path, err)
		}
		r.regions = append(r.regions, region{base: base, mem: mem, file: f})
		base += uint64(len(mem))
	}
	return r, nil
}

// locate returns the region slice backing [addr, addr+n).
func (r *mmapRegs) locate(addr uint64, n int) ([]byte, uint64, error) {
	if r.closed {
		return nil, 0, pkg.ErrClosed
	}
	for _, reg := range r.regions {
		if addr < reg.base {
			continue
		}
		size, off := uint64(len(reg.mem)), addr-reg.base
		if off <= size && uint64(n) <= size-off {
			return reg.mem, off, nil
		}
	}
	return nil, 0, fmt.Errorf("%d bytes at 0x%x: %w", n, addr, pkg.ErrInvalidParameter)
}

// ReadCtl implements hal.RegisterSpace. Word-aligned accesses use 32-bit
// loads so that device registers see whole-word reads.
func (r *mmapRegs) ReadCtl(_ context.Context, addr uint64, buf []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mem, off, err := r.locate(addr, len(buf))
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if off%4 != 0 || len(buf)%4 != 0 {
		copy(buf, mem[off:])
		return nil
	}
	for i := 0; i < len(buf); i += 4 {
		v := atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[off+uint64(i)])))
		binary.NativeEndian.PutUint32(buf[i:], v)
	}
	return nil
}

// WriteCtl implements hal.RegisterSpace.
func (r *mmapRegs) WriteCtl(_ context.Context, addr uint64, data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mem, off, err := r.locate(addr, len(data))
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if off%4 != 0 || len(data)%4 != 0 {
		copy(mem[off:], data)
		return nil
	}
	for i := 0; i < len(data); i += 4 {
		v := binary.NativeEndian.Uint32(data[i:])
		atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[off+uint64(i)])), v)
	}
	return nil
}

// Close unmaps every region.
func (r *mmapRegs) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("close registers: %w", pkg.ErrClosed)
	}
	r.closed = true
	var result *multierror.Error
	for _, reg := range r.regions {
		if err := unix.Munmap(reg.mem); err != nil {
			result = multierror.Append(result, err)
		}
		if err := reg.file.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.regions = nil
	return result.ErrorOrNil()
}
