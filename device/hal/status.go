package hal

import (
	"context"
	"encoding/binary"
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/ardnew/softfpga/pkg"
)

// statusHeaderSize is the size of the length prefix of an encoded status
// descriptor.
const statusHeaderSize = 4

// EncodeStatus encodes s as it is laid out in a status region: a 4-byte
// little-endian length followed by the YAML document. It fails if the result
// exceeds limit bytes.
func EncodeStatus(s StatusDescriptor, limit uint64) ([]byte, error) {
	doc, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode status descriptor: %w", err)
	}
	if uint64(len(doc)+statusHeaderSize) > limit {
		return nil, fmt.Errorf("status descriptor of %d bytes exceeds %d: %w",
			len(doc), limit, pkg.ErrInvalidParameter)
	}
	blob := binary.LittleEndian.AppendUint32(make([]byte, 0, statusHeaderSize+len(doc)), uint32(len(doc)))
	return append(blob, doc...), nil
}

// ReadStatus decodes a status descriptor written by [EncodeStatus] at base
// in regs. The descriptor may not extend past base+limit.
func ReadStatus(ctx context.Context, regs RegisterSpace, base, limit uint64) (StatusDescriptor, error) {
	var hdr [statusHeaderSize]byte
	if err := regs.ReadCtl(ctx, base, hdr[:]); err != nil {
		return nil, fmt.Errorf("read status length: %w", err)
	}
	n := uint64(binary.LittleEndian.Uint32(hdr[:]))
	if n == 0 || n+statusHeaderSize > limit {
		return nil, fmt.Errorf("status length %d: %w", n, pkg.ErrInvalidState)
	}
	doc := make([]byte, n)
	if err := regs.ReadCtl(ctx, base+statusHeaderSize, doc); err != nil {
		return nil, fmt.Errorf("read status descriptor: %w", err)
	}
	var s StatusDescriptor
	if err := yaml.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode status descriptor: %w: %w", pkg.ErrInvalidState, err)
	}
	return s, nil
}
