package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/ardnew/softfpga/pkg"
)

// MaxPayload is the largest payload a frame may carry.
const MaxPayload = 1 << 20

// MaxWrite is the largest register write a frame can carry after its
// address.
const MaxWrite = MaxPayload - 8

// Header size for frames.
const headerSize = 8 // type (1) + status (1) + tag (2) + length (4)

// Message types. Responses set the high bit of the request type.
const (
	msgRead      msgType = 0x01 // Register read request: addr (8) + length (4)
	msgWrite     msgType = 0x02 // Register write request: addr (8) + data
	msgReadResp  msgType = 0x81 // Read response: data
	msgWriteResp msgType = 0x82 // Write response: empty
	msgInterrupt msgType = 0x90 // Interrupt push from the device side: source (4)
)

type msgType uint8

func (t msgType) String() string {
	switch t {
	case msgRead:
		return "read"
	case msgWrite:
		return "write"
	case msgReadResp:
		return "read-response"
	case msgWriteResp:
		return "write-response"
	case msgInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("msgType(0x%02x)", uint8(t))
	}
}

// frame is one message on the wire.
type frame struct {
	typ     msgType
	status  pkg.Status
	tag     uint16
	payload []byte
}

// writeFrame encodes f into a single Write call so that concurrent writers
// serialized by a mutex never interleave partial frames.
func writeFrame(w io.Writer, f frame) error {
	if len(f.payload) > MaxPayload {
		return fmt.Errorf("%v payload of %d bytes: %w", f.typ, len(f.payload), pkg.ErrInvalidParameter)
	}
	buf := make([]byte, headerSize+len(f.payload))
	buf[0] = byte(f.typ)
	buf[1] = byte(f.status)
	binary.LittleEndian.PutUint16(buf[2:4], f.tag)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(f.payload)))
	copy(buf[headerSize:], f.payload)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrapf(err, "write %v frame", f.typ)
	}
	return nil
}

// readFrame decodes the next frame from r.
func readFrame(r io.Reader) (frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	f := frame{
		typ:    msgType(hdr[0]),
		status: pkg.Status(hdr[1]),
		tag:    binary.LittleEndian.Uint16(hdr[2:4]),
	}
	n := binary.LittleEndian.Uint32(hdr[4:8])
	if n > MaxPayload {
		return frame{}, fmt.Errorf("%v frame of %d bytes: %w", f.typ, n, pkg.ErrInvalidCommand)
	}
	if n > 0 {
		f.payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return frame{}, errors.Wrapf(err, "read %v payload", f.typ)
		}
	}
	return f, nil
}

func encodeRead(addr uint64, n int) []byte {
	p := make([]byte, 12)
	binary.LittleEndian.PutUint64(p[0:8], addr)
	binary.LittleEndian.PutUint32(p[8:12], uint32(n))
	return p
}

func decodeRead(p []byte) (addr uint64, n int, err error) {
	if len(p) != 12 {
		return 0, 0, fmt.Errorf("read request of %d bytes: %w", len(p), pkg.ErrInvalidCommand)
	}
	n = int(binary.LittleEndian.Uint32(p[8:12]))
	if n > MaxPayload {
		return 0, 0, fmt.Errorf("read of %d bytes: %w", n, pkg.ErrInvalidParameter)
	}
	return binary.LittleEndian.Uint64(p[0:8]), n, nil
}

func encodeWrite(addr uint64, data []byte) []byte {
	p := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(p[0:8], addr)
	copy(p[8:], data)
	return p
}

func decodeWrite(p []byte) (addr uint64, data []byte, err error) {
	if len(p) < 8 {
		return 0, nil, fmt.Errorf("write request of %d bytes: %w", len(p), pkg.ErrInvalidCommand)
	}
	return binary.LittleEndian.Uint64(p[0:8]), p[8:], nil
}

func encodeInterrupt(source uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, source)
}

func decodeInterrupt(p []byte) (uint32, error) {
	if len(p) != 4 {
		return 0, fmt.Errorf("interrupt of %d bytes: %w", len(p), pkg.ErrInvalidCommand)
	}
	return binary.LittleEndian.Uint32(p), nil
}
