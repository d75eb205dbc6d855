package device

import (
	"fmt"

	"github.com/ardnew/softfpga/device/hal"
)

// CommandID identifies a command.
type CommandID uint8

// Command identifiers.
const (
	CmdInfo CommandID = iota + 1
	CmdSize
	CmdAlloc
	CmdFree
	CmdCopyTo
	CmdCopyFrom
	CmdRegisterInterrupt
	CmdRead
	CmdWrite
	CmdReadNotification
	CmdWriteNotification

	CmdEnumDevices
	CmdCreateDevice
	CmdDestroyDevice
	CmdVersion
)

var commandNames = map[CommandID]string{
	CmdInfo:              "INFO",
	CmdSize:              "SIZE",
	CmdAlloc:             "ALLOC",
	CmdFree:              "FREE",
	CmdCopyTo:            "COPYTO",
	CmdCopyFrom:          "COPYFROM",
	CmdRegisterInterrupt: "REGISTER_INTERRUPT",
	CmdRead:              "READ",
	CmdWrite:             "WRITE",
	CmdReadNotification:  "READ_NOTIFICATION",
	CmdWriteNotification: "WRITE_NOTIFICATION",
	CmdEnumDevices:       "ENUM_DEVICES",
	CmdCreateDevice:      "CREATE_DEVICE",
	CmdDestroyDevice:     "DESTROY_DEVICE",
	CmdVersion:           "VERSION",
}

// String returns the command name.
func (id CommandID) String() string {
	if s, ok := commandNames[id]; ok {
		return s
	}
	return fmt.Sprintf("CommandID(%d)", uint8(id))
}

// Command is a request to a device or to the bus. The set of commands is
// closed; each variant has a matching response type.
type Command interface {
	ID() CommandID
	command()
}

// Response is the result of a successful command.
type Response interface {
	response()
}

// Device commands.
type (
	// InfoCmd requests the device identity. Responds with [InfoResponse].
	InfoCmd struct{}

	// SizeCmd requests register region sizes. Responds with [SizeResponse].
	SizeCmd struct{}

	// AllocCmd allocates device memory. Responds with [AllocResponse].
	AllocCmd struct {
		Size uint64
	}

	// FreeCmd releases device memory. Responds with [Done].
	FreeCmd struct {
		Addr uint64
	}

	// CopyToCmd copies Data to device memory. Responds with [CopyResponse].
	CopyToCmd struct {
		Engine  int
		DevAddr uint64
		Data    []byte
	}

	// CopyFromCmd fills Data from device memory. Responds with [CopyResponse].
	CopyFromCmd struct {
		Engine  int
		DevAddr uint64
		Data    []byte
	}

	// RegisterInterruptCmd routes completions of PE to Sink, or back to the
	// notification channel if Sink is nil. Responds with [Done].
	RegisterInterruptCmd struct {
		PE   uint32
		Sink Sink
	}

	// ReadCmd reads Length bytes of register space. Responds with
	// [ReadResponse].
	ReadCmd struct {
		Addr   uint64
		Length int
	}

	// WriteCmd writes Data to register space. Responds with [Done].
	WriteCmd struct {
		Addr uint64
		Data []byte
	}

	// ReadNotificationCmd blocks for the next completion. Responds with
	// [NotificationResponse].
	ReadNotificationCmd struct{}

	// WriteNotificationCmd injects a synthetic completion. Responds with
	// [Done].
	WriteNotificationCmd struct {
		Source uint32
	}
)

// Bus commands.
type (
	// EnumDevicesCmd lists discovered devices. Responds with [EnumResponse].
	EnumDevicesCmd struct{}

	// CreateDeviceCmd acquires device Dev in Mode. Responds with
	// [StateResponse].
	CreateDeviceCmd struct {
		Dev  int
		Mode AccessMode
	}

	// DestroyDeviceCmd releases one Mode holder of device Dev. Responds
	// with [StateResponse].
	DestroyDeviceCmd struct {
		Dev  int
		Mode AccessMode
	}

	// VersionCmd requests the control plane version. Responds with
	// [VersionResponse].
	VersionCmd struct{}
)

func (InfoCmd) ID() CommandID              { return CmdInfo }
func (SizeCmd) ID() CommandID              { return CmdSize }
func (AllocCmd) ID() CommandID             { return CmdAlloc }
func (FreeCmd) ID() CommandID              { return CmdFree }
func (CopyToCmd) ID() CommandID            { return CmdCopyTo }
func (CopyFromCmd) ID() CommandID          { return CmdCopyFrom }
func (RegisterInterruptCmd) ID() CommandID { return CmdRegisterInterrupt }
func (ReadCmd) ID() CommandID              { return CmdRead }
func (WriteCmd) ID() CommandID             { return CmdWrite }
func (ReadNotificationCmd) ID() CommandID  { return CmdReadNotification }
func (WriteNotificationCmd) ID() CommandID { return CmdWriteNotification }
func (EnumDevicesCmd) ID() CommandID       { return CmdEnumDevices }
func (CreateDeviceCmd) ID() CommandID      { return CmdCreateDevice }
func (DestroyDeviceCmd) ID() CommandID     { return CmdDestroyDevice }
func (VersionCmd) ID() CommandID           { return CmdVersion }

func (InfoCmd) command()              {}
func (SizeCmd) command()              {}
func (AllocCmd) command()             {}
func (FreeCmd) command()              {}
func (CopyToCmd) command()            {}
func (CopyFromCmd) command()          {}
func (RegisterInterruptCmd) command() {}
func (ReadCmd) command()              {}
func (WriteCmd) command()             {}
func (ReadNotificationCmd) command()  {}
func (WriteNotificationCmd) command() {}
func (EnumDevicesCmd) command()       {}
func (CreateDeviceCmd) command()      {}
func (DestroyDeviceCmd) command()     {}
func (VersionCmd) command()           {}

// Responses.
type (
	// Done acknowledges a command that returns no data.
	Done struct{}

	// InfoResponse answers [InfoCmd].
	InfoResponse struct {
		hal.Identity
	}

	// SizeResponse answers [SizeCmd].
	SizeResponse struct {
		hal.Sizes
	}

	// AllocResponse answers [AllocCmd].
	AllocResponse struct {
		Addr uint64
	}

	// CopyResponse answers [CopyToCmd] and [CopyFromCmd].
	CopyResponse struct {
		N int
	}

	// ReadResponse answers [ReadCmd].
	ReadResponse struct {
		Data []byte
	}

	// NotificationResponse answers [ReadNotificationCmd].
	NotificationResponse struct {
		ID uint32
	}

	// DeviceInfo is one entry of [EnumResponse].
	DeviceInfo struct {
		ID        int
		Name      string
		VendorID  uint16
		ProductID uint16
		State     ArbiterState
	}

	// EnumResponse answers [EnumDevicesCmd].
	EnumResponse struct {
		Devices []DeviceInfo
	}

	// StateResponse answers [CreateDeviceCmd] and [DestroyDeviceCmd] with the
	// resulting arbiter state.
	StateResponse struct {
		State ArbiterState
	}

	// VersionResponse answers [VersionCmd].
	VersionResponse struct {
		Version string
	}
)

func (Done) response()                 {}
func (InfoResponse) response()         {}
func (SizeResponse) response()         {}
func (AllocResponse) response()        {}
func (CopyResponse) response()         {}
func (ReadResponse) response()         {}
func (NotificationResponse) response() {}
func (EnumResponse) response()         {}
func (StateResponse) response()        {}
func (VersionResponse) response()      {}
