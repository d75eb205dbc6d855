// Package wire carries register access and interrupts between processes.
//
// A [Server] exposes any [hal.RegisterSpace] on a stream connection; a
// [Client] implements [hal.RegisterSpace] on the other end. This lets a
// device model run in one process while the control plane drives it from
// another, the way a PCIe device sits behind a bus.
//
// # Framing
//
// Every message is an 8-byte little-endian header followed by a payload of
// at most [MaxPayload] bytes:
//
//	+------+--------+-----+--------+---------+
//	| type | status | tag | length | payload |
//	|  u8  |   u8   | u16 |  u32   |         |
//	+------+--------+-----+--------+---------+
//
// Requests carry a tag chosen by the client; the response echoes it. Status
// is zero on success and a [pkg.Status] on failure, in which case the payload
// holds the error text. Interrupt frames flow from server to client, carry a
// 4-byte source id and no tag.
//
// # Ordering
//
// The server applies one connection's requests in arrival order. A client
// may pipeline requests from many goroutines; requests from one goroutine are
// issued and answered in program order.
package wire
