// Package btrfsvol holds the address types and block-group/profile flags
// that describe how Btrfs logical addresses map onto physical device
// offsets.
package btrfsvol

import "fmt"

type (
	// PhysicalAddr is a byte offset on the (one supported) underlying
	// device.
	PhysicalAddr int64
	// LogicalAddr is a byte offset in the filesystem's logical address
	// space, as used by tree block pointers and chunk keys.
	LogicalAddr int64
	// AddrDelta is a signed distance between two addresses of the same
	// kind, or a length.
	AddrDelta int64
)

func (a PhysicalAddr) Add(d AddrDelta) PhysicalAddr { return a + PhysicalAddr(d) }
func (a LogicalAddr) Add(d AddrDelta) LogicalAddr   { return a + LogicalAddr(d) }

func (a PhysicalAddr) Sub(b PhysicalAddr) AddrDelta { return AddrDelta(a - b) }
func (a LogicalAddr) Sub(b LogicalAddr) AddrDelta   { return AddrDelta(a - b) }

func (a PhysicalAddr) String() string { return fmt.Sprintf("%#016x", int64(a)) }
func (a LogicalAddr) String() string  { return fmt.Sprintf("%#016x", int64(a)) }
func (d AddrDelta) String() string    { return fmt.Sprintf("%#x", int64(d)) }

// DeviceID identifies a device within a chunk's stripe list.
type DeviceID uint64
