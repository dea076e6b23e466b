package pagemanager

import "fmt"

// ItemID is a packed line pointer: offset (15 bits), flags (2 bits),
// length (15 bits).
type ItemID uint32

// Line pointer states.
const (
	LPUnused   uint8 = 0
	LPNormal   uint8 = 1
	LPRedirect uint8 = 2
	LPDead     uint8 = 3
)

const (
	lpOffMask = 0x7FFF
	lpLenMask = 0x7FFF
)

func MakeItemID(off, length int, flags uint8) ItemID {
	return ItemID(uint32(off)&lpOffMask | uint32(flags&0x03)<<15 | (uint32(length)&lpLenMask)<<17)
}

func (id ItemID) Offset() int  { return int(uint32(id) & lpOffMask) }
func (id ItemID) Flags() uint8 { return uint8((uint32(id) >> 15) & 0x03) }
func (id ItemID) Length() int  { return int((uint32(id) >> 17) & lpLenMask) }

func (id ItemID) IsUsed() bool     { return id.Flags() != LPUnused }
func (id ItemID) IsNormal() bool   { return id.Flags() == LPNormal }
func (id ItemID) IsRedirect() bool { return id.Flags() == LPRedirect }
func (id ItemID) IsDead() bool     { return id.Flags() == LPDead }
func (id ItemID) HasStorage() bool { return id.Length() != 0 }

func (id ItemID) WithOffset(off int) ItemID { return MakeItemID(off, id.Length(), id.Flags()) }
func (id ItemID) WithLength(n int) ItemID   { return MakeItemID(id.Offset(), n, id.Flags()) }
func (id ItemID) WithFlags(f uint8) ItemID  { return MakeItemID(id.Offset(), id.Length(), f) }

// MarkDead flags the line pointer at off dead, keeping its storage.
func (p Page) MarkDead(off OffsetNumber) {
	p.SetItemID(off, p.ItemID(off).WithFlags(LPDead))
}

// SetUnused clears the line pointer at off entirely.
func (p Page) SetUnused(off OffsetNumber) {
	p.SetItemID(off, 0)
}

func (id ItemID) String() string {
	var state string
	switch id.Flags() {
	case LPUnused:
		state = "unused"
	case LPNormal:
		state = "normal"
	case LPRedirect:
		state = "redirect"
	default:
		state = "dead"
	}
	return fmt.Sprintf("(%d,%d,%s)", id.Offset(), id.Length(), state)
}
