package pagemanager

import (
	"encoding/binary"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum returns the page checksum for block blkno. The checksum
// field itself is treated as zero.
func (p Page) ComputeChecksum(blkno BlockNumber) uint16 {
	var zero [2]byte
	crc := crc32.Update(0, castagnoli, p[:offChecksum])
	crc = crc32.Update(crc, castagnoli, zero[:])
	crc = crc32.Update(crc, castagnoli, p[offChecksum+2:])
	crc ^= uint32(blkno)
	return uint16(crc%65535 + 1)
}

// SetChecksum stamps the checksum for block blkno.
func (p Page) SetChecksum(blkno BlockNumber) {
	binary.LittleEndian.PutUint16(p[offChecksum:], p.ComputeChecksum(blkno))
}

// IsVerified reports whether a page read from disk is usable: either an
// all-zero new page, or an initialized page with a sane header and, when
// checksums are enabled, a matching checksum.
func (p Page) IsVerified(blkno BlockNumber, checksums bool) bool {
	if p.IsNew() {
		for _, b := range p {
			if b != 0 {
				return false
			}
		}
		return true
	}
	if checksums && p.Checksum() != p.ComputeChecksum(blkno) {
		return false
	}
	lower, upper, special := int(p.Lower()), int(p.Upper()), int(p.Special())
	return p.Flags()&^PageValidFlagBits == 0 &&
		lower >= SizeOfPageHeader && lower <= upper && upper <= special &&
		special <= len(p) && special == MaxAlign(special)
}
