package pagemanager

// MaskMarker overwrites bytes that may legitimately differ between a page
// built on the primary and the same page rebuilt by replay.
const MaskMarker byte = 0

// MaskPageLSNAndChecksum masks the LSN and checksum header fields.
func MaskPageLSNAndChecksum(p Page) {
	for i := offLSN; i < offChecksum+2; i++ {
		p[i] = MaskMarker
	}
}

// MaskPageHintBits masks header hint flags and prune_xid, which are set
// without WAL.
func MaskPageHintBits(p Page) {
	p.SetPruneXid(uint32(MaskMarker))
	p.SetFlags(p.Flags() &^ (PageFull | PageHasFreeLines | PageAllVisible | PageHasGarbage))
}

// MaskUnusedSpace masks the hole between lower and upper.
func MaskUnusedSpace(p Page) {
	lower, upper, _ := p.checkPointers()
	for i := lower; i < upper; i++ {
		p[i] = MaskMarker
	}
}

// MaskLPFlags resets the state bits of every used line pointer, since
// LP_DEAD hints are set without WAL.
func MaskLPFlags(p Page) {
	for off := FirstOffsetNumber; off <= p.MaxOffset(); off++ {
		id := p.ItemID(off)
		if id.IsUsed() {
			p.SetItemID(off, id.WithFlags(LPUnused))
		}
	}
}

// MaskPageContent masks everything past the header along with lower and
// upper, for pages whose contents are not replayed exactly.
func MaskPageContent(p Page) {
	for i := SizeOfPageHeader; i < len(p); i++ {
		p[i] = MaskMarker
	}
	for i := offLower; i < offSpecial; i++ {
		p[i] = MaskMarker
	}
}
