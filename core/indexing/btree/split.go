package btree

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
)

// split divides the full page buf to make room for newitem at newitemoff.
// The left half stays in buf, flagged INCOMPLETE_SPLIT until its sibling
// gets a downlink; the right half is returned exclusively locked.
//
// For a posting list split, orignewitem is the caller's tuple, newitem
// carries the swapped TID and nposting replaces the posting list just
// before newitemoff. On internal pages cbuf is the child whose split this
// insert completes. cbuf is always released; buf never is.
func (ix *Index) split(ctx context.Context, buf, cbuf buffer.Buffer, newitemoff pagemanager.OffsetNumber, newitemsz int,
	newitem, orignewitem, nposting IndexTuple, postingoff int) (buffer.Buffer, error) {

	origpage := ix.page(buf)
	oopaque := opaqueOf(origpage)
	origpagenumber := ix.blockOf(buf)
	isleaf := oopaque.IsLeaf()
	isrightmost := oopaque.IsRightmost()

	releaseChild := func() {
		if cbuf != buffer.InvalidBuffer {
			ix.relbuf(cbuf)
		}
	}

	firstrightoff, newitemonleft, err := ix.findsplitloc(origpage, newitemoff, newitemsz, newitem)
	if err != nil {
		releaseChild()
		return buffer.InvalidBuffer, err
	}

	origpagepostingoff := pagemanager.InvalidOffsetNumber
	if postingoff != 0 {
		origpagepostingoff = newitemoff.Prev()
	}

	// build the left half in a scratch page; buf is untouched until the
	// right sibling has been checked
	leftpage := pagemanager.GetTempPage(origpage)
	pageInit(leftpage)
	lopaque := opaqueOf(leftpage)
	lopaque.SetFlags(oopaque.Flags()&^(FlagRoot|FlagSplitEnd|FlagHasGarbage) | FlagIncompleteSplit)
	lopaque.SetPrev(oopaque.Prev())
	lopaque.SetLevel(oopaque.Level())
	leftpage.SetLSN(origpage.LSN())

	var firstright IndexTuple
	if !newitemonleft && newitemoff == firstrightoff {
		firstright = newitem
	} else {
		firstright = IndexTuple(origpage.Item(firstrightoff))
		if firstrightoff == origpagepostingoff {
			firstright = nposting
		}
	}

	var lefthighkey IndexTuple
	if isleaf {
		var lastleft IndexTuple
		if newitemonleft && newitemoff == firstrightoff {
			lastleft = newitem
		} else {
			lastoff := firstrightoff.Prev()
			lastleft = IndexTuple(origpage.Item(lastoff))
			if lastoff == origpagepostingoff {
				lastleft = nposting
			}
		}
		lefthighkey = ix.truncate(lastleft, firstright)
	} else {
		lefthighkey = firstright.copy()
	}

	afterleftoff := PHikey
	if leftpage.AddItem(lefthighkey, afterleftoff, false, false) == pagemanager.InvalidOffsetNumber {
		releaseChild()
		return buffer.InvalidBuffer, fmt.Errorf("failed to add high key to the left sibling while splitting block %d of index %q", origpagenumber, ix.name)
	}
	afterleftoff = afterleftoff.Next()

	rbuf, err := ix.allocbuf()
	if err != nil {
		releaseChild()
		return buffer.InvalidBuffer, err
	}
	rightpage := ix.page(rbuf)
	rightpagenumber := ix.blockOf(rbuf)
	ropaque := opaqueOf(rightpage)

	// the right page was never logged: leave it new so it can be reused
	abandon := func(format string, args ...any) error {
		clear(rightpage)
		ix.relbuf(rbuf)
		releaseChild()
		return fmt.Errorf(format, args...)
	}

	lopaque.SetNext(rightpagenumber)
	lopaque.SetCycleID(ix.vacuumCycleID())
	ropaque.SetPrev(origpagenumber)
	ropaque.SetNext(oopaque.Next())
	ropaque.SetLevel(oopaque.Level())
	ropaque.SetFlags(oopaque.Flags() &^ (FlagRoot | FlagSplitEnd | FlagHasGarbage))
	ropaque.SetCycleID(lopaque.CycleID())

	afterrightoff := PHikey
	if !isrightmost {
		if rightpage.AddItem(origpage.Item(PHikey), afterrightoff, false, false) == pagemanager.InvalidOffsetNumber {
			return buffer.InvalidBuffer, abandon("failed to add high key to the right sibling while splitting block %d of index %q", origpagenumber, ix.name)
		}
		afterrightoff = afterrightoff.Next()
	}

	// the first data item of an internal right page is minus infinity
	minusinfoff := pagemanager.InvalidOffsetNumber
	if !isleaf {
		minusinfoff = afterrightoff
	}

	maxoff := origpage.MaxOffset()
	i := oopaque.FirstDataKey()
	for ; i <= maxoff; i++ {
		dataitem := IndexTuple(origpage.Item(i))
		if i == origpagepostingoff {
			dataitem = nposting
		} else if i == newitemoff {
			if newitemonleft {
				if !pgaddtup(leftpage, newitem, afterleftoff, false) {
					return buffer.InvalidBuffer, abandon("failed to add new item to the left sibling while splitting block %d of index %q", origpagenumber, ix.name)
				}
				afterleftoff = afterleftoff.Next()
			} else {
				if !pgaddtup(rightpage, newitem, afterrightoff, afterrightoff == minusinfoff) {
					return buffer.InvalidBuffer, abandon("failed to add new item to the right sibling while splitting block %d of index %q", origpagenumber, ix.name)
				}
				afterrightoff = afterrightoff.Next()
			}
		}

		if i < firstrightoff {
			if !pgaddtup(leftpage, dataitem, afterleftoff, false) {
				return buffer.InvalidBuffer, abandon("failed to add old item to the left sibling while splitting block %d of index %q", origpagenumber, ix.name)
			}
			afterleftoff = afterleftoff.Next()
		} else {
			if !pgaddtup(rightpage, dataitem, afterrightoff, afterrightoff == minusinfoff) {
				return buffer.InvalidBuffer, abandon("failed to add old item to the right sibling while splitting block %d of index %q", origpagenumber, ix.name)
			}
			afterrightoff = afterrightoff.Next()
		}
	}
	// the new item sorts after every old one
	if i <= newitemoff {
		if !pgaddtup(rightpage, newitem, afterrightoff, afterrightoff == minusinfoff) {
			return buffer.InvalidBuffer, abandon("failed to add new item to the right sibling while splitting block %d of index %q", origpagenumber, ix.name)
		}
	}

	sbuf := buffer.InvalidBuffer
	if !isrightmost {
		sbuf, err = ix.getbuf(oopaque.Next(), buffer.LockExclusive)
		if err != nil {
			return buffer.InvalidBuffer, abandon("failed to lock right sibling of block %d in index %q: %w", origpagenumber, ix.name, err)
		}
		sopaque := opaqueOf(ix.page(sbuf))
		if sopaque.Prev() != origpagenumber {
			sblk, sprev := ix.blockOf(sbuf), sopaque.Prev()
			ix.relbuf(sbuf)
			err := abandon("%w: right sibling's left-link doesn't match: block %d links to %d instead of expected %d in index %q",
				ErrIndexCorrupted, sblk, sprev, origpagenumber, ix.name)
			return buffer.InvalidBuffer, wal.Fatal(err)
		}
		// a sibling from another vacuum cycle cannot hold tuples that
		// were on the original page when that vacuum started
		if sopaque.CycleID() != ropaque.CycleID() {
			ropaque.setFlag(FlagSplitEnd)
		}
	}

	pagemanager.RestoreTempPage(leftpage, origpage)
	ix.bm.MarkBufferDirty(buf)
	ix.bm.MarkBufferDirty(rbuf)
	if sbuf != buffer.InvalidBuffer {
		opaqueOf(ix.page(sbuf)).SetPrev(rightpagenumber)
		ix.bm.MarkBufferDirty(sbuf)
	}
	if !isleaf {
		opaqueOf(ix.page(cbuf)).clearFlag(FlagIncompleteSplit)
		ix.bm.MarkBufferDirty(cbuf)
	}

	xl := xlSplit{Level: ropaque.Level(), FirstRightOff: firstrightoff, NewItemOff: newitemoff}
	if postingoff != 0 && origpagepostingoff < firstrightoff {
		xl.PostingOff = uint16(postingoff)
	}
	b := ix.wal.NewRecord()
	b.RegisterData(xl.encode())
	b.RegisterBuffer(0, buf, wal.RegBufStandard)
	b.RegisterBuffer(1, rbuf, wal.RegBufWillInit)
	if sbuf != buffer.InvalidBuffer {
		b.RegisterBuffer(2, sbuf, wal.RegBufStandard)
	}
	if !isleaf {
		b.RegisterBuffer(3, cbuf, wal.RegBufStandard)
	}
	// the new item is logged only when it went left; on the right it is
	// part of the page image below
	switch {
	case newitemonleft && xl.PostingOff == 0:
		b.RegisterBufData(0, newitem[:newitemsz])
	case xl.PostingOff != 0:
		b.RegisterBufData(0, orignewitem[:newitemsz])
	}
	hikey := IndexTuple(origpage.Item(PHikey))
	b.RegisterBufData(0, hikey[:pagemanager.MaxAlign(hikey.Size())])
	b.RegisterBufData(1, rightpage[rightpage.Upper():rightpage.Special()])

	info := InfoSplitR
	if newitemonleft {
		info = InfoSplitL
	}
	lsn, err := ix.insertRecord(b, info)
	if err != nil {
		if sbuf != buffer.InvalidBuffer {
			ix.relbuf(sbuf)
		}
		ix.relbuf(rbuf)
		releaseChild()
		return buffer.InvalidBuffer, err
	}
	origpage.SetLSN(lsn)
	rightpage.SetLSN(lsn)
	if sbuf != buffer.InvalidBuffer {
		ix.page(sbuf).SetLSN(lsn)
		ix.relbuf(sbuf)
	}
	if !isleaf {
		ix.page(cbuf).SetLSN(lsn)
	}
	releaseChild()

	ix.metrics.BTreeSplitsCounter.Add(ctx, 1)
	ix.logger.Debug("split page",
		zap.Uint32("left", uint32(origpagenumber)),
		zap.Uint32("right", uint32(rightpagenumber)),
		zap.Uint32("level", ropaque.Level()),
		zap.Uint16("firstright", uint16(firstrightoff)),
		zap.Bool("newitemonleft", newitemonleft))
	return rbuf, nil
}

// pgaddtup adds itup at off. newfirstdataitem truncates it to a bare
// header with zero attributes, keeping only the downlink, for the first
// data item of an internal page.
func pgaddtup(p pagemanager.Page, itup IndexTuple, off pagemanager.OffsetNumber, newfirstdataitem bool) bool {
	if newfirstdataitem {
		trunc := append(IndexTuple(nil), itup[:sizeOfTupleHeader]...)
		trunc.setInfo(uint16(sizeOfTupleHeader))
		trunc.setNAtts(0, false)
		itup = trunc
	}
	return p.AddItem(itup[:itup.Size()], off, false, false) != pagemanager.InvalidOffsetNumber
}
