package btree

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
)

// --- Redo ---

func redo(env *wal.RedoEnv, rec *wal.DecodedRecord) error {
	switch info := rec.Info(); info {
	case InfoInsertLeaf:
		return redoInsert(env, rec, true, false, false)
	case InfoInsertUpper:
		return redoInsert(env, rec, false, false, false)
	case InfoInsertMeta:
		return redoInsert(env, rec, false, true, false)
	case InfoInsertPost:
		return redoInsert(env, rec, true, false, true)
	case InfoSplitL, InfoSplitR:
		return redoSplit(env, rec, info == InfoSplitL)
	case InfoDedup:
		return redoDedup(env, rec)
	case InfoDelete:
		return redoDelete(env, rec)
	case InfoVacuum:
		return redoVacuum(env, rec)
	case InfoMarkPageHalfDead:
		return redoMarkPageHalfDead(env, rec)
	case InfoUnlinkPage, InfoUnlinkPageMeta:
		return redoUnlinkPage(env, rec, info == InfoUnlinkPageMeta)
	case InfoNewRoot:
		return redoNewRoot(env, rec)
	case InfoReusePage:
		return redoReusePage(env, rec)
	case InfoMetaCleanup:
		return restoreMeta(env, rec, 0)
	default:
		return wal.Fatal(fmt.Errorf("btree redo: unknown op code %#x", info))
	}
}

// finishBlock stamps the record's end LSN on a redone page.
func finishBlock(env *wal.RedoEnv, rec *wal.DecodedRecord, buf buffer.Buffer) {
	env.Buffers.Page(buf).SetLSN(rec.EndLSN)
	env.Buffers.MarkBufferDirty(buf)
}

func releaseRedo(env *wal.RedoEnv, buf buffer.Buffer) {
	if buf != buffer.InvalidBuffer {
		env.Buffers.UnlockReleaseBuffer(buf)
	}
}

func addRedoItem(page pagemanager.Page, item []byte, off pagemanager.OffsetNumber, what string) error {
	if page.AddItem(item, off, false, false) == pagemanager.InvalidOffsetNumber {
		return wal.Fatal(fmt.Errorf("btree redo: failed to add %s at offset %d", what, off))
	}
	return nil
}

// restorePage refills a freshly initialized page from the item bytes
// between upper and special of the logged page. Items are stored last
// offset first.
func restorePage(page pagemanager.Page, data []byte) error {
	var items [][]byte
	for len(data) > 0 {
		if len(data) < sizeOfTupleHeader {
			return fmt.Errorf("%w: truncated index tuple in page data", wal.ErrInvalidRecord)
		}
		sz := pagemanager.MaxAlign(IndexTuple(data).Size())
		if sz == 0 || sz > len(data) {
			return fmt.Errorf("%w: index tuple of %d bytes in %d bytes of page data", wal.ErrInvalidRecord, sz, len(data))
		}
		items = append(items, data[:sz])
		data = data[sz:]
	}
	n := len(items)
	for i := n - 1; i >= 0; i-- {
		if err := addRedoItem(page, items[i], pagemanager.OffsetNumber(n-i), "restored item"); err != nil {
			return err
		}
	}
	return nil
}

// restoreMeta rebuilds the metapage of block reference id from the
// logged metadata.
func restoreMeta(env *wal.RedoEnv, rec *wal.DecodedRecord, id uint8) error {
	md, err := decodeMetadata(rec.BlockData(id))
	if err != nil {
		return err
	}
	metabuf, err := env.InitBufferForRedo(rec, id)
	if err != nil {
		return err
	}
	metapage := env.Buffers.Page(metabuf)
	pageInit(metapage)
	writeMeta(metapage, md.meta())
	opaqueOf(metapage).SetFlags(FlagMeta)
	finishBlock(env, rec, metabuf)
	env.Buffers.UnlockReleaseBuffer(metabuf)
	return nil
}

// clearIncompleteSplit clears the flag on the child whose split an
// upper insert completed.
func clearIncompleteSplit(env *wal.RedoEnv, rec *wal.DecodedRecord, id uint8) error {
	action, buf, err := env.ReadBufferForRedo(rec, id)
	if err != nil {
		return err
	}
	if action == wal.BlockNeedsRedo {
		opaqueOf(env.Buffers.Page(buf)).clearFlag(FlagIncompleteSplit)
		finishBlock(env, rec, buf)
	}
	releaseRedo(env, buf)
	return nil
}

func redoInsert(env *wal.RedoEnv, rec *wal.DecodedRecord, isleaf, ismeta, posting bool) error {
	xl, err := decodeInsert(rec.Main)
	if err != nil {
		return err
	}
	if !isleaf {
		if err := clearIncompleteSplit(env, rec, 1); err != nil {
			return err
		}
	}

	action, buf, err := env.ReadBufferForRedo(rec, 0)
	if err != nil {
		return err
	}
	if action == wal.BlockNeedsRedo {
		page := env.Buffers.Page(buf)
		data := rec.BlockData(0)
		if !posting {
			if err := addRedoItem(page, data, xl.Offnum, "new item"); err != nil {
				releaseRedo(env, buf)
				return err
			}
		} else {
			if len(data) < 2+sizeOfTupleHeader {
				releaseRedo(env, buf)
				return fmt.Errorf("%w: posting list insert data of %d bytes", wal.ErrInvalidRecord, len(data))
			}
			postingoff := int(binary.LittleEndian.Uint16(data))
			newitem := IndexTuple(data[2:]).copy()
			oposting := IndexTuple(page.Item(xl.Offnum.Prev()))
			nposting := swapPosting(newitem, oposting, postingoff)
			copy(oposting, nposting)
			if err := addRedoItem(page, newitem, xl.Offnum, "new item"); err != nil {
				releaseRedo(env, buf)
				return err
			}
		}
		finishBlock(env, rec, buf)
	}
	releaseRedo(env, buf)

	if ismeta {
		return restoreMeta(env, rec, 2)
	}
	return nil
}

func redoSplit(env *wal.RedoEnv, rec *wal.DecodedRecord, newitemonleft bool) error {
	xl, err := decodeSplit(rec.Main)
	if err != nil {
		return err
	}
	isleaf := xl.Level == 0
	_, _, origpagenumber, _ := rec.BlockTag(0)
	_, _, rightpagenumber, _ := rec.BlockTag(1)
	spagenumber := PNone
	if _, _, blk, ok := rec.BlockTag(2); ok {
		spagenumber = blk
	}

	if !isleaf {
		if err := clearIncompleteSplit(env, rec, 3); err != nil {
			return err
		}
	}

	rbuf, err := env.InitBufferForRedo(rec, 1)
	if err != nil {
		return err
	}
	rpage := env.Buffers.Page(rbuf)
	pageInit(rpage)
	ro := opaqueOf(rpage)
	ro.SetPrev(origpagenumber)
	ro.SetNext(spagenumber)
	ro.SetLevel(xl.Level)
	if isleaf {
		ro.SetFlags(FlagLeaf)
	}
	ro.SetCycleID(0)
	if err := restorePage(rpage, rec.BlockData(1)); err != nil {
		releaseRedo(env, rbuf)
		return err
	}
	finishBlock(env, rec, rbuf)

	action, buf, err := env.ReadBufferForRedo(rec, 0)
	if err != nil {
		releaseRedo(env, rbuf)
		return err
	}
	if action == wal.BlockNeedsRedo {
		if err := redoSplitLeft(env.Buffers.Page(buf), rec.BlockData(0), xl, newitemonleft, isleaf, rightpagenumber); err != nil {
			releaseRedo(env, buf)
			releaseRedo(env, rbuf)
			return err
		}
		finishBlock(env, rec, buf)
	}
	// both halves are released together so readers never see one alone
	releaseRedo(env, buf)
	releaseRedo(env, rbuf)

	if spagenumber != PNone {
		action, sbuf, err := env.ReadBufferForRedo(rec, 2)
		if err != nil {
			return err
		}
		if action == wal.BlockNeedsRedo {
			opaqueOf(env.Buffers.Page(sbuf)).SetPrev(rightpagenumber)
			finishBlock(env, rec, sbuf)
		}
		releaseRedo(env, sbuf)
	}
	return nil
}

// redoSplitLeft rebuilds the left half of a split in place of origpage.
func redoSplitLeft(origpage pagemanager.Page, data []byte, xl xlSplit, newitemonleft, isleaf bool, rightpagenumber pagemanager.BlockNumber) error {
	var newitem, nposting IndexTuple
	replacepostingoff := pagemanager.InvalidOffsetNumber
	if newitemonleft || xl.PostingOff != 0 {
		if len(data) < sizeOfTupleHeader {
			return fmt.Errorf("%w: split record without new item", wal.ErrInvalidRecord)
		}
		sz := pagemanager.MaxAlign(IndexTuple(data).Size())
		if sz > len(data) {
			return fmt.Errorf("%w: split new item of %d bytes in %d bytes", wal.ErrInvalidRecord, sz, len(data))
		}
		newitem = IndexTuple(data[:sz]).copy()
		data = data[sz:]
		if xl.PostingOff != 0 {
			replacepostingoff = xl.NewItemOff.Prev()
			oposting := IndexTuple(origpage.Item(replacepostingoff))
			nposting = swapPosting(newitem, oposting, int(xl.PostingOff))
		}
	}
	if len(data) < sizeOfTupleHeader {
		return fmt.Errorf("%w: split record without left high key", wal.ErrInvalidRecord)
	}
	hikeysz := pagemanager.MaxAlign(IndexTuple(data).Size())
	if hikeysz > len(data) {
		return fmt.Errorf("%w: split high key of %d bytes in %d bytes", wal.ErrInvalidRecord, hikeysz, len(data))
	}

	oopaque := opaqueOf(origpage)
	leftpage := pagemanager.GetTempPageCopySpecial(origpage)
	if err := addRedoItem(leftpage, data[:hikeysz], PHikey, "left high key"); err != nil {
		return err
	}
	leftoff := PHikey.Next()
	off := oopaque.FirstDataKey()
	for ; off < xl.FirstRightOff; off++ {
		if off == replacepostingoff {
			if err := addRedoItem(leftpage, nposting, leftoff, "posting list"); err != nil {
				return err
			}
			leftoff = leftoff.Next()
			continue
		}
		if newitemonleft && off == xl.NewItemOff {
			if err := addRedoItem(leftpage, newitem, leftoff, "new item"); err != nil {
				return err
			}
			leftoff = leftoff.Next()
		}
		if err := addRedoItem(leftpage, origpage.Item(off), leftoff, "old item"); err != nil {
			return err
		}
		leftoff = leftoff.Next()
	}
	if newitemonleft && off == xl.NewItemOff {
		if err := addRedoItem(leftpage, newitem, leftoff, "new item"); err != nil {
			return err
		}
	}
	pagemanager.RestoreTempPage(leftpage, origpage)

	lo := opaqueOf(origpage)
	flags := FlagIncompleteSplit
	if isleaf {
		flags |= FlagLeaf
	}
	lo.SetFlags(flags)
	lo.SetNext(rightpagenumber)
	lo.SetCycleID(0)
	return nil
}

func redoDedup(env *wal.RedoEnv, rec *wal.DecodedRecord) error {
	xl, err := decodeDedup(rec.Main)
	if err != nil {
		return err
	}
	action, buf, err := env.ReadBufferForRedo(rec, 0)
	if err != nil {
		return err
	}
	defer releaseRedo(env, buf)
	if action != wal.BlockNeedsRedo {
		return nil
	}
	intervals, err := decodeIntervals(rec.BlockData(0), int(xl.NIntervals))
	if err != nil {
		return err
	}
	if err := dedupRedo(env.Buffers.Page(buf), intervals); err != nil {
		return wal.Fatal(fmt.Errorf("btree redo: %w", err))
	}
	finishBlock(env, rec, buf)
	return nil
}

// applyLoggedDeletes replays the block data shared by DELETE and VACUUM:
// posting list updates, then whole item deletes.
func applyLoggedDeletes(page pagemanager.Page, data []byte, ndeleted, nupdated int) error {
	deleted, rest, err := decodeOffsets(data, ndeleted)
	if err != nil {
		return err
	}
	if nupdated > 0 {
		updated, rest, err := decodeOffsets(rest, nupdated)
		if err != nil {
			return err
		}
		tids, err := decodeUpdates(rest, nupdated)
		if err != nil {
			return err
		}
		for i, off := range updated {
			vp := &vacuumPosting{itup: IndexTuple(page.Item(off)), updatedOff: off, deletetids: tids[i]}
			itup := updatePosting(vp)
			if !page.IndexTupleOverwrite(off, itup) {
				return wal.Fatal(fmt.Errorf("btree redo: failed to update partially dead item at offset %d", off))
			}
		}
	}
	if ndeleted > 0 {
		page.IndexMultiDelete(deleted)
	}
	return nil
}

func redoDelete(env *wal.RedoEnv, rec *wal.DecodedRecord) error {
	xl, err := decodeDelete(rec.Main)
	if err != nil {
		return err
	}
	// snapshots that could still see the deleted tuples must go first
	if rel, _, _, ok := rec.BlockTag(0); ok {
		env.ResolveConflict(xl.SnapshotConflictHorizon, rel)
	}

	action, buf, err := env.ReadBufferForRedo(rec, 0)
	if err != nil {
		return err
	}
	defer releaseRedo(env, buf)
	if action != wal.BlockNeedsRedo {
		return nil
	}
	page := env.Buffers.Page(buf)
	if err := applyLoggedDeletes(page, rec.BlockData(0), int(xl.NDeleted), int(xl.NUpdated)); err != nil {
		return err
	}
	opaqueOf(page).clearFlag(FlagHasGarbage)
	finishBlock(env, rec, buf)
	return nil
}

func redoVacuum(env *wal.RedoEnv, rec *wal.DecodedRecord) error {
	xl, err := decodeVacuum(rec.Main)
	if err != nil {
		return err
	}
	// a cleanup lock waits out scans paused on the page
	action, buf, err := env.ReadBufferForRedoExtended(rec, 0, buffer.ReadNormal, true)
	if err != nil {
		return err
	}
	defer releaseRedo(env, buf)
	if action != wal.BlockNeedsRedo {
		return nil
	}
	page := env.Buffers.Page(buf)
	if err := applyLoggedDeletes(page, rec.BlockData(0), int(xl.NDeleted), int(xl.NUpdated)); err != nil {
		return err
	}
	o := opaqueOf(page)
	o.clearFlag(FlagHasGarbage)
	o.SetCycleID(0)
	finishBlock(env, rec, buf)
	return nil
}

// initHalfDeadLeaf formats page as an empty half-dead leaf whose high key
// names topparent.
func initHalfDeadLeaf(page pagemanager.Page, prev, next, topparent pagemanager.BlockNumber) error {
	pageInit(page)
	o := opaqueOf(page)
	o.SetPrev(prev)
	o.SetNext(next)
	o.SetLevel(0)
	o.SetFlags(FlagHalfDead | FlagLeaf)
	o.SetCycleID(0)
	return addRedoItem(page, halfDeadHikey(topparent), PHikey, "half-dead high key")
}

func redoMarkPageHalfDead(env *wal.RedoEnv, rec *wal.DecodedRecord) error {
	xl, err := decodeMarkHalfDead(rec.Main)
	if err != nil {
		return err
	}

	action, pbuf, err := env.ReadBufferForRedo(rec, 1)
	if err != nil {
		return err
	}
	if action == wal.BlockNeedsRedo {
		ppage := env.Buffers.Page(pbuf)
		nextoffset := xl.POffset.Next()
		rightsib := IndexTuple(ppage.Item(nextoffset)).DownLink()
		IndexTuple(ppage.Item(xl.POffset)).setDownLink(rightsib)
		ppage.IndexTupleDelete(nextoffset)
		finishBlock(env, rec, pbuf)
	}
	releaseRedo(env, pbuf)

	// the leaf is always rebuilt from scratch
	leafbuf, err := env.InitBufferForRedo(rec, 0)
	if err != nil {
		return err
	}
	defer releaseRedo(env, leafbuf)
	if err := initHalfDeadLeaf(env.Buffers.Page(leafbuf), xl.LeftBlk, xl.RightBlk, xl.TopParent); err != nil {
		return err
	}
	finishBlock(env, rec, leafbuf)
	return nil
}

func redoUnlinkPage(env *wal.RedoEnv, rec *wal.DecodedRecord, ismeta bool) error {
	xl, err := decodeUnlinkPage(rec.Main)
	if err != nil {
		return err
	}
	isleaf := xl.Level == 0

	lbuf := buffer.InvalidBuffer
	if xl.LeftSib != PNone {
		var action wal.RedoAction
		if action, lbuf, err = env.ReadBufferForRedo(rec, 1); err != nil {
			return err
		}
		if action == wal.BlockNeedsRedo {
			opaqueOf(env.Buffers.Page(lbuf)).SetNext(xl.RightSib)
			finishBlock(env, rec, lbuf)
		}
	}

	target, err := env.InitBufferForRedo(rec, 0)
	if err != nil {
		releaseRedo(env, lbuf)
		return err
	}
	tpage := env.Buffers.Page(target)
	pageInit(tpage)
	to := opaqueOf(tpage)
	to.SetPrev(xl.LeftSib)
	to.SetNext(xl.RightSib)
	to.SetLevel(xl.Level)
	pageSetDeleted(tpage, xl.SafeXid)
	if isleaf {
		to.setFlag(FlagLeaf)
	}
	to.SetCycleID(0)
	finishBlock(env, rec, target)

	action, rbuf, err := env.ReadBufferForRedo(rec, 2)
	if err != nil {
		releaseRedo(env, target)
		releaseRedo(env, lbuf)
		return err
	}
	if action == wal.BlockNeedsRedo {
		opaqueOf(env.Buffers.Page(rbuf)).SetPrev(xl.LeftSib)
		finishBlock(env, rec, rbuf)
	}
	releaseRedo(env, lbuf)
	releaseRedo(env, rbuf)
	releaseRedo(env, target)

	// an internal page went: the leaf now names the next subtree page
	if rec.HasBlockRef(3) {
		leafbuf, err := env.InitBufferForRedo(rec, 3)
		if err != nil {
			return err
		}
		err = initHalfDeadLeaf(env.Buffers.Page(leafbuf), xl.LeafLeftSib, xl.LeafRightSib, xl.LeafTopParent)
		if err == nil {
			finishBlock(env, rec, leafbuf)
		}
		releaseRedo(env, leafbuf)
		if err != nil {
			return err
		}
	}

	if ismeta {
		return restoreMeta(env, rec, 4)
	}
	return nil
}

func redoNewRoot(env *wal.RedoEnv, rec *wal.DecodedRecord) error {
	xl, err := decodeNewRoot(rec.Main)
	if err != nil {
		return err
	}
	rootbuf, err := env.InitBufferForRedo(rec, 0)
	if err != nil {
		return err
	}
	page := env.Buffers.Page(rootbuf)
	pageInit(page)
	o := opaqueOf(page)
	o.SetFlags(FlagRoot)
	o.SetPrev(PNone)
	o.SetNext(PNone)
	o.SetLevel(xl.Level)
	if xl.Level == 0 {
		o.setFlag(FlagLeaf)
	}
	o.SetCycleID(0)
	if xl.Level > 0 {
		if err := restorePage(page, rec.BlockData(0)); err != nil {
			releaseRedo(env, rootbuf)
			return err
		}
		if err := clearIncompleteSplit(env, rec, 1); err != nil {
			releaseRedo(env, rootbuf)
			return err
		}
	}
	finishBlock(env, rec, rootbuf)
	releaseRedo(env, rootbuf)
	env.Logger.Debug("replayed new btree root",
		zap.Uint32("block", uint32(xl.RootBlk)), zap.Uint32("level", xl.Level))
	return restoreMeta(env, rec, 2)
}

// redoReusePage only resolves conflicts: scans that could still follow
// a link to the page must finish before it is overwritten.
func redoReusePage(env *wal.RedoEnv, rec *wal.DecodedRecord) error {
	xl, err := decodeReusePage(rec.Main)
	if err != nil {
		return err
	}
	env.ResolveConflict(xl.SnapshotConflictHorizon.Xid(), xl.Locator)
	return nil
}

// --- Consistency Masking ---

// mask hides what may legitimately differ between a page written on the
// primary and its replayed copy.
func mask(page pagemanager.Page, _ pagemanager.BlockNumber) {
	pagemanager.MaskPageLSNAndChecksum(page)
	if page.IsNew() {
		return
	}
	pagemanager.MaskPageHintBits(page)
	pagemanager.MaskUnusedSpace(page)

	o := opaqueOf(page)
	if o.IsLeaf() {
		// LP_DEAD hints are set without WAL
		pagemanager.MaskLPFlags(page)
	}
	// redo never sets these: HasGarbage is a hint and SplitEnd and the
	// cycle id only matter to a running vacuum
	o.clearFlag(FlagHasGarbage | FlagSplitEnd)
	o.SetCycleID(0)
}
