package btree

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
)

// --- Page Deletion ---

// pagedel deletes the empty leaf leafbuf, exclusively locked, together
// with any parents it is the only child of. Deletion happens in two WAL
// logged steps: the downlink is removed and the leaf marked half-dead,
// then each page of the subtree is unlinked from its siblings, top down.
// An empty right sibling is deleted next. leafbuf is always released.
func (ix *Index) pagedel(ctx context.Context, leafbuf buffer.Buffer, vs *vacState) error {
	scanblkno := ix.blockOf(leafbuf)
	var stk *stack

	for {
		page := ix.page(leafbuf)
		o := opaqueOf(page)

		if !o.IsLeaf() || o.IsDeleted() {
			if o.IsHalfDead() {
				ix.logger.Warn("index contains a half-dead internal page", zap.String("index", ix.name),
					zap.Uint32("block", uint32(ix.blockOf(leafbuf))))
			}
			if o.IsDeleted() {
				ix.logger.Warn("found deleted block while following right link",
					zap.String("index", ix.name), zap.Uint32("block", uint32(ix.blockOf(leafbuf))),
					zap.Uint32("from", uint32(scanblkno)))
			}
			ix.relbuf(leafbuf)
			return nil
		}

		// never the rightmost page, the root, a non-empty page or the
		// left half of an unfinished split
		if o.IsRightmost() || o.IsRoot() || o.FirstDataKey() <= page.MaxOffset() || o.IsIncompleteSplit() {
			ix.relbuf(leafbuf)
			return nil
		}

		if !o.IsHalfDead() {
			if stk == nil {
				// find the parent by searching for the high key
				targetkey := IndexTuple(page.Item(PHikey)).copy()
				leftsib := o.Prev()
				leafblkno := ix.blockOf(leafbuf)
				ix.unlockbuf(leafbuf)

				split, err := ix.leftsibSplitFlag(leftsib, leafblkno)
				if err != nil || split {
					ix.bm.ReleaseBuffer(leafbuf)
					return err
				}

				key := ix.scanKeyFromTuple(targetkey)
				key.pivotsearch = true
				s, sleafbuf, err := ix.search(key, accessRead)
				if err != nil {
					ix.bm.ReleaseBuffer(leafbuf)
					return err
				}
				if sleafbuf != buffer.InvalidBuffer {
					ix.relbuf(sleafbuf)
				}
				if s == nil {
					// the leaf is its own root after all
					ix.bm.ReleaseBuffer(leafbuf)
					return nil
				}
				stk = s
				// recheck everything: the page may have changed while unlocked
				ix.lockbuf(leafbuf, buffer.LockExclusive)
				continue
			}

			ok, err := ix.markPageHalfDead(leafbuf, stk)
			if err != nil || !ok {
				ix.relbuf(leafbuf)
				return err
			}
		}

		rightsibEmpty := false
		for opaqueOf(ix.page(leafbuf)).IsHalfDead() {
			if err := ctx.Err(); err != nil {
				ix.relbuf(leafbuf)
				return err
			}
			ok, empty, err := ix.unlinkHalfDeadPage(ctx, leafbuf, scanblkno, vs)
			if err != nil || !ok {
				// leafbuf was released
				return err
			}
			rightsibEmpty = empty
		}

		rightsib := opaqueOf(ix.page(leafbuf)).Next()
		ix.relbuf(leafbuf)
		if !rightsibEmpty {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if leafbuf, err = ix.getbuf(rightsib, buffer.LockExclusive); err != nil {
			return err
		}
	}
}

// leftsibSplitFlag reports whether target is the right half of a split
// whose left half leftsib is still flagged INCOMPLETE_SPLIT.
func (ix *Index) leftsibSplitFlag(leftsib, target pagemanager.BlockNumber) (bool, error) {
	if leftsib == PNone {
		return false, nil
	}
	buf, err := ix.getbuf(leftsib, buffer.LockShare)
	if err != nil {
		return false, err
	}
	defer ix.relbuf(buf)
	o := opaqueOf(ix.page(buf))
	return o.Next() == target && o.IsIncompleteSplit(), nil
}

// rightsibHalfDead reports whether the leaf at blk is half-dead.
func (ix *Index) rightsibHalfDead(blk pagemanager.BlockNumber) (bool, error) {
	buf, err := ix.getbuf(blk, buffer.LockShare)
	if err != nil {
		return false, err
	}
	defer ix.relbuf(buf)
	return opaqueOf(ix.page(buf)).IsHalfDead(), nil
}

// markPageHalfDead removes the downlink to the subtree topped by the
// highest parent that has leafbuf as its only descendant, and marks the
// leaf half-dead. Its high key is replaced by a dummy tuple pointing to
// that top parent. It reports false when the leaf cannot be deleted.
func (ix *Index) markPageHalfDead(leafbuf buffer.Buffer, stk *stack) (bool, error) {
	page := ix.page(leafbuf)
	o := opaqueOf(page)
	leafblkno := ix.blockOf(leafbuf)
	leafrightsib := o.Next()

	// a half-dead right sibling has no downlink to shift onto
	halfdead, err := ix.rightsibHalfDead(leafrightsib)
	if err != nil {
		return false, err
	}
	if halfdead {
		ix.logger.Debug("could not delete page because its right sibling is half-dead",
			zap.Uint32("block", uint32(leafblkno)), zap.Uint32("rightsib", uint32(leafrightsib)))
		return false, nil
	}

	sub := subtree{topparent: leafblkno, topparentrightsib: leafrightsib}
	ok, err := ix.lockSubtreeParent(leafblkno, stk, &sub)
	if err != nil || !ok {
		return false, err
	}

	ppage := ix.page(sub.parentbuf)
	nextoffset := sub.poffset.Next()
	if got := IndexTuple(ppage.Item(nextoffset)).DownLink(); got != sub.topparentrightsib {
		pblk := ix.blockOf(sub.parentbuf)
		ix.relbuf(sub.parentbuf)
		return false, corruptf("right sibling %d of block %d is not next child %d of block %d in index %q",
			sub.topparentrightsib, sub.topparent, got, pblk, ix.name)
	}

	// the pivot before the removed one takes over the right sibling, so
	// the deleted key space moves right
	IndexTuple(ppage.Item(sub.poffset)).setDownLink(sub.topparentrightsib)
	ppage.IndexTupleDelete(nextoffset)

	o.setFlag(FlagHalfDead)
	topparent := pagemanager.InvalidBlockNumber
	if sub.topparent != leafblkno {
		topparent = sub.topparent
	}
	if !page.IndexTupleOverwrite(PHikey, halfDeadHikey(topparent)) {
		ix.relbuf(sub.parentbuf)
		return false, fmt.Errorf("could not overwrite high key in half-dead page %d of index %q", leafblkno, ix.name)
	}
	ix.bm.MarkBufferDirty(sub.parentbuf)
	ix.bm.MarkBufferDirty(leafbuf)

	xl := xlMarkHalfDead{
		POffset:   sub.poffset,
		LeafBlk:   leafblkno,
		LeftBlk:   o.Prev(),
		RightBlk:  o.Next(),
		TopParent: topparent,
	}
	b := ix.wal.NewRecord()
	b.RegisterBuffer(0, leafbuf, wal.RegBufWillInit)
	b.RegisterBuffer(1, sub.parentbuf, wal.RegBufStandard)
	b.RegisterData(xl.encode())
	lsn, err := ix.insertRecord(b, InfoMarkPageHalfDead)
	if err != nil {
		ix.relbuf(sub.parentbuf)
		return false, err
	}
	ppage.SetLSN(lsn)
	page.SetLSN(lsn)
	ix.relbuf(sub.parentbuf)

	ix.logger.Debug("marked page half-dead",
		zap.Uint32("block", uint32(leafblkno)), zap.Uint32("topparent", uint32(sub.topparent)))
	return true, nil
}

// halfDeadHikey is the dummy high key of a half-dead leaf: no attributes,
// and the next subtree page to unlink in the downlink field.
func halfDeadHikey(topparent pagemanager.BlockNumber) IndexTuple {
	t := newTuple(nil, 0)
	t.setNAtts(0, false)
	t.setDownLink(topparent)
	return t
}

// subtree describes the pages a leaf deletion takes with it.
type subtree struct {
	parentbuf         buffer.Buffer
	poffset           pagemanager.OffsetNumber
	topparent         pagemanager.BlockNumber
	topparentrightsib pagemanager.BlockNumber
}

// lockSubtreeParent write-locks the parent of the subtree to delete. A
// child that is its parent's rightmost child can only go together with
// the parent, when it is the only child, so the check repeats one level
// up. It reports false when nothing can be deleted.
func (ix *Index) lockSubtreeParent(child pagemanager.BlockNumber, stk *stack, sub *subtree) (bool, error) {
	if stk == nil {
		return false, nil
	}
	pbuf, err := ix.getstackbuf(stk, child)
	if err != nil {
		return false, err
	}
	if pbuf == buffer.InvalidBuffer {
		ix.logger.Error("failed to re-find parent key for deletion target page",
			zap.String("index", ix.name), zap.Uint32("block", uint32(child)))
		return false, nil
	}

	parent, parentoffset := stk.blkno, stk.offset
	page := ix.page(pbuf)
	o := opaqueOf(page)
	maxoff := page.MaxOffset()
	leftsibparent := o.Prev()

	if parentoffset < maxoff {
		sub.parentbuf = pbuf
		sub.poffset = parentoffset
		return true, nil
	}

	// rightmost child: the parent must be deletable too
	if parentoffset != o.FirstDataKey() || o.IsRightmost() {
		ix.relbuf(pbuf)
		return false, nil
	}
	sub.topparent = parent
	sub.topparentrightsib = o.Next()
	ix.relbuf(pbuf)

	split, err := ix.leftsibSplitFlag(leftsibparent, parent)
	if err != nil || split {
		return false, err
	}
	return ix.lockSubtreeParent(parent, stk.parent, sub)
}

// unlinkHalfDeadPage unlinks the topmost remaining page of the half-dead
// leaf's subtree from its siblings and marks it deleted. It reports
// whether the target's right sibling is empty. On success leafbuf stays
// locked; on failure it has been released.
func (ix *Index) unlinkHalfDeadPage(ctx context.Context, leafbuf buffer.Buffer, scanblkno pagemanager.BlockNumber, vs *vacState) (ok, rightsibEmpty bool, err error) {
	leafblkno := ix.blockOf(leafbuf)
	lpage := ix.page(leafbuf)
	lo := opaqueOf(lpage)
	leafleftsib, leafrightsib := lo.Prev(), lo.Next()
	leafhikey := IndexTuple(lpage.Item(PHikey))
	ix.unlockbuf(leafbuf)

	var (
		target      pagemanager.BlockNumber
		buf         buffer.Buffer
		leftsib     pagemanager.BlockNumber
		targetlevel uint32
	)
	if tp := leafhikey.TopParent(); tp == pagemanager.InvalidBlockNumber {
		target, buf, leftsib = leafblkno, leafbuf, leafleftsib
	} else {
		target = tp
		if buf, err = ix.getbuf(target, buffer.LockShare); err != nil {
			ix.bm.ReleaseBuffer(leafbuf)
			return false, false, err
		}
		to := opaqueOf(ix.page(buf))
		leftsib, targetlevel = to.Prev(), to.Level()
		ix.unlockbuf(buf)
	}

	// lock order: leaf, left sibling, target, right sibling, metapage
	releaseAll := func() {
		if target != leafblkno {
			ix.bm.ReleaseBuffer(buf)
			ix.relbuf(leafbuf)
		} else {
			ix.bm.ReleaseBuffer(leafbuf)
		}
	}
	if target != leafblkno {
		ix.lockbuf(leafbuf, buffer.LockExclusive)
	}

	lbuf := buffer.InvalidBuffer
	if leftsib != PNone {
		if lbuf, err = ix.getbuf(leftsib, buffer.LockExclusive); err != nil {
			releaseAll()
			return false, false, err
		}
		for {
			lop := opaqueOf(ix.page(lbuf))
			if !lop.IsDeleted() && lop.Next() == target {
				break
			}
			valid := !(lop.IsRightmost() || lop.IsDeleted() || leftsib == lop.Next())
			leftsib = lop.Next()
			ix.relbuf(lbuf)
			if !valid {
				ix.logger.Error("valid left sibling for deletion target could not be located",
					zap.String("index", ix.name), zap.Uint32("target", uint32(target)),
					zap.Uint32("leftsib", uint32(leftsib)), zap.Uint32("scanblkno", uint32(scanblkno)))
				releaseAll()
				return false, false, nil
			}
			if err := ctx.Err(); err != nil {
				releaseAll()
				return false, false, err
			}
			if lbuf, err = ix.getbuf(leftsib, buffer.LockExclusive); err != nil {
				releaseAll()
				return false, false, err
			}
		}
	}
	releaseLeft := func() {
		if lbuf != buffer.InvalidBuffer {
			ix.relbuf(lbuf)
		}
	}

	ix.lockbuf(buf, buffer.LockExclusive)
	tpage := ix.page(buf)
	to := opaqueOf(tpage)
	fail := func(e error) (bool, bool, error) {
		releaseLeft()
		if target != leafblkno {
			ix.relbuf(buf)
			ix.relbuf(leafbuf)
		} else {
			ix.relbuf(leafbuf)
		}
		return false, false, e
	}

	if to.IsRightmost() || to.IsRoot() || to.IsDeleted() {
		return fail(fmt.Errorf("target page changed status unexpectedly in block %d of index %q", target, ix.name))
	}
	if to.Prev() != leftsib {
		return fail(corruptf("target page left link unexpectedly changed from %d to %d in block %d of index %q",
			leftsib, to.Prev(), target, ix.name))
	}

	leaftopparent := pagemanager.InvalidBlockNumber
	if target == leafblkno {
		if to.FirstDataKey() <= tpage.MaxOffset() || !to.IsLeaf() || !to.IsHalfDead() {
			return fail(fmt.Errorf("target leaf page changed status unexpectedly in block %d of index %q", target, ix.name))
		}
	} else {
		if to.FirstDataKey() != tpage.MaxOffset() || to.IsLeaf() {
			return fail(fmt.Errorf("target internal page on level %d changed status unexpectedly in block %d of index %q",
				targetlevel, target, ix.name))
		}
		leaftopparent = IndexTuple(tpage.Item(to.FirstDataKey())).DownLink()
		if leaftopparent == leafblkno {
			leaftopparent = pagemanager.InvalidBlockNumber
		}
	}

	rightsib := to.Next()
	rbuf, err := ix.getbuf(rightsib, buffer.LockExclusive)
	if err != nil {
		return fail(err)
	}
	rpage := ix.page(rbuf)
	ro := opaqueOf(rpage)
	if ro.Prev() != target {
		ix.relbuf(rbuf)
		return fail(corruptf("right sibling's left-link doesn't match: block %d links to %d instead of expected %d in index %q",
			rightsib, ro.Prev(), target, ix.name))
	}
	rightsibIsRightmost := ro.IsRightmost()
	rightsibEmpty = ro.FirstDataKey() > rpage.MaxOffset()

	// the right sibling becomes the only page on its level: it may be
	// the new fast root
	metabuf := buffer.InvalidBuffer
	var meta Meta
	if leftsib == PNone && rightsibIsRightmost {
		if metabuf, err = ix.getbuf(MetaBlock, buffer.LockExclusive); err != nil {
			ix.relbuf(rbuf)
			return fail(err)
		}
		if meta, err = ix.readMetaLocked(metabuf); err != nil {
			ix.relbuf(metabuf)
			ix.relbuf(rbuf)
			return fail(err)
		}
		if meta.FastLevel > targetlevel+1 {
			ix.relbuf(metabuf)
			metabuf = buffer.InvalidBuffer
		}
	}

	if lbuf != buffer.InvalidBuffer {
		opaqueOf(ix.page(lbuf)).SetNext(rightsib)
	}
	ro.SetPrev(leftsib)
	if target != leafblkno {
		IndexTuple(lpage.Item(PHikey)).setDownLink(leaftopparent)
	}

	safexid := ix.nextFullXid()
	pageSetDeleted(tpage, safexid)
	to.SetCycleID(0)

	if metabuf != buffer.InvalidBuffer {
		meta.FastRoot = rightsib
		meta.FastLevel = targetlevel
		writeMeta(ix.page(metabuf), meta)
		ix.bm.MarkBufferDirty(metabuf)
	}
	ix.bm.MarkBufferDirty(rbuf)
	ix.bm.MarkBufferDirty(buf)
	if lbuf != buffer.InvalidBuffer {
		ix.bm.MarkBufferDirty(lbuf)
	}
	if target != leafblkno {
		ix.bm.MarkBufferDirty(leafbuf)
	}

	xl := xlUnlinkPage{
		LeftSib:       leftsib,
		RightSib:      rightsib,
		Level:         targetlevel,
		SafeXid:       safexid,
		LeafLeftSib:   leafleftsib,
		LeafRightSib:  leafrightsib,
		LeafTopParent: leaftopparent,
	}
	b := ix.wal.NewRecord()
	b.RegisterBuffer(0, buf, wal.RegBufWillInit)
	if lbuf != buffer.InvalidBuffer {
		b.RegisterBuffer(1, lbuf, wal.RegBufStandard)
	}
	b.RegisterBuffer(2, rbuf, wal.RegBufStandard)
	if target != leafblkno {
		b.RegisterBuffer(3, leafbuf, wal.RegBufWillInit)
	}
	b.RegisterData(xl.encode())
	info := InfoUnlinkPage
	if metabuf != buffer.InvalidBuffer {
		b.RegisterBuffer(4, metabuf, wal.RegBufWillInit|wal.RegBufStandard)
		b.RegisterBufData(4, metadataOf(meta).encode())
		info = InfoUnlinkPageMeta
	}
	lsn, err := ix.insertRecord(b, info)
	if err != nil {
		if metabuf != buffer.InvalidBuffer {
			ix.relbuf(metabuf)
		}
		ix.relbuf(rbuf)
		return fail(err)
	}
	if metabuf != buffer.InvalidBuffer {
		ix.page(metabuf).SetLSN(lsn)
	}
	rpage.SetLSN(lsn)
	tpage.SetLSN(lsn)
	if lbuf != buffer.InvalidBuffer {
		ix.page(lbuf).SetLSN(lsn)
	}
	if target != leafblkno {
		lpage.SetLSN(lsn)
	}

	if metabuf != buffer.InvalidBuffer {
		ix.relbuf(metabuf)
	}
	releaseLeft()
	ix.relbuf(rbuf)
	if target != leafblkno {
		ix.relbuf(buf)
	}

	if vs != nil {
		if target <= scanblkno {
			vs.stats.PagesDeleted++
		}
		vs.stats.PagesNewlyDeleted++
		vs.pending = append(vs.pending, pendingFree{blk: target, safexid: safexid})
	}
	ix.metrics.BTreePageDeletionsCounter.Add(ctx, 1)
	ix.logger.Debug("unlinked deleted page",
		zap.Uint32("block", uint32(target)), zap.Uint32("level", targetlevel),
		zap.Stringer("safexid", safexid))
	return true, rightsibEmpty, nil
}

// nextFullXid is the xid no running snapshot has reached yet.
func (ix *Index) nextFullXid() transaction.FullTransactionID {
	if ix.txns == nil {
		return transaction.FromEpochAndXid(0, transaction.FirstNormalTransactionID)
	}
	return ix.txns.NextFullXid()
}
