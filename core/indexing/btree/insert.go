package btree

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
)

// UniqueCheck selects how Insert treats duplicates of the new key.
type UniqueCheck int

const (
	// UniqueCheckNo inserts without looking for duplicates.
	UniqueCheckNo UniqueCheck = iota
	// UniqueCheckYes fails with a UniqueViolationError when a live
	// duplicate exists, waiting out in-progress writers first.
	UniqueCheckYes
	// UniqueCheckPartial inserts anyway and reports a possible conflict
	// through the boolean result, for deferred constraints.
	UniqueCheckPartial
	// UniqueCheckExisting rechecks an entry already in the index and
	// inserts nothing.
	UniqueCheckExisting
)

func (u UniqueCheck) String() string {
	switch u {
	case UniqueCheckNo:
		return "no"
	case UniqueCheckYes:
		return "yes"
	case UniqueCheckPartial:
		return "partial"
	case UniqueCheckExisting:
		return "existing"
	}
	return fmt.Sprintf("UniqueCheck(%d)", int(u))
}

// InsertOptions tune one insertion.
type InsertOptions struct {
	Unique UniqueCheck
	// IndexUnchanged tells the index that the new tuple is a new version
	// of a row whose indexed values did not change, which makes version
	// churn likely and bottom-up deletion worthwhile.
	IndexUnchanged bool
}

// Insert adds an entry for keys pointing at the heap tuple tid. The result
// is false only under UniqueCheckPartial when a conflicting entry may
// exist.
func (ix *Index) Insert(ctx context.Context, keys []Datum, tid ItemPointer, opts InsertOptions) (bool, error) {
	if !tid.IsValid() {
		return false, fmt.Errorf("%w: invalid heap tid %s", ErrInvalidKey, tid)
	}
	itup, err := FormTuple(ix.desc, keys, tid)
	if err != nil {
		return false, err
	}
	if len(itup) > MaxItemSize {
		return false, fmt.Errorf("%w: size %d exceeds maximum %d for index %q", ErrItemTooLarge, len(itup), MaxItemSize, ix.name)
	}
	if ix.wal.InRecovery() {
		return false, ErrReadOnlyRecovery
	}
	if opts.Unique != UniqueCheckNo {
		if !ix.cfg.Unique {
			return false, fmt.Errorf("index %q is not unique, cannot check uniqueness", ix.name)
		}
		if ix.table == nil {
			return false, fmt.Errorf("%w: uniqueness checks need a table", ErrNotInitialized)
		}
	}
	return ix.doinsert(ctx, itup, opts)
}

func (ix *Index) doinsert(ctx context.Context, itup IndexTuple, opts InsertOptions) (bool, error) {
	checkingUnique := opts.Unique != UniqueCheckNo
	isUnique := true
	tid := itup.rawTID()

	key := ix.scanKeyFromTuple(itup)
	if checkingUnique {
		// collapse every duplicate of the key into one range
		key.scantid = nil
	}
	st := &insertState{itup: itup, itemsz: len(itup), key: key}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		st.buf = buffer.InvalidBuffer
		st.boundsValid = false
		st.postingoff = 0
		stk, err := ix.searchInsert(st)
		if err != nil {
			return false, err
		}

		if checkingUnique {
			res, err := ix.checkUnique(ctx, st, opts.Unique)
			if err != nil {
				if st.buf != buffer.InvalidBuffer {
					ix.relbuf(st.buf)
				}
				return false, err
			}
			if res.xwait.IsNormal() {
				ix.relbuf(st.buf)
				if err := ix.waitForWriter(ctx, res.xwait, res.speculativeToken); err != nil {
					return false, err
				}
				continue
			}
			isUnique = res.unique
			key.scantid = &tid
		}

		if opts.Unique == UniqueCheckExisting {
			ix.relbuf(st.buf)
			return isUnique, nil
		}
		newitemoff, err := ix.findinsertloc(ctx, st, checkingUnique, opts.IndexUnchanged, stk)
		if err != nil {
			if st.buf != buffer.InvalidBuffer {
				ix.relbuf(st.buf)
			}
			return false, err
		}
		if err := ix.insertonpg(ctx, st.buf, buffer.InvalidBuffer, stk, st.itup, st.itemsz, newitemoff, st.postingoff, false); err != nil {
			return false, err
		}
		return isUnique, nil
	}
}

func (ix *Index) waitForWriter(ctx context.Context, xid transaction.TransactionID, token uint32) error {
	ix.logger.Debug("waiting for conflicting writer", zap.Uint32("xid", uint32(xid)), zap.Uint32("token", token))
	if token != 0 {
		if w, ok := ix.table.(SpeculativeWaiter); ok {
			return w.WaitSpeculative(ctx, xid, token)
		}
	}
	if ix.txns == nil {
		return fmt.Errorf("%w: no transaction manager to wait for xid %d", ErrNotInitialized, xid)
	}
	return ix.txns.Wait(ctx, xid)
}

// searchInsert finds the leaf for st and leaves it exclusively locked in
// st.buf. The cached rightmost leaf is tried first; a nil stack is
// returned when it is used.
func (ix *Index) searchInsert(st *insertState) (*stack, error) {
	if blk := pagemanager.BlockNumber(ix.targetBlock.Load()); blk != pagemanager.InvalidBlockNumber {
		if buf, ok := ix.tryFastpath(blk, st); ok {
			st.buf = buf
			return nil, nil
		}
		ix.targetBlock.Store(uint32(pagemanager.InvalidBlockNumber))
	}
	stk, buf, err := ix.search(st.key, accessWrite)
	if err != nil {
		return nil, err
	}
	st.buf = buf
	return stk, nil
}

// tryFastpath reports whether blk is still the rightmost leaf, has room
// for the new tuple and sorts before it. It never waits for a lock.
func (ix *Index) tryFastpath(blk pagemanager.BlockNumber, st *insertState) (buffer.Buffer, bool) {
	buf, err := ix.bm.ReadBuffer(ix.rel, smgr.MainFork, blk)
	if err != nil {
		return buffer.InvalidBuffer, false
	}
	if !ix.bm.ConditionalLockBuffer(buf) {
		ix.bm.ReleaseBuffer(buf)
		return buffer.InvalidBuffer, false
	}
	if ix.checkPage(buf) != nil {
		ix.relbuf(buf)
		return buffer.InvalidBuffer, false
	}
	p := ix.page(buf)
	o := opaqueOf(p)
	if o.IsRightmost() && o.IsLeaf() && !o.Ignore() &&
		p.FreeSpace() > st.itemsz &&
		p.MaxOffset() >= PHikey &&
		st.key.compare(p, PHikey) > 0 {
		return buf, true
	}
	ix.relbuf(buf)
	return buffer.InvalidBuffer, false
}

// --- Uniqueness ---

type uniqueResult struct {
	unique           bool
	xwait            transaction.TransactionID
	speculativeToken uint32
}

// checkUnique scans the duplicates of the new key, starting on st.buf and
// moving right while the high key still equals the key. It reports an
// in-progress writer to wait for, or fails on a live duplicate. st.buf
// stays locked unless an error is returned after it was released.
func (ix *Index) checkUnique(ctx context.Context, st *insertState, check UniqueCheck) (uniqueResult, error) {
	res := uniqueResult{unique: true}
	newTID := st.itup.rawTID()

	p := ix.page(st.buf)
	o := opaqueOf(p)
	maxoff := p.MaxOffset()
	offset, err := ix.binsrchInsert(st)
	if err != nil {
		return res, err
	}

	var (
		nbuf        = buffer.InvalidBuffer
		found       bool
		inposting   bool
		prevalldead = true
		curposti    int
		curitup     IndexTuple
	)
	release := func() {
		if nbuf != buffer.InvalidBuffer {
			ix.relbuf(nbuf)
			nbuf = buffer.InvalidBuffer
		}
	}

	for {
		if offset <= maxoff {
			// every item before stricthigh is a duplicate, none after it
			if nbuf == buffer.InvalidBuffer && offset == st.stricthigh {
				break
			}
			if inposting || !p.ItemID(offset).IsDead() {
				if !inposting {
					if st.key.compare(p, offset) != 0 {
						break
					}
					curitup = IndexTuple(p.Item(offset))
				}

				var htid ItemPointer
				switch {
				case !curitup.IsPosting():
					htid = curitup.rawTID()
				case !inposting:
					inposting = true
					prevalldead = true
					curposti = 0
					htid = curitup.PostingTID(0)
				default:
					htid = curitup.PostingTID(curposti)
				}

				var allDead bool
				if check == UniqueCheckExisting && htid.Compare(newTID) == 0 {
					found = true
				} else {
					tc, err := ix.table.FetchTupleCheck(ctx, htid)
					if err != nil {
						release()
						return res, fmt.Errorf("failed to check heap tuple %s: %w", htid, err)
					}
					allDead = tc.AllDead
					if tc.Visible {
						if check == UniqueCheckPartial {
							release()
							res.unique = false
							return res, nil
						}
						if tc.WaitXid.IsNormal() {
							release()
							st.boundsValid = false
							res.xwait = tc.WaitXid
							res.speculativeToken = tc.SpeculativeToken
							return res, nil
						}
						// a conflict only matters while our own tuple is alive
						self, err := ix.table.FetchTupleCheck(ctx, newTID)
						if err != nil {
							release()
							return res, fmt.Errorf("failed to check heap tuple %s: %w", newTID, err)
						}
						if !self.Visible {
							break
						}
						release()
						ix.relbuf(st.buf)
						st.buf = buffer.InvalidBuffer
						st.boundsValid = false
						return res, &UniqueViolationError{Index: ix.name, Key: ix.desc.describe(st.key.keys)}
					}
					if allDead && (!inposting || (prevalldead && curposti == curitup.NPosting()-1)) {
						// dead to everyone: let the next page cleanup take it
						p.MarkDead(offset)
						o.setFlag(FlagHasGarbage)
						hintbuf := st.buf
						if nbuf != buffer.InvalidBuffer {
							hintbuf = nbuf
						}
						if err := ix.bm.MarkBufferDirtyHint(hintbuf); err != nil {
							ix.logger.Warn("failed to mark killed index tuple", zap.Error(err))
						}
					}
				}
				if !allDead && inposting {
					prevalldead = false
				}
			}
		}

		switch {
		case inposting && curposti < curitup.NPosting()-1:
			curposti++
			continue
		case offset < maxoff:
			curposti = 0
			inposting = false
			offset = offset.Next()
			continue
		}

		// past the last item: duplicates may continue on the right sibling
		if o.IsRightmost() || st.key.compare(p, PHikey) != 0 {
			break
		}
		for {
			next := o.Next()
			if nbuf == buffer.InvalidBuffer {
				nbuf, err = ix.getbuf(next, buffer.LockShare)
			} else {
				nbuf, err = ix.relandgetbuf(nbuf, next, buffer.LockShare)
			}
			if err != nil {
				nbuf = buffer.InvalidBuffer
				return res, err
			}
			p = ix.page(nbuf)
			o = opaqueOf(p)
			if !o.Ignore() {
				break
			}
			if o.IsRightmost() {
				release()
				return res, corruptf("fell off the end of index %q", ix.name)
			}
		}
		curposti = 0
		inposting = false
		maxoff = p.MaxOffset()
		offset = o.FirstDataKey()
	}

	release()
	if check == UniqueCheckExisting && !found {
		return res, fmt.Errorf("failed to re-find tuple within index %q", ix.name)
	}
	return res, nil
}

// --- Finding the Insert Location ---

// findinsertloc settles on the leaf and offset for the new tuple, moving
// right for unique inserts and freeing space on a full page when it can.
func (ix *Index) findinsertloc(ctx context.Context, st *insertState, checkingUnique, indexUnchanged bool, stk *stack) (pagemanager.OffsetNumber, error) {
	p := ix.page(st.buf)
	o := opaqueOf(p)
	uniquedup := indexUnchanged

	if checkingUnique {
		if st.low < st.stricthigh {
			uniquedup = true
		}
		for {
			if st.boundsValid && st.low <= st.stricthigh && st.stricthigh <= p.MaxOffset() {
				break
			}
			if o.IsRightmost() || st.key.compare(p, PHikey) <= 0 {
				break
			}
			if err := ix.stepright(st, stk); err != nil {
				return 0, err
			}
			p = ix.page(st.buf)
			o = opaqueOf(p)
			uniquedup = true
		}
	}

	if p.FreeSpace() < st.itemsz {
		if err := ix.deleteOrDedupOnePage(ctx, st, false, checkingUnique, uniquedup, indexUnchanged); err != nil {
			return 0, err
		}
	}

	newitemoff, err := ix.binsrchInsert(st)
	if err != nil {
		return 0, err
	}
	if st.postingoff == -1 {
		// the overlapping posting list is LP_DEAD: delete it rather than
		// split it
		if err := ix.deleteOrDedupOnePage(ctx, st, true, checkingUnique, false, false); err != nil {
			return 0, err
		}
		st.boundsValid = false
		st.postingoff = 0
		if newitemoff, err = ix.binsrchInsert(st); err != nil {
			return 0, err
		}
		if st.postingoff != 0 {
			return 0, corruptf("table tid %s already present in block %d of index %q", st.itup.rawTID(), ix.blockOf(st.buf), ix.name)
		}
	}
	return newitemoff, nil
}

// stepright moves st.buf to the next live right sibling, finishing any
// incomplete split on the way. The left page stays locked until the right
// one is.
func (ix *Index) stepright(st *insertState, stk *stack) error {
	rblkno := opaqueOf(ix.page(st.buf)).Next()
	rbuf := buffer.InvalidBuffer
	var err error
	for {
		if rbuf == buffer.InvalidBuffer {
			rbuf, err = ix.getbuf(rblkno, buffer.LockExclusive)
		} else {
			rbuf, err = ix.relandgetbuf(rbuf, rblkno, buffer.LockExclusive)
		}
		if err != nil {
			return err
		}
		o := opaqueOf(ix.page(rbuf))
		if o.IsIncompleteSplit() {
			if err := ix.finishSplit(rbuf, stk); err != nil {
				return err
			}
			rbuf = buffer.InvalidBuffer
			continue
		}
		if !o.Ignore() {
			break
		}
		if o.IsRightmost() {
			ix.relbuf(rbuf)
			return corruptf("fell off the end of index %q", ix.name)
		}
		rblkno = o.Next()
	}
	ix.relbuf(st.buf)
	st.buf = rbuf
	st.boundsValid = false
	return nil
}

// deleteOrDedupOnePage tries to make room for the new tuple on a full
// leaf: LP_DEAD items go first, then bottom-up deletion when version churn
// is likely, then deduplication.
func (ix *Index) deleteOrDedupOnePage(ctx context.Context, st *insertState, simpleonly, checkingUnique, uniquedup, indexUnchanged bool) error {
	p := ix.page(st.buf)
	o := opaqueOf(p)
	minoff, maxoff := o.FirstDataKey(), p.MaxOffset()

	var deletable []pagemanager.OffsetNumber
	for off := minoff; off <= maxoff; off++ {
		if p.ItemID(off).IsDead() {
			deletable = append(deletable, off)
		}
	}
	if len(deletable) > 0 {
		if err := ix.simpledelPass(ctx, st.buf, deletable, st.itup, minoff, maxoff); err != nil {
			return err
		}
		st.boundsValid = false
		if p.FreeSpace() >= st.itemsz {
			return nil
		}
		uniquedup = true
	}

	if simpleonly || (checkingUnique && !uniquedup) {
		return nil
	}
	st.boundsValid = false

	if indexUnchanged || uniquedup {
		done, err := ix.bottomupdelPass(ctx, st.buf, st.itemsz)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	if ix.dedupEnabled() {
		return ix.dedupPass(ctx, st.buf, st.itup, st.itemsz, indexUnchanged || uniquedup)
	}
	return nil
}

// --- Placing Tuples ---

// insertonpg puts itup at newitemoff on the locked page buf, splitting
// when it does not fit. cbuf is the child whose split this insert
// finishes on internal pages. Every buffer passed in is released.
func (ix *Index) insertonpg(ctx context.Context, buf, cbuf buffer.Buffer, stk *stack, itup IndexTuple, itemsz int, newitemoff pagemanager.OffsetNumber, postingoff int, splitOnlyPage bool) error {
	p := ix.page(buf)
	o := opaqueOf(p)
	isleaf := o.IsLeaf()
	isroot := o.IsRoot()
	isrightmost := o.IsRightmost()
	isonly := o.IsLeftmost() && o.IsRightmost()

	releaseAll := func() {
		ix.relbuf(buf)
		if cbuf != buffer.InvalidBuffer {
			ix.relbuf(cbuf)
		}
	}

	if o.IsIncompleteSplit() {
		releaseAll()
		return fmt.Errorf("cannot insert to incompletely split page %d of index %q", ix.blockOf(buf), ix.name)
	}

	var origitup, nposting IndexTuple
	if postingoff != 0 {
		id := p.ItemID(newitemoff)
		oposting := IndexTuple(p.Item(newitemoff))
		if !oposting.IsPosting() || id.IsDead() {
			blk := ix.blockOf(buf)
			releaseAll()
			return corruptf("table tid %s from new index tuple overlaps with invalid duplicate tuple at offset %d of block %d in index %q",
				itup.rawTID(), newitemoff, blk, ix.name)
		}
		origitup = itup
		itup = origitup.copy()
		nposting = swapPosting(itup, oposting, postingoff)
		newitemoff = newitemoff.Next()
	}

	if p.FreeSpace() < itemsz {
		rbuf, err := ix.split(ctx, buf, cbuf, newitemoff, itemsz, itup, origitup, nposting, postingoff)
		if err != nil {
			// split released cbuf and, when it failed before touching buf, kept buf
			ix.relbuf(buf)
			return err
		}
		if ix.afterSplitHook != nil {
			if err := ix.afterSplitHook(ix.blockOf(buf), ix.blockOf(rbuf)); err != nil {
				ix.relbuf(rbuf)
				ix.relbuf(buf)
				return err
			}
		}
		return ix.insertParent(ctx, buf, rbuf, stk, isroot, isonly)
	}

	metabuf := buffer.InvalidBuffer
	var meta Meta
	if splitOnlyPage {
		// the page was the only one on its level and may have been the
		// fast root: keep the fast root at or above it
		var err error
		if metabuf, err = ix.getbuf(MetaBlock, buffer.LockExclusive); err != nil {
			releaseAll()
			return err
		}
		if meta, err = ix.readMetaLocked(metabuf); err != nil {
			ix.relbuf(metabuf)
			releaseAll()
			return err
		}
		if meta.FastLevel >= o.Level() {
			ix.relbuf(metabuf)
			metabuf = buffer.InvalidBuffer
		}
	}

	if postingoff != 0 {
		copy(p.Item(newitemoff.Prev()), nposting)
	}
	if p.AddItem(itup, newitemoff, false, false) == pagemanager.InvalidOffsetNumber {
		blk := ix.blockOf(buf)
		releaseAll()
		return wal.Fatal(fmt.Errorf("failed to add new item to block %d in index %q", blk, ix.name))
	}
	ix.bm.MarkBufferDirty(buf)

	if metabuf != buffer.InvalidBuffer {
		meta.FastRoot = ix.blockOf(buf)
		meta.FastLevel = o.Level()
		writeMeta(ix.page(metabuf), meta)
		ix.bm.MarkBufferDirty(metabuf)
	}
	if !isleaf {
		opaqueOf(ix.page(cbuf)).clearFlag(FlagIncompleteSplit)
		ix.bm.MarkBufferDirty(cbuf)
	}

	xl := xlInsert{Offnum: newitemoff}
	b := ix.wal.NewRecord()
	b.RegisterData(xl.encode())
	var info uint8
	switch {
	case isleaf && postingoff == 0:
		info = InfoInsertLeaf
	case postingoff != 0:
		info = InfoInsertPost
	default:
		info = InfoInsertUpper
		b.RegisterBuffer(1, cbuf, wal.RegBufStandard)
		if metabuf != buffer.InvalidBuffer {
			info = InfoInsertMeta
			b.RegisterBuffer(2, metabuf, wal.RegBufWillInit|wal.RegBufStandard)
			b.RegisterBufData(2, metadataOf(meta).encode())
		}
	}
	b.RegisterBuffer(0, buf, wal.RegBufStandard)
	if postingoff == 0 {
		b.RegisterBufData(0, itup)
	} else {
		b.RegisterBufData(0, putU16(nil, uint16(postingoff)))
		b.RegisterBufData(0, origitup)
	}
	lsn, err := ix.insertRecord(b, info)
	if err != nil {
		if metabuf != buffer.InvalidBuffer {
			ix.relbuf(metabuf)
		}
		releaseAll()
		return err
	}
	if metabuf != buffer.InvalidBuffer {
		ix.page(metabuf).SetLSN(lsn)
	}
	if !isleaf {
		ix.page(cbuf).SetLSN(lsn)
	}
	p.SetLSN(lsn)

	if metabuf != buffer.InvalidBuffer {
		ix.relbuf(metabuf)
	}
	if !isleaf {
		ix.relbuf(cbuf)
	}

	blockcache := pagemanager.InvalidBlockNumber
	if isrightmost && isleaf && !isroot {
		blockcache = ix.blockOf(buf)
	}
	ix.relbuf(buf)

	if blockcache != pagemanager.InvalidBlockNumber {
		if height, err := ix.rootHeight(); err == nil && height >= fastpathMinLevel {
			ix.targetBlock.Store(uint32(blockcache))
		}
	}
	return nil
}

// insertRecord inserts a record describing changes already made to
// locked pages. Failing here leaves those pages ahead of the WAL, which is
// fatal.
func (ix *Index) insertRecord(b *wal.RecordBuilder, info uint8) (wal.LSN, error) {
	lsn, err := b.Insert(wal.RmgrBtree, info)
	if err != nil {
		ix.logger.Error("failed to log btree change", zap.String("record", identify(info)), zap.Error(err))
		return wal.InvalidLSN, wal.Fatal(fmt.Errorf("failed to log btree %s record: %w", identify(info), err))
	}
	return lsn, nil
}

// --- Parent Insertion ---

// insertParent installs the downlink to rbuf, the right half of a split
// of buf, one level up. Both buffers are released.
func (ix *Index) insertParent(ctx context.Context, buf, rbuf buffer.Buffer, stk *stack, isroot, isonly bool) error {
	if isroot {
		rootbuf, err := ix.newroot(buf, rbuf)
		if err != nil {
			ix.relbuf(rbuf)
			ix.relbuf(buf)
			return err
		}
		ix.relbuf(rootbuf)
		ix.relbuf(rbuf)
		ix.relbuf(buf)
		return nil
	}

	bknum := ix.blockOf(buf)
	rbknum := ix.blockOf(rbuf)
	p := ix.page(buf)

	if stk == nil {
		// the root split after our descent: find the parent level from
		// its leftmost page
		o := opaqueOf(p)
		ix.logger.Debug("concurrent root page split", zap.Uint32("block", uint32(bknum)))
		pbuf, err := ix.getEndpoint(o.Level()+1, false)
		if err != nil || pbuf == buffer.InvalidBuffer {
			ix.relbuf(rbuf)
			ix.relbuf(buf)
			if err == nil {
				err = corruptf("no parent level above block %d in index %q", bknum, ix.name)
			}
			return err
		}
		stk = &stack{blkno: ix.blockOf(pbuf), offset: pagemanager.InvalidOffsetNumber}
		ix.relbuf(pbuf)
	}

	newItem := IndexTuple(p.Item(PHikey)).copy()
	newItem.setDownLink(rbknum)

	pbuf, err := ix.getstackbuf(stk, bknum)
	ix.relbuf(rbuf)
	if err != nil {
		ix.relbuf(buf)
		return err
	}
	if pbuf == buffer.InvalidBuffer {
		ix.relbuf(buf)
		return corruptf("failed to re-find parent key in index %q for split pages %d/%d", ix.name, bknum, rbknum)
	}
	return ix.insertonpg(ctx, pbuf, buf, stk.parent, newItem, len(newItem), stk.offset.Next(), 0, isonly)
}

// getstackbuf write-locks the page now holding the downlink to child,
// starting from the page and offset recorded in stk and moving right as
// needed. stk is updated to the found position. InvalidBuffer means the
// downlink was not found.
func (ix *Index) getstackbuf(stk *stack, child pagemanager.BlockNumber) (buffer.Buffer, error) {
	blkno := stk.blkno
	start := stk.offset
	for {
		buf, err := ix.getbuf(blkno, buffer.LockExclusive)
		if err != nil {
			return buffer.InvalidBuffer, err
		}
		p := ix.page(buf)
		o := opaqueOf(p)
		if o.IsIncompleteSplit() {
			if err := ix.finishSplit(buf, stk.parent); err != nil {
				return buffer.InvalidBuffer, err
			}
			continue
		}
		if !o.Ignore() {
			minoff, maxoff := o.FirstDataKey(), p.MaxOffset()
			if start < minoff {
				start = minoff
			}
			if start > maxoff {
				start = maxoff.Next()
			}
			// scan right first, then left
			for off := start; off <= maxoff; off++ {
				if IndexTuple(p.Item(off)).DownLink() == child {
					stk.blkno, stk.offset = blkno, off
					return buf, nil
				}
			}
			for off := start.Prev(); off >= minoff && off != pagemanager.InvalidOffsetNumber; off-- {
				if IndexTuple(p.Item(off)).DownLink() == child {
					stk.blkno, stk.offset = blkno, off
					return buf, nil
				}
			}
		}
		if o.IsRightmost() {
			ix.relbuf(buf)
			return buffer.InvalidBuffer, nil
		}
		blkno = o.Next()
		start = pagemanager.InvalidOffsetNumber
		ix.relbuf(buf)
	}
}

// finishSplit completes the split of the exclusively locked lbuf whose
// right sibling still lacks a downlink. lbuf is released.
func (ix *Index) finishSplit(lbuf buffer.Buffer, stk *stack) error {
	lo := opaqueOf(ix.page(lbuf))
	rbuf, err := ix.getbuf(lo.Next(), buffer.LockExclusive)
	if err != nil {
		ix.relbuf(lbuf)
		return err
	}
	ro := opaqueOf(ix.page(rbuf))

	wasroot := false
	if stk == nil {
		metabuf, err := ix.getbuf(MetaBlock, buffer.LockExclusive)
		if err != nil {
			ix.relbuf(rbuf)
			ix.relbuf(lbuf)
			return err
		}
		meta, err := ix.readMetaLocked(metabuf)
		ix.relbuf(metabuf)
		if err != nil {
			ix.relbuf(rbuf)
			ix.relbuf(lbuf)
			return err
		}
		wasroot = meta.Root == ix.blockOf(lbuf)
	}
	wasonly := lo.IsLeftmost() && ro.IsRightmost()

	ix.logger.Debug("finishing incomplete split",
		zap.Uint32("left", uint32(ix.blockOf(lbuf))), zap.Uint32("right", uint32(ix.blockOf(rbuf))))
	return ix.insertParent(context.Background(), lbuf, rbuf, stk, wasroot, wasonly)
}

// newroot builds a root one level above the split old root lbuf, with
// downlinks to lbuf and rbuf, and points the metapage at it. The new root
// is returned exclusively locked.
func (ix *Index) newroot(lbuf, rbuf buffer.Buffer) (buffer.Buffer, error) {
	lbkno := ix.blockOf(lbuf)
	rbkno := ix.blockOf(rbuf)
	lpage := ix.page(lbuf)
	lo := opaqueOf(lpage)

	rootbuf, err := ix.allocbuf()
	if err != nil {
		return buffer.InvalidBuffer, err
	}
	rootpage := ix.page(rootbuf)
	rootblk := ix.blockOf(rootbuf)

	metabuf, err := ix.getbuf(MetaBlock, buffer.LockExclusive)
	if err != nil {
		ix.relbuf(rootbuf)
		return buffer.InvalidBuffer, err
	}
	defer ix.relbuf(metabuf)
	meta, err := ix.readMetaLocked(metabuf)
	if err != nil {
		ix.relbuf(rootbuf)
		return buffer.InvalidBuffer, err
	}

	// minus infinity downlink to the old root
	leftItem := newTuple(nil, 0)
	leftItem.setDownLink(lbkno)
	leftItem.setNAtts(0, false)

	rightItem := IndexTuple(lpage.Item(PHikey)).copy()
	rightItem.setDownLink(rbkno)

	ro := opaqueOf(rootpage)
	ro.SetPrev(PNone)
	ro.SetNext(PNone)
	ro.SetFlags(FlagRoot)
	ro.SetLevel(lo.Level() + 1)
	ro.SetCycleID(0)

	meta.Root, meta.Level = rootblk, ro.Level()
	meta.FastRoot, meta.FastLevel = rootblk, ro.Level()
	writeMeta(ix.page(metabuf), meta)

	if rootpage.AddItem(leftItem, PHikey, false, false) == pagemanager.InvalidOffsetNumber {
		ix.relbuf(rootbuf)
		return buffer.InvalidBuffer, wal.Fatal(fmt.Errorf("failed to add leftkey to new root page while splitting block %d of index %q", lbkno, ix.name))
	}
	if rootpage.AddItem(rightItem, PFirstKey, false, false) == pagemanager.InvalidOffsetNumber {
		ix.relbuf(rootbuf)
		return buffer.InvalidBuffer, wal.Fatal(fmt.Errorf("failed to add rightkey to new root page while splitting block %d of index %q", lbkno, ix.name))
	}
	lo.clearFlag(FlagIncompleteSplit)
	ix.bm.MarkBufferDirty(lbuf)
	ix.bm.MarkBufferDirty(rootbuf)
	ix.bm.MarkBufferDirty(metabuf)

	xl := xlNewRoot{RootBlk: rootblk, Level: meta.Level}
	b := ix.wal.NewRecord()
	b.RegisterData(xl.encode())
	b.RegisterBuffer(0, rootbuf, wal.RegBufWillInit)
	b.RegisterBuffer(1, lbuf, wal.RegBufStandard)
	b.RegisterBuffer(2, metabuf, wal.RegBufWillInit|wal.RegBufStandard)
	b.RegisterBufData(2, metadataOf(meta).encode())
	b.RegisterBufData(0, rootpage[rootpage.Upper():rootpage.Special()])
	lsn, err := ix.insertRecord(b, InfoNewRoot)
	if err != nil {
		ix.relbuf(rootbuf)
		return buffer.InvalidBuffer, err
	}
	lpage.SetLSN(lsn)
	rootpage.SetLSN(lsn)
	ix.page(metabuf).SetLSN(lsn)

	ix.logger.Debug("created new root", zap.Uint32("block", uint32(rootblk)), zap.Uint32("level", meta.Level))
	return rootbuf, nil
}
