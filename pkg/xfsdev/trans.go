package xfsdev

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

type transaction struct {
	dev   *Device
	bufs  map[uint64]*xfs.Buf
	dirty map[uint64]bool
	fresh map[uint64]bool
	order []uint64
	done  bool
}

// Begin starts a transaction. Buffers are staged in memory until Commit.
func (d *Device) Begin() xfs.Transaction {
	return &transaction{
		dev:   d,
		bufs:  make(map[uint64]*xfs.Buf),
		dirty: make(map[uint64]bool),
		fresh: make(map[uint64]bool),
	}
}

func (tx *transaction) ReadBuf(fsbno uint64, count uint32) (*xfs.Buf, error) {

	if b, ok := tx.bufs[fsbno]; ok {
		if b.Count != count {
			return nil, errors.Errorf("block %d staged with %d blocks, requested %d", fsbno, b.Count, count)
		}
		return b, nil
	}

	data, err := tx.dev.ReadBlocks(fsbno, count)
	if err != nil {
		return nil, err
	}

	b := &xfs.Buf{Addr: fsbno, Count: count, Data: append([]byte(nil), data...)}
	tx.bufs[fsbno] = b
	tx.order = append(tx.order, fsbno)

	return b, nil

}

func (tx *transaction) GetBuf(fsbno uint64, count uint32) *xfs.Buf {

	b := &xfs.Buf{Addr: fsbno, Count: count, Data: make([]byte, int64(count)*tx.dev.geo.BlockSize())}
	if _, ok := tx.bufs[fsbno]; !ok {
		tx.order = append(tx.order, fsbno)
	}
	tx.bufs[fsbno] = b
	tx.fresh[fsbno] = true

	return b

}

func (tx *transaction) LogBuf(b *xfs.Buf) {
	if _, ok := tx.bufs[b.Addr]; !ok {
		tx.order = append(tx.order, b.Addr)
	}
	tx.bufs[b.Addr] = b
	tx.dirty[b.Addr] = true
}

// writeRank orders buffers for Commit. Fresh blocks land before the
// existing metadata that comes to reference them, and AG headers go last.
func (tx *transaction) writeRank(addr uint64) int {
	switch {
	case tx.fresh[addr]:
		return 0
	case tx.dev.geo.FsbToAgbno(addr) == 0:
		return 2
	default:
		return 1
	}
}

func (tx *transaction) Commit() error {

	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true

	if len(tx.dirty) == 0 {
		return nil
	}

	if tx.dev.readOnly {
		return ErrReadOnly
	}

	order := make([]uint64, 0, len(tx.dirty))
	for _, addr := range tx.order {
		if tx.dirty[addr] {
			order = append(order, addr)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return tx.writeRank(order[i]) < tx.writeRank(order[j])
	})

	for _, addr := range order {
		err := tx.dev.write(tx.bufs[addr])
		if err != nil {
			return err
		}
	}

	return nil

}

func (tx *transaction) Cancel() {
	tx.done = true
	tx.bufs = nil
	tx.dirty = nil
	tx.fresh = nil
}
