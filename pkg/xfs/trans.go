package xfs

// BlockReader reads count contiguous filesystem blocks starting at fsbno.
// A range never crosses an allocation group boundary.
type BlockReader interface {
	ReadBlocks(fsbno uint64, count uint32) ([]byte, error)
}

// Buf is a block range staged in a transaction. Callers modify Data in place
// and hand the buffer back with Transaction.LogBuf.
type Buf struct {
	Addr  uint64
	Count uint32
	Data  []byte
}

// Transaction stages modified blocks and writes them as a unit. Nothing
// reaches the device before Commit; Cancel discards everything staged.
type Transaction interface {
	// ReadBuf returns the staged copy of a range, reading it from the
	// device on first use.
	ReadBuf(fsbno uint64, count uint32) (*Buf, error)
	// GetBuf returns a zeroed buffer for newly allocated blocks.
	GetBuf(fsbno uint64, count uint32) *Buf
	LogBuf(b *Buf)
	Commit() error
	Cancel()
}
