// Package xfsdev serves filesystem blocks from a device or image file
// through a bounded buffer cache and writes them back in transactions.
package xfsdev

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// ErrReadOnly is returned when committing to a device opened read-only.
var ErrReadOnly = errors.New("device opened read-only")

// DefaultCacheBytes bounds the buffer cache when no size is configured.
const DefaultCacheBytes = 64 << 20

// ReaderWriterAt is the random access storage a Device works on.
type ReaderWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Options configure a Device.
type Options struct {
	CacheBytes int64
	ReadOnly   bool
}

// Device is an XFS filesystem on random access storage.
type Device struct {
	rw       ReaderWriterAt
	closer   io.Closer
	advise   func(off, length int64)
	readOnly bool

	sb    *xfs.SuperBlock
	geo   *xfs.Geometry
	cache *cache

	reads  uint64
	writes uint64
}

// Open opens a device or image file.
func Open(path string, opts Options) (*Device, error) {

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	d, err := New(f, opts)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "opening %s", path)
	}

	d.closer = f
	d.advise = fileAdvisor(f)

	return d, nil

}

// New reads the primary superblock from rw and prepares the cache.
func New(rw ReaderWriterAt, opts Options) (*Device, error) {

	sector := make([]byte, xfs.SectorSize)
	_, err := rw.ReadAt(sector, 0)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "reading superblock")
	}

	sb, err := xfs.DecodeSuperBlock(sector)
	if err != nil {
		return nil, err
	}

	geo, err := xfs.NewGeometry(sb)
	if err != nil {
		return nil, err
	}

	if opts.CacheBytes <= 0 {
		opts.CacheBytes = DefaultCacheBytes
	}

	c, err := newCache(opts.CacheBytes, geo.BlockSize())
	if err != nil {
		return nil, err
	}

	return &Device{
		rw:       rw,
		readOnly: opts.ReadOnly,
		sb:       sb,
		geo:      geo,
		cache:    c,
		advise:   func(off, length int64) {},
	}, nil

}

func (d *Device) Geometry() *xfs.Geometry {
	return d.geo
}

// SuperBlock returns the primary superblock as read at open time.
func (d *Device) SuperBlock() *xfs.SuperBlock {
	return d.sb
}

func (d *Device) ReadOnly() bool {
	return d.readOnly
}

func (d *Device) checkRange(fsbno uint64, count uint32) error {

	agno := d.geo.FsbToAG(fsbno)
	if !d.geo.ValidAG(agno) || count == 0 {
		return errors.Errorf("bad block range %d+%d", fsbno, count)
	}

	if uint64(d.geo.FsbToAgbno(fsbno))+uint64(count) > uint64(d.geo.AGLength(agno)) {
		return errors.Errorf("block range %d+%d crosses the end of ag %d", fsbno, count, agno)
	}

	return nil

}

// ReadBlocks returns count blocks starting at fsbno. The returned slice may
// be shared with the cache and must not be modified.
func (d *Device) ReadBlocks(fsbno uint64, count uint32) ([]byte, error) {

	err := d.checkRange(fsbno, count)
	if err != nil {
		return nil, err
	}

	bs := d.geo.BlockSize()

	if count == 1 {
		if b, ok := d.cache.get(fsbno); ok {
			return b, nil
		}
	}

	out := make([]byte, int64(count)*bs)
	missing := false
	for i := uint32(0); i < count; i++ {
		b, ok := d.cache.get(fsbno + uint64(i))
		if !ok {
			missing = true
			break
		}
		copy(out[int64(i)*bs:], b)
	}

	if !missing {
		return out, nil
	}

	atomic.AddUint64(&d.reads, 1)
	_, err = d.rw.ReadAt(out, d.geo.ByteOffset(fsbno))
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "reading blocks %d+%d", fsbno, count)
	}

	for i := uint32(0); i < count; i++ {
		addr := fsbno + uint64(i)
		blk := out[int64(i)*bs : int64(i+1)*bs]
		if b, ok := d.cache.dirty(addr); ok {
			copy(blk, b)
			continue
		}
		d.cache.put(addr, append([]byte(nil), blk...))
	}

	return out, nil

}

// Readahead hints that a block range will be read soon.
func (d *Device) Readahead(fsbno uint64, count uint32) {
	if d.checkRange(fsbno, count) != nil {
		return
	}
	d.advise(d.geo.ByteOffset(fsbno), int64(count)*d.geo.BlockSize())
}

func (d *Device) write(b *xfs.Buf) error {

	if d.readOnly {
		return ErrReadOnly
	}

	err := d.checkRange(b.Addr, b.Count)
	if err != nil {
		return err
	}

	atomic.AddUint64(&d.writes, 1)
	_, err = d.rw.WriteAt(b.Data, d.geo.ByteOffset(b.Addr))
	if err != nil {
		return errors.Wrapf(err, "writing blocks %d+%d", b.Addr, b.Count)
	}

	bs := d.geo.BlockSize()
	for i := uint32(0); i < b.Count; i++ {
		d.cache.write(b.Addr+uint64(i), append([]byte(nil), b.Data[int64(i)*bs:int64(i+1)*bs]...))
	}

	return nil

}

// Stats reports device and cache activity.
type Stats struct {
	Reads       uint64
	Writes      uint64
	CacheHits   uint64
	CacheMisses uint64
}

func (d *Device) Stats() Stats {
	hits, misses := d.cache.metrics()
	return Stats{
		Reads:       atomic.LoadUint64(&d.reads),
		Writes:      atomic.LoadUint64(&d.writes),
		CacheHits:   hits,
		CacheMisses: misses,
	}
}

// Close releases the cache and, for opened files, the file.
func (d *Device) Close() error {
	d.cache.close()
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}
