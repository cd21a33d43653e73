package repair

import (
	"bytes"
	"context"
	"encoding/binary"
	"strconv"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/xfsrepair/pkg/elog"
	"github.com/vorteil/xfsrepair/pkg/xfs"
	"github.com/vorteil/xfsrepair/pkg/xfsdev"
)

type run struct {
	session *Session
	dev     *xfsdev.Device
	disk    *xfsdev.MemDisk
	hook    *test.Hook
}

func newImage(t *testing.T) *xfs.Image {
	img, err := xfs.NewImage(xfs.DefaultImageOptions())
	require.NoError(t, err)
	return img
}

func finish(t *testing.T, img *xfs.Image) []byte {
	data, err := img.Finish()
	require.NoError(t, err)
	return append([]byte(nil), data...)
}

// repair runs every pass over a copy of data.
func repair(t *testing.T, data []byte, opts Options) *run {

	disk := xfsdev.NewMemDisk(append([]byte(nil), data...))
	dev, err := xfsdev.New(disk, xfsdev.Options{CacheBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)

	if opts.Threads == 0 {
		opts.Threads = 4
	}

	s, err := New(dev, elog.Wrap(l), opts)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	return &run{session: s, dev: dev, disk: disk, hook: hook}

}

func (r *run) messages(level logrus.Level) []string {
	var msgs []string
	for _, e := range r.hook.AllEntries() {
		if e.Level == level {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

func (r *run) announced(substr string) bool {
	for _, msg := range r.messages(logrus.WarnLevel) {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// reopen mounts the repaired bytes afresh so nothing is served from the
// session's cache.
func (r *run) reopen(t *testing.T) *xfsdev.Device {
	dev, err := xfsdev.New(xfsdev.NewMemDisk(append([]byte(nil), r.disk.Bytes()...)), xfsdev.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func readInode(t *testing.T, dev *xfsdev.Device, ino uint64) *xfs.Inode {
	ip, err := xfs.ReadInode(dev.Geometry(), dev, ino)
	require.NoError(t, err)
	return ip
}

func listDir(t *testing.T, dev *xfsdev.Device, ino uint64) map[string]uint64 {

	geo := dev.Geometry()
	ip := readInode(t, dev, ino)
	require.True(t, ip.IsDir())

	m, err := xfs.ReadBlockMap(geo, dev, ip)
	require.NoError(t, err)

	d, err := xfs.DecodeDirectory(geo, dev, ip, m)
	require.NoError(t, err)

	names := make(map[string]uint64)
	if sd, ok := d.(*xfs.ShortDir); ok {
		require.NoError(t, sd.Err)
		names[".."] = sd.Parent
		for _, e := range sd.Entries {
			names[e.Name] = e.Inode
		}
		return names
	}

	for _, blk := range d.DataBlocks() {
		require.NoError(t, blk.Err)
		for _, e := range blk.Entries {
			names[e.Name] = e.Inode
		}
	}

	return names

}

// assertClean repairs the output of an earlier run again and expects
// nothing left to do.
func assertClean(t *testing.T, r *run) {
	again := repair(t, r.disk.Bytes(), Options{})
	st := again.session.Stats()
	assert.Zero(t, st.Repairs(), "second run: %v", again.messages(logrus.WarnLevel))
	assert.Zero(t, st.IOErrors)
	assert.True(t, bytes.Equal(r.disk.Bytes(), again.disk.Bytes()), "second run modified the filesystem")
}

func populate(t *testing.T, img *xfs.Image) {

	root := img.Root()

	docs, err := img.Mkdir(root, "docs")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = img.Create(docs, "note"+strconv.Itoa(i), 1)
		require.NoError(t, err)
	}

	src, err := img.MkdirIn(1, root, "src")
	require.NoError(t, err)

	_, err = img.CreateIn(1, src, "main.go", 3)
	require.NoError(t, err)

	_, err = img.Create(root, "README", 2)
	require.NoError(t, err)

}

func TestCleanFilesystem(t *testing.T) {

	img := newImage(t)
	populate(t, img)
	data := finish(t, img)

	r := repair(t, data, Options{})
	st := r.session.Stats()

	assert.Zero(t, st.Repairs(), "%v", r.messages(logrus.WarnLevel))
	assert.Zero(t, st.DuplicateExtents)
	assert.Equal(t, uint64(3), st.DirsChecked)
	assert.True(t, bytes.Equal(data, r.disk.Bytes()))
	assert.Equal(t, 0, r.session.Report().ExitCode())

}

func TestOverlappingExtents(t *testing.T) {

	img := newImage(t)
	root := img.Root()

	base, err := img.AllocBlocks(0, 7)
	require.NoError(t, err)

	a, err := img.Create(root, "a", 0)
	require.NoError(t, err)
	require.NoError(t, img.AddExtent(a, base, 5))

	b, err := img.Create(root, "b", 0)
	require.NoError(t, err)
	require.NoError(t, img.AddExtent(b, base+2, 5))

	keep, err := img.Create(root, "keep", 1)
	require.NoError(t, err)

	r := repair(t, finish(t, img), Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(1), st.DuplicateExtents)
	assert.Equal(t, uint64(3), st.DuplicateBlocks)
	assert.Equal(t, uint64(2), st.InodesCleared)
	assert.Equal(t, uint64(2), st.EntriesRemoved)

	dev := r.reopen(t)
	assert.False(t, readInode(t, dev, a).InUse())
	assert.False(t, readInode(t, dev, b).InUse())
	assert.True(t, readInode(t, dev, keep).InUse())

	// the cleared inodes are free in the inode btree and their blocks are
	// back in free space
	assert.True(t, btreeFree(t, dev, a))
	assert.True(t, btreeFree(t, dev, b))
	assert.False(t, btreeFree(t, dev, keep))
	assert.Equal(t, uint64(1), st.FreeSpaceRebuilt)
	assertCounters(t, dev)

	names := listDir(t, dev, root)
	assert.NotContains(t, names, "a")
	assert.NotContains(t, names, "b")
	assert.Equal(t, keep, names["keep"])

	assertClean(t, r)

}

func TestCorruptLeafCount(t *testing.T) {

	img := newImage(t)
	root := img.Root()
	geo := img.Geometry()

	dir, err := img.Mkdir(root, "many")
	require.NoError(t, err)
	require.NoError(t, img.SetDirFormat(dir, xfs.DirLeafForm))

	want := make(map[string]uint64)
	for i := 0; i < 20; i++ {
		name := "entry-" + strconv.Itoa(i)
		ino, err := img.Create(dir, name, 0)
		require.NoError(t, err)
		want[name] = ino
	}

	data := finish(t, img)

	m := &xfs.BlockMap{Extents: img.Extents(dir)}
	fsbno, ok := m.Lookup(geo.LeafOffset())
	require.True(t, ok)

	off := img.Offset(fsbno) + 12
	count := binary.BigEndian.Uint16(data[off:])
	binary.BigEndian.PutUint16(data[off:], count-1)

	r := repair(t, data, Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(1), st.DirsRebuilt)
	assert.Zero(t, st.EntriesRemoved)
	assert.True(t, r.announced("rebuilding directory"))

	names := listDir(t, r.reopen(t), dir)
	for name, ino := range want {
		assert.Equal(t, ino, names[name], name)
	}
	assert.Equal(t, root, names[".."])

	assertClean(t, r)

}

func TestOrphanInode(t *testing.T) {

	img := newImage(t)
	populate(t, img)
	root := img.Root()

	orphan, err := img.AllocInode(0, xfs.ModeRegular|0644)
	require.NoError(t, err)

	r := repair(t, finish(t, img), Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(1), st.Orphans)
	// the root gains a subdirectory
	assert.Equal(t, uint64(1), st.LinksFixed)

	dev := r.reopen(t)
	lf, ok := listDir(t, dev, root)[OrphanageName]
	require.True(t, ok)

	names := listDir(t, dev, lf)
	assert.Equal(t, orphan, names[strconv.FormatUint(orphan, 10)])
	assert.Equal(t, root, names[".."])

	assert.Equal(t, uint32(2), readInode(t, dev, lf).Links())
	assert.Equal(t, uint32(1), readInode(t, dev, orphan).Links())

	assertClean(t, r)

}

func TestDirectoryCycle(t *testing.T) {

	img := newImage(t)
	populate(t, img)
	root := img.Root()

	a, err := img.AllocInode(0, xfs.ModeDirectory|0755)
	require.NoError(t, err)
	b, err := img.AllocInode(0, xfs.ModeDirectory|0755)
	require.NoError(t, err)

	require.NoError(t, img.Link(a, "b", b))
	require.NoError(t, img.Link(b, "a", a))
	require.NoError(t, img.SetParent(a, b))
	require.NoError(t, img.SetParent(b, a))

	r := repair(t, finish(t, img), Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(1), st.CyclesBroken)
	assert.Equal(t, uint64(1), st.Orphans)

	dev := r.reopen(t)
	lf := listDir(t, dev, root)[OrphanageName]

	assert.Equal(t, a, listDir(t, dev, lf)[strconv.FormatUint(a, 10)])

	an := listDir(t, dev, a)
	assert.Equal(t, lf, an[".."])
	assert.Equal(t, b, an["b"])

	bn := listDir(t, dev, b)
	assert.Equal(t, a, bn[".."])
	assert.NotContains(t, bn, "a")

	assert.Equal(t, uint32(3), readInode(t, dev, a).Links())
	assert.Equal(t, uint32(2), readInode(t, dev, b).Links())

	assertClean(t, r)

}

func TestLinkCountMismatch(t *testing.T) {

	img := newImage(t)
	root := img.Root()

	f, err := img.Create(root, "file", 1)
	require.NoError(t, err)
	require.NoError(t, img.SetLinks(f, 5))

	g, err := img.Create(root, "hardlink-target", 1)
	require.NoError(t, err)
	require.NoError(t, img.Link(root, "hardlink", g))
	require.NoError(t, img.SetLinks(g, 1))

	r := repair(t, finish(t, img), Options{})

	assert.Equal(t, uint64(2), r.session.Stats().LinksFixed)
	assert.True(t, r.announced("link count of inode"))

	dev := r.reopen(t)
	assert.Equal(t, uint32(1), readInode(t, dev, f).Links())
	assert.Equal(t, uint32(2), readInode(t, dev, g).Links())

	assertClean(t, r)

}

func TestBadEntriesRemoved(t *testing.T) {

	img := newImage(t)
	root := img.Root()
	geo := img.Geometry()

	docs, err := img.Mkdir(root, "docs")
	require.NoError(t, err)
	f, err := img.Create(docs, "file", 1)
	require.NoError(t, err)

	require.NoError(t, img.Link(docs, "self", docs))
	require.NoError(t, img.Link(docs, "again", docs))
	require.NoError(t, img.Link(docs, "nowhere", geo.Ino(1, 200)))
	require.NoError(t, img.Link(root, "second-parent", docs))

	r := repair(t, finish(t, img), Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(4), st.EntriesRemoved)

	dev := r.reopen(t)
	names := listDir(t, dev, docs)
	assert.Equal(t, map[string]uint64{"..": root, "file": f}, names)
	assert.NotContains(t, listDir(t, dev, root), "second-parent")
	assert.Equal(t, uint32(2), readInode(t, dev, docs).Links())

	assertClean(t, r)

}

func TestDryRun(t *testing.T) {

	img := newImage(t)
	populate(t, img)
	root := img.Root()

	_, err := img.AllocInode(1, xfs.ModeRegular|0644)
	require.NoError(t, err)

	f, err := img.Create(root, "file", 1)
	require.NoError(t, err)
	require.NoError(t, img.SetLinks(f, 3))

	data := finish(t, img)
	r := repair(t, data, Options{NoModify: true})
	st := r.session.Stats()

	assert.True(t, bytes.Equal(data, r.disk.Bytes()))
	assert.Equal(t, uint64(0), r.dev.Stats().Writes)
	assert.Equal(t, uint64(1), st.Orphans)
	assert.NotZero(t, st.LinksFixed)
	assert.True(t, r.announced("would move"))
	assert.False(t, r.announced("moving"))
	assert.Equal(t, 1, r.session.Report().ExitCode())

	// the real run does exactly what the dry run promised
	real := repair(t, data, Options{})
	assert.Equal(t, st.Repairs(), real.session.Stats().Repairs())

}

func TestStridedPrefetch(t *testing.T) {

	img := newImage(t)
	populate(t, img)
	_, err := img.AllocInode(1, xfs.ModeRegular|0644)
	require.NoError(t, err)
	data := finish(t, img)

	plain := repair(t, data, Options{NoPrefetch: true, Threads: 1})
	strided := repair(t, data, Options{AGStride: 1, Threads: 2})

	assert.Equal(t, plain.session.Stats().Repairs(), strided.session.Stats().Repairs())
	assert.True(t, bytes.Equal(plain.disk.Bytes(), strided.disk.Bytes()))
	assert.NotZero(t, strided.session.Stats().PrefetchReads)

}

func TestPassOrder(t *testing.T) {

	img := newImage(t)
	disk := xfsdev.NewMemDisk(finish(t, img))
	dev, err := xfsdev.New(disk, xfsdev.Options{})
	require.NoError(t, err)
	defer dev.Close()

	s, err := New(dev, nil, Options{})
	require.NoError(t, err)

	ctx := context.Background()

	assert.Error(t, s.RunPass(ctx, PassConnectivity))
	require.NoError(t, s.RunPass(ctx, PassSuperBlock))
	assert.Error(t, s.RunPass(ctx, PassSuperBlock))
	assert.Error(t, s.RunPass(ctx, Pass(2)))

	assert.Error(t, s.RunPass(ctx, PassFreeSpace))

	for _, pass := range []Pass{PassScan, PassDuplicates, PassConnectivity, PassLinkCounts, PassFreeSpace} {
		require.NoError(t, s.RunPass(ctx, pass), "%v", pass)
	}

	assert.Error(t, s.RunPass(ctx, PassFreeSpace))
	require.NoError(t, s.RunPass(ctx, PassLinkCounts))
	assert.Zero(t, s.Stats().Repairs())

}

type recorder struct {
	steps []string
	ticks int
}

func (r *recorder) Start(name string, total int64) { r.steps = append(r.steps, name) }
func (r *recorder) Increment()                     { r.ticks++ }
func (r *recorder) Finish()                        {}

func TestProgressSteps(t *testing.T) {

	img := newImage(t)
	populate(t, img)

	rec := new(recorder)
	r := repair(t, finish(t, img), Options{Progress: rec, Threads: 1})

	assert.Equal(t, []string{"ag headers", "inodes", "duplicate extents", "directories", "directory writes", "link counts", "free space"}, rec.steps)
	assert.Equal(t, len(rec.steps)*int(r.dev.Geometry().AGCount), rec.ticks)

}

func TestReport(t *testing.T) {

	img := newImage(t)
	populate(t, img)
	_, err := img.AllocInode(0, xfs.ModeRegular|0644)
	require.NoError(t, err)

	r := repair(t, finish(t, img), Options{})
	rep := r.session.Report()

	assert.Equal(t, r.session.ID(), rep.RunID)
	assert.Len(t, rep.AGs, 2)
	assert.Len(t, rep.Passes, len(Passes))
	assert.Equal(t, "4K", rep.Geometry.BlockSize)
	assert.NotEmpty(t, rep.Diagnostics)

	buf := new(bytes.Buffer)
	require.NoError(t, rep.WriteYAML(buf))
	assert.Contains(t, buf.String(), "run_id: "+rep.RunID)
	assert.Contains(t, buf.String(), "orphans: 1")

	buf.Reset()
	rep.WriteTable(buf)
	assert.Contains(t, buf.String(), "CHUNKS")
	assert.Contains(t, buf.String(), "repairs made")

}
