package ubiblock

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/tarndt/ubiblk/pkg/devreg"
	"github.com/tarndt/ubiblk/pkg/ubi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioSingleLEBRead(t *testing.T) {
	layer := newFakeLayer()
	vol := layer.add(0, newFakeVolume("rootfs", lebSize, 10))
	mgr, reg := newTestManager(layer)

	bdev := mustCreate(t, mgr, 0, "rootfs")
	assert.EqualValues(t, lebSize, bdev.BlockSize())
	assert.EqualValues(t, 10, bdev.BlockCount())
	assert.Equal(t, "ubi0.rootfs", bdev.Name())

	buf := make([]byte, lebSize)
	n, err := reg.BlockRead(bdev.Devnum(), 0, 1, buf)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, []readCall{{lnum: 0, offset: 0, length: lebSize}}, vol.calls)
	assert.Equal(t, vol.data[:lebSize], buf)
}

func TestScenarioSpanningRead(t *testing.T) {
	const leb = 31 * 4 * kib //not a power of two, yields 4KiB blocks
	layer := newFakeLayer()
	vol := layer.add(1, newFakeVolume("data", leb, 8))
	mgr, _ := newTestManager(layer)

	bdev := mustCreate(t, mgr, 1, "data")
	require.EqualValues(t, 4*kib, bdev.BlockSize())

	start := int64(3*leb+64*kib) / (4 * kib)
	buf := make([]byte, 20*4*kib)
	n, err := bdev.Read(start, 20, buf)
	require.NoError(t, err)
	assert.EqualValues(t, 20, n)
	assert.Equal(t, []readCall{
		{lnum: 3, offset: 64 * kib, length: leb - 64*kib},
		{lnum: 4, offset: 0, length: len(buf) - (leb - 64*kib)},
	}, vol.calls)
	assert.Equal(t, vol.data[start*4*kib:][:len(buf)], buf)
}

func TestScenarioSecondReadFails(t *testing.T) {
	layer := newFakeLayer()
	vol := layer.add(0, newFakeVolume("vol", lebSize, 4))
	vol.failAt, vol.failErr = 1, errors.New("I/O fault")
	mgr, _ := newTestManager(layer)
	bdev := mustCreate(t, mgr, 0, "vol")

	const blockSize = lebSize
	buf := make([]byte, 2*blockSize)
	n, err := bdev.Read(1, 2, buf)
	assert.Zero(t, n)
	assert.True(t, errors.Is(err, ErrRead), "unexpected error: %v", err)
	assert.True(t, errors.Is(err, vol.failErr), "unexpected error: %v", err)
	assert.Equal(t, vol.data[lebSize:2*lebSize], buf[:blockSize])

	var ubiErr *Error
	require.True(t, errors.As(err, &ubiErr))
	assert.Equal(t, ErrRead, ubiErr.Kind)
}

func TestReadRejectsOverflowingRanges(t *testing.T) {
	layer := newFakeLayer()
	vol := layer.add(0, newFakeVolume("rootfs", lebSize, 4))
	mgr, reg := newTestManager(layer)
	bdev := mustCreate(t, mgr, 0, "rootfs")

	buf := make([]byte, lebSize)
	for _, tc := range []struct {
		name         string
		start, count int64
	}{
		{"count wraps positive", 0, 1<<47 + 1},
		{"count wraps negative", 0, 1 << 46},
		{"start overflows", 1 << 50, 1},
		{"count exceeds buffer", 0, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n, err := bdev.Read(tc.start, tc.count, buf)
			assert.Zero(t, n)
			assert.ErrorIs(t, err, ErrRead)

			_, err = reg.BlockRead(bdev.Devnum(), tc.start, tc.count, buf)
			assert.Error(t, err)
		})
	}
	n, err := bdev.Read(1<<50, 1, buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ubi.ErrOutOfRange)
	assert.Empty(t, vol.calls, "rejected reads reached the volume")
}

func TestScenarioMissingFlash(t *testing.T) {
	layer := newFakeLayer()
	mgr, reg := newTestManager(layer)

	_, err := mgr.Flashes().Get(5)
	assert.True(t, errors.Is(err, ErrNotFound), "unexpected error: %v", err)
	assert.True(t, errors.Is(err, ubi.ErrNoDevice), "unexpected error: %v", err)
	assert.Empty(t, reg.Devices(0))

	_, err = mgr.Create(5, "rootfs")
	assert.True(t, errors.Is(err, ErrNotFound), "unexpected error: %v", err)
	assert.Empty(t, reg.Devices(0))
}

func TestCreateIdempotent(t *testing.T) {
	layer := newFakeLayer()
	vol := layer.add(0, newFakeVolume("rootfs", lebSize, 3))
	layer.add(0, newFakeVolume("other", lebSize, 2))
	mgr, reg := newTestManager(layer)

	first, err := mgr.Create(0, "rootfs")
	require.NoError(t, err)
	second, err := mgr.Create(0, "rootfs")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, layer.opens, "only one volume descriptor may be opened")
	assert.Zero(t, vol.closes)
	assert.Equal(t, 1, layer.refCount(0), "the registry holds exactly one reference")

	other, err := mgr.Create(0, "other")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
	assert.Len(t, reg.Devices(devreg.ClassBlock), 2)
	assert.Len(t, mgr.Devices(), 2)
	assert.Equal(t, mgr.Find(0, "rootfs"), mgr.Lookup(first))
	assert.Nil(t, mgr.Find(0, "missing"))
}

func TestCreateErrors(t *testing.T) {
	layer := newFakeLayer()
	layer.add(0, newFakeVolume("rootfs", lebSize, 3))
	mgr, reg := newTestManager(layer)

	_, err := mgr.Create(0, "missing")
	assert.True(t, errors.Is(err, ErrVolumeOpen), "unexpected error: %v", err)
	assert.True(t, errors.Is(err, ubi.ErrVolumeNotFound), "unexpected error: %v", err)
	assert.Empty(t, reg.Devices(devreg.ClassBlock))

	//Name clash with a foreign device
	_, err = reg.Bind(nil, devreg.ClassBlock, "other", "ubi0.rootfs", &BlockDevice{})
	require.NoError(t, err)
	vol := layer.vols["0/rootfs"]
	_, err = mgr.Create(0, "rootfs")
	assert.True(t, errors.Is(err, ErrBind), "unexpected error: %v", err)
	assert.True(t, errors.Is(err, devreg.ErrExists), "unexpected error: %v", err)
	assert.Equal(t, 1, vol.closes, "descriptor of a failed create must be closed")
	assert.Nil(t, mgr.Find(0, "rootfs"))
}

func TestGeometryIdentity(t *testing.T) {
	for _, leb := range []int{512, 4 * kib, lebSize, 126976, 129024, 3 * 512, 1000} {
		layer := newFakeLayer()
		vol := layer.add(0, newFakeVolume("vol", leb, 7))
		mgr, _ := newTestManager(layer)

		bdev := mustCreate(t, mgr, 0, "vol")
		bs := bdev.BlockSize()
		assert.True(t, bs > 0 && bs&(bs-1) == 0, "block size %d of LEB %d must be a power of two", bs, leb)
		assert.Zero(t, int64(leb)%bs, "block size %d must divide LEB %d", bs, leb)
		assert.Equal(t, int64(vol.reserved)*int64(leb), bdev.BlockCount()*bs)
		assert.Equal(t, bdev.Size(), bdev.BlockCount()*bs)
	}
}

func TestUnbindIdempotent(t *testing.T) {
	layer := newFakeLayer()
	vol := layer.add(0, newFakeVolume("vol", lebSize, 2))
	mgr, _ := newTestManager(layer)
	bdev := mustCreate(t, mgr, 0, "vol")

	require.NoError(t, bdev.Unbind())
	require.NoError(t, bdev.Unbind())
	assert.Equal(t, 1, vol.closes)
	assert.Nil(t, mgr.Find(0, "vol"))

	_, err := bdev.Read(0, 1, make([]byte, lebSize))
	assert.True(t, errors.Is(err, devreg.ErrUnbound), "unexpected error: %v", err)

	require.NoError(t, bdev.Close())
	require.NoError(t, bdev.Close())
	assert.Equal(t, 1, vol.closes)

	flash := mgr.Flashes().Find(0)
	require.NotNil(t, flash)
	require.NoError(t, flash.Unbind())
	require.NoError(t, flash.Unbind())
	assert.Zero(t, layer.refCount(0))
	assert.Nil(t, flash.Device())
}

func TestCreateDuringUnbind(t *testing.T) {
	layer := newFakeLayer()
	vol := layer.add(0, newFakeVolume("vol", lebSize, 2))
	mgr, _ := newTestManager(layer)
	old := mustCreate(t, mgr, 0, "vol")

	var (
		recreated *BlockDevice
		err       error
	)
	vol.onClose = func() {
		vol.onClose = nil
		//The old device is detached and its descriptor released but it is still cached
		var devnum int
		if devnum, err = mgr.Create(0, "vol"); err == nil {
			recreated = mgr.Lookup(devnum)
		}
	}
	require.NoError(t, old.Close())
	require.NoError(t, err)
	require.NotNil(t, recreated)
	assert.NotSame(t, old, recreated)
	assert.Same(t, recreated, mgr.Find(0, "vol"), "finishing the old unbind must not drop the new device")

	buf := make([]byte, lebSize)
	n, err := recreated.Read(1, 1, buf)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, vol.data[lebSize:], buf)
}

func TestPutCascades(t *testing.T) {
	layer := newFakeLayer()
	a := layer.add(0, newFakeVolume("a", lebSize, 2))
	b := layer.add(0, newFakeVolume("b", lebSize, 2))
	c := layer.add(1, newFakeVolume("c", lebSize, 2))
	mgr, reg := newTestManager(layer)

	mustCreate(t, mgr, 0, "a")
	mustCreate(t, mgr, 0, "b")
	mustCreate(t, mgr, 1, "c")
	assert.Equal(t, 1, layer.refCount(0))

	require.NoError(t, mgr.Flashes().Put(0))
	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)
	assert.Zero(t, c.closes)
	assert.Zero(t, layer.refCount(0))
	assert.Nil(t, mgr.Find(0, "a"))
	assert.Nil(t, mgr.Flashes().Find(0))
	assert.Len(t, reg.Devices(0), 2, "ubi1 and its block device remain")

	require.NoError(t, mgr.Flashes().Put(0), "put of an unbound device is a no-op")
	require.NoError(t, mgr.Flashes().Put(9), "put of a missing device is a no-op")

	require.NoError(t, mgr.Remove(1, "c"))
	require.NoError(t, mgr.Remove(1, "c"))
	assert.Equal(t, 1, c.closes)
	assert.Equal(t, 1, layer.refCount(1), "removing a block device keeps its UBI device entry")

	require.NoError(t, reg.Close())
	assert.Zero(t, layer.refCount(1))
}

func TestReadAt(t *testing.T) {
	layer := newFakeLayer()
	vol := layer.add(0, newFakeVolume("vol", lebSize, 3))
	mgr, _ := newTestManager(layer)
	bdev := mustCreate(t, mgr, 0, "vol")
	size := bdev.Size()

	buf := make([]byte, 1000)
	n, err := bdev.ReadAt(buf, lebSize-500)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	assert.Equal(t, vol.data[lebSize-500:lebSize+500], buf)

	n, err = bdev.ReadAt(buf, size-100)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, vol.data[size-100:], buf[:100])

	n, err = bdev.ReadAt(buf, size)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, n)

	all, err := io.ReadAll(io.NewSectionReader(bdev, 0, size))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(vol.data, all))
}

func TestConcurrentReadsAndClose(t *testing.T) {
	layer := newFakeLayer()
	vol := layer.add(0, newFakeVolume("vol", lebSize, 4))
	mgr, _ := newTestManager(layer)
	bdev := mustCreate(t, mgr, 0, "vol")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := make([]byte, 4*kib)
			for j := 0; j < 50; j++ {
				pos := int64((i*50+j)*4*kib) % (bdev.Size() - int64(len(buf)))
				if _, err := bdev.ReadAt(buf, pos); err != nil {
					assert.True(t, errors.Is(err, devreg.ErrUnbound), "unexpected error: %v", err)
					return
				}
				assert.Equal(t, vol.data[pos:pos+int64(len(buf))], buf)
			}
		}(i)
	}
	require.NoError(t, bdev.Close())
	wg.Wait()
	assert.Equal(t, 1, vol.closes)
}

func TestWithUBITable(t *testing.T) {
	const (
		pebSize = 16 * kib
		header  = 1024 //LEB is 15KiB, yielding 1KiB blocks
	)
	tbl := ubi.NewTable()
	chip, err := ubi.NewMemChip(pebSize, 16)
	require.NoError(t, err)
	require.NoError(t, tbl.Attach(0, chip, ubi.Geometry{PEBSize: pebSize, HeaderBytes: header}, nil))
	_, err = tbl.CreateVolume(0, "fs", 4)
	require.NoError(t, err)

	wtr, err := tbl.Open(0, "fs", ubi.ModeReadWrite)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1024) //16KiB crosses into LEB 1
	for lnum, off := 0, 0; off < len(payload); lnum++ {
		chunk := len(payload) - off
		if chunk > wtr.LEBSize() {
			chunk = wtr.LEBSize()
		}
		require.NoError(t, wtr.Write(lnum, payload[off:off+chunk], 0))
		off += chunk
	}
	require.NoError(t, wtr.Close())

	mgr, reg := newTestManager(tbl)
	bdev := mustCreate(t, mgr, 0, "fs")
	assert.EqualValues(t, kib, bdev.BlockSize())
	assert.EqualValues(t, 4*15, bdev.BlockCount())

	buf := make([]byte, len(payload))
	n, err := bdev.Read(0, int64(len(payload))/kib, buf)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload)/kib, n)
	assert.Equal(t, payload, buf)

	_, err = bdev.Read(bdev.BlockCount(), 1, buf)
	assert.True(t, errors.Is(err, ubi.ErrOutOfRange), "unexpected error: %v", err)

	_, err = tbl.Detach(0)
	assert.True(t, errors.Is(err, ubi.ErrBusy), "attached while in use: %v", err)

	_, err = tbl.Open(0, "fs", ubi.ModeExclusive)
	assert.True(t, errors.Is(err, ubi.ErrBusy), "block device holds the volume open: %v", err)

	require.NoError(t, reg.Close())
	refs, err := tbl.RefCount(0)
	require.NoError(t, err)
	assert.Zero(t, refs)
	_, err = tbl.Detach(0)
	require.NoError(t, err)
}
