package ubiblock

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/tarndt/ubiblk/pkg/devreg"
	"github.com/tarndt/ubiblk/pkg/ubi"

	"github.com/stretchr/testify/require"
)

type readCall struct {
	lnum, offset, length int
}

//fakeVolume serves reads from a flat byte slice, recording each read and
//optionally failing the failAt'th one
type fakeVolume struct {
	name              string
	lebSize, reserved int
	data              []byte
	failAt            int
	failErr           error
	onClose           func() //run after a close is counted

	mu     sync.Mutex
	calls  []readCall
	closes int
}

func newFakeVolume(name string, lebSize, reserved int) *fakeVolume {
	vol := &fakeVolume{
		name:     name,
		lebSize:  lebSize,
		reserved: reserved,
		data:     make([]byte, lebSize*reserved),
		failAt:   -1,
	}
	for i := range vol.data {
		vol.data[i] = byte(i*7 + i/lebSize)
	}
	return vol
}

func (vol *fakeVolume) Name() string      { return vol.name }
func (vol *fakeVolume) LEBSize() int      { return vol.lebSize }
func (vol *fakeVolume) ReservedLEBs() int { return vol.reserved }

func (vol *fakeVolume) Read(lnum int, buf []byte, offset int) error {
	vol.mu.Lock()
	defer vol.mu.Unlock()

	vol.calls = append(vol.calls, readCall{lnum: lnum, offset: offset, length: len(buf)})
	switch {
	case len(vol.calls)-1 == vol.failAt:
		return vol.failErr
	case lnum < 0 || lnum >= vol.reserved || offset < 0 || offset+len(buf) > vol.lebSize:
		return ubi.ErrOutOfRange
	}
	copy(buf, vol.data[lnum*vol.lebSize+offset:])
	return nil
}

func (vol *fakeVolume) Close() error {
	vol.mu.Lock()
	defer vol.mu.Unlock()

	vol.closes++
	onClose := vol.onClose
	vol.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	vol.mu.Lock()
	return nil
}

func (vol *fakeVolume) resetCalls() []readCall {
	vol.mu.Lock()
	defer vol.mu.Unlock()

	calls := vol.calls
	vol.calls = nil
	return calls
}

type fakeDevice int

func (dev fakeDevice) Num() int               { return int(dev) }
func (dev fakeDevice) Name() string           { return ubi.DeviceName(int(dev)) }
func (dev fakeDevice) Geometry() ubi.Geometry { return ubi.Geometry{} }

//fakeLayer is a flash layer of fake volumes that counts references and opens
type fakeLayer struct {
	mu    sync.Mutex
	vols  map[string]*fakeVolume
	refs  map[int]int
	opens int
}

func newFakeLayer() *fakeLayer {
	return &fakeLayer{vols: make(map[string]*fakeVolume), refs: make(map[int]int)}
}

func (l *fakeLayer) add(num int, vol *fakeVolume) *fakeVolume {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.refs[num]; !exists {
		l.refs[num] = 0
	}
	l.vols[fmt.Sprintf("%d/%s", num, vol.name)] = vol
	return vol
}

func (l *fakeLayer) GetDevice(num int) (ubi.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.refs[num]; !exists {
		return nil, ubi.ErrNoDevice
	}
	l.refs[num]++
	return fakeDevice(num), nil
}

func (l *fakeLayer) PutDevice(dev ubi.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refs[dev.Num()]--
}

func (l *fakeLayer) OpenVolume(num int, name string, mode ubi.Mode) (ubi.Volume, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if mode != ubi.ModeReadOnly {
		return nil, errors.New("only read-only opens are expected")
	}
	vol, exists := l.vols[fmt.Sprintf("%d/%s", num, name)]
	if !exists {
		return nil, ubi.ErrVolumeNotFound
	}
	l.opens++
	return vol, nil
}

func (l *fakeLayer) refCount(num int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.refs[num]
}

func newTestManager(layer ubi.Layer) (*Manager, *devreg.Registry) {
	reg := devreg.New()
	return NewManager(NewFlashRegistry(layer, reg)), reg
}

func mustCreate(t *testing.T, mgr *Manager, num int, volume string) *BlockDevice {
	t.Helper()

	devnum, err := mgr.Create(num, volume)
	require.NoError(t, err)
	bdev := mgr.Lookup(devnum)
	require.NotNil(t, bdev)
	return bdev
}
