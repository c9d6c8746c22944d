package ubiblock

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/tarndt/ubiblk/pkg/devreg"
	"github.com/tarndt/ubiblk/pkg/ubi"
	"github.com/tarndt/ubiblk/pkg/usbdlib"
)

type volumeKey struct {
	num    int
	volume string
}

//BlockName returns the canonical name of the block device of volume on UBI device num
func BlockName(num int, volume string) string {
	return fmt.Sprintf("%s.%s", ubi.DeviceName(num), volume)
}

//Manager creates, finds and removes block devices
type Manager struct {
	mu      sync.Mutex
	flashes *FlashRegistry
	devices map[volumeKey]*BlockDevice
}

//NewManager constructs a Manager creating block devices on top of the UBI
// devices of flashes
func NewManager(flashes *FlashRegistry) *Manager {
	return &Manager{
		flashes: flashes,
		devices: make(map[volumeKey]*BlockDevice),
	}
}

//Flashes returns the FlashRegistry block devices are created on
func (m *Manager) Flashes() *FlashRegistry { return m.flashes }

//Create returns the device number of the block device of volume on UBI device
// num, creating it if needed. Repeated calls return the same device number.
func (m *Manager) Create(num int, volume string) (devnum int, err error) {
	key, name := volumeKey{num: num, volume: volume}, BlockName(num, volume)
	op := "create " + name

	m.mu.Lock()
	defer m.mu.Unlock()

	flash, err := m.flashes.Get(num)
	if err != nil {
		return -1, err
	}
	if bdev, exists := m.devices[key]; exists {
		if bdev.bound() {
			return bdev.Devnum(), nil
		}
		//Unbind is underway and has not reached forget yet
		delete(m.devices, key)
	}

	vol, err := m.flashes.Layer().OpenVolume(num, volume, ubi.ModeReadOnly)
	if err != nil {
		return -1, &Error{Op: op, Kind: ErrVolumeOpen, Err: err}
	}

	lebSize := vol.LEBSize()
	if lebSize < 1 {
		vol.Close()
		return -1, &Error{Op: op, Kind: ErrVolumeOpen, Err: fmt.Errorf("Volume reports LEB size %d", lebSize)}
	}
	blockSize := lebSize & -lebSize
	blockCount := int64(vol.ReservedLEBs()) * int64(lebSize/blockSize)

	bdev := &BlockDevice{
		mgr:        m,
		key:        key,
		name:       name,
		flash:      flash,
		vol:        vol,
		lebSize:    lebSize,
		blockSize:  blockSize,
		blockCount: blockCount,
	}
	bdev.node, err = m.flashes.Registry().BindBlock(flash.Node(), BlockDriverName, name, blockSize, blockCount, bdev)
	if err != nil {
		vol.Close()
		return -1, &Error{Op: op, Kind: ErrBind, Err: err}
	}

	m.devices[key] = bdev
	return bdev.Devnum(), nil
}

//Find returns the block device of volume on UBI device num or nil
func (m *Manager) Find(num int, volume string) *BlockDevice {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.devices[volumeKey{num: num, volume: volume}]
}

//Lookup returns the block device numbered devnum or nil
func (m *Manager) Lookup(devnum int) *BlockDevice {
	node := m.flashes.Registry().FindDevnum(devnum)
	if node == nil {
		return nil
	}
	bdev, _ := node.Driver().(*BlockDevice)
	return bdev
}

//Devices lists the block devices ordered by device number
func (m *Manager) Devices() []*BlockDevice {
	m.mu.Lock()
	defer m.mu.Unlock()

	bdevs := make([]*BlockDevice, 0, len(m.devices))
	for _, bdev := range m.devices {
		bdevs = append(bdevs, bdev)
	}
	sort.Slice(bdevs, func(i, j int) bool { return bdevs[i].Devnum() < bdevs[j].Devnum() })
	return bdevs
}

//Remove unbinds the block device of volume on UBI device num, removing a
// missing device is not an error
func (m *Manager) Remove(num int, volume string) error {
	bdev := m.Find(num, volume)
	if bdev == nil {
		return nil
	}
	return bdev.Close()
}

func (m *Manager) forget(bdev *BlockDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.devices[bdev.key] == bdev {
		delete(m.devices, bdev.key)
	}
}

//BlockDevice maps one UBI volume onto a read-only block device. It is a
// devreg.BlockDriver and a usbdlib.Device.
type BlockDevice struct {
	mgr   *Manager
	key   volumeKey
	name  string
	flash *FlashDevice //not owned, the registry unbinds us before it
	node  *devreg.Node

	lebSize, blockSize int
	blockCount         int64

	mu  sync.RWMutex
	vol ubi.Volume
}

var (
	_ devreg.BlockDriver = (*BlockDevice)(nil)
	_ usbdlib.Device     = (*BlockDevice)(nil)
)

//Name is the canonical name of the block device
func (bdev *BlockDevice) Name() string { return bdev.name }

//Devnum is the device number assigned by the registry
func (bdev *BlockDevice) Devnum() int { return bdev.node.Devnum() }

//Flash returns the registry entry of the UBI device the volume belongs to
func (bdev *BlockDevice) Flash() *FlashDevice { return bdev.flash }

//Volume is the name of the UBI volume
func (bdev *BlockDevice) Volume() string { return bdev.key.volume }

//BlockCount is the number of blocks of the device
func (bdev *BlockDevice) BlockCount() int64 { return bdev.blockCount }

//LEBSize is the size of the volume's logical erase blocks
func (bdev *BlockDevice) LEBSize() int { return bdev.lebSize }

//BlockSize fufills usbdlib.Device, it is always a power of two that divides the LEB size
func (bdev *BlockDevice) BlockSize() int64 { return int64(bdev.blockSize) }

//Size fufills usbdlib.Device
func (bdev *BlockDevice) Size() int64 { return bdev.blockCount * int64(bdev.blockSize) }

//Read count blocks starting at block start into buf, returning count
func (bdev *BlockDevice) Read(start, count int64, buf []byte) (int64, error) {
	op := fmt.Sprintf("read %s blocks [%d, %d)", bdev.name, start, start+count)
	switch {
	case count == 0:
		return 0, nil
	case start < 0 || count < 0:
		return 0, &Error{Op: op, Kind: ErrRead, Err: ubi.ErrOutOfRange}
	}
	blockSize := int64(bdev.blockSize)
	switch {
	case start > math.MaxInt64/blockSize, count > math.MaxInt64/blockSize:
		return 0, &Error{Op: op, Kind: ErrRead, Err: fmt.Errorf("Byte range overflows: %w", ubi.ErrOutOfRange)}
	case count > int64(len(buf))/blockSize:
		return 0, &Error{Op: op, Kind: ErrRead, Err: fmt.Errorf("Buffer of %d bytes cannot hold %d blocks of %d bytes", len(buf), count, blockSize)}
	}
	need := count * blockSize

	bdev.mu.RLock()
	defer bdev.mu.RUnlock()

	if bdev.vol == nil {
		return 0, &Error{Op: op, Kind: ErrRead, Err: devreg.ErrUnbound}
	}
	if err := translate(bdev.vol, bdev.lebSize, start*blockSize, buf[:need]); err != nil {
		return 0, &Error{Op: op, Kind: ErrRead, Err: err}
	}
	return count, nil
}

//ReadAt fufills io.ReaderAt and in turn part of usbdlib.Device
func (bdev *BlockDevice) ReadAt(buf []byte, pos int64) (int, error) {
	size := bdev.Size()
	switch {
	case pos < 0:
		return 0, &Error{Op: fmt.Sprintf("read %s at %d", bdev.name, pos), Kind: ErrRead, Err: ubi.ErrOutOfRange}
	case pos >= size:
		return 0, io.EOF
	}

	n := len(buf)
	if rem := size - pos; int64(n) > rem {
		n = int(rem)
	}

	bdev.mu.RLock()
	defer bdev.mu.RUnlock()

	op := fmt.Sprintf("read %s bytes [%d, %d)", bdev.name, pos, pos+int64(n))
	if bdev.vol == nil {
		return 0, &Error{Op: op, Kind: ErrRead, Err: devreg.ErrUnbound}
	}
	if err := translate(bdev.vol, bdev.lebSize, pos, buf[:n]); err != nil {
		return 0, &Error{Op: op, Kind: ErrRead, Err: err}
	}
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func (bdev *BlockDevice) bound() bool {
	bdev.mu.RLock()
	defer bdev.mu.RUnlock()

	return bdev.vol != nil
}

//Unbind closes the volume descriptor, it is called by the registry and is
// harmless to repeat
func (bdev *BlockDevice) Unbind() error {
	bdev.mu.Lock()
	vol := bdev.vol
	bdev.vol = nil
	bdev.mu.Unlock()

	defer bdev.mgr.forget(bdev)
	if vol == nil {
		return nil
	}
	if err := vol.Close(); err != nil {
		return fmt.Errorf("Could not close volume of %s: %w", bdev.name, err)
	}
	return nil
}

//Close fufills io.Closer and in turn part of usbdlib.Device, it removes the
// device from the registry
func (bdev *BlockDevice) Close() error {
	return bdev.mgr.flashes.Registry().Unbind(bdev.node)
}
