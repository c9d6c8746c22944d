package ubi

import (
	"fmt"
	"sort"
	"sync"
)

//Table is the attach table of flash instances, it is the flash layer block
// devices are built on and implements Layer
type Table struct {
	mu      sync.RWMutex
	devices map[int]*device
}

var _ Layer = (*Table)(nil)

type device struct {
	num  int
	geo  Geometry
	chip Chip
	vols map[string]*volume
	refs int
}

func (dev *device) Num() int           { return dev.num }
func (dev *device) Name() string       { return DeviceName(dev.num) }
func (dev *device) Geometry() Geometry { return dev.geo }

//NewTable constructs an empty attach table
func NewTable() *Table {
	return &Table{devices: make(map[int]*device)}
}

//Attach makes chip available as flash instance num with the provided volume table
func (tbl *Table) Attach(num int, chip Chip, geo Geometry, vols []VolumeInfo) error {
	if err := geo.Validate(); err != nil {
		return fmt.Errorf("Could not attach %s: %w", DeviceName(num), err)
	}
	if chip.EraseBlockSize() != geo.PEBSize {
		return fmt.Errorf("Could not attach %s: chip erase block size %d does not match PEB size %d", DeviceName(num), chip.EraseBlockSize(), geo.PEBSize)
	}

	dev := &device{num: num, geo: geo, chip: chip, vols: make(map[string]*volume, len(vols))}
	for i, info := range vols {
		if err := dev.addVolume(info); err != nil {
			return fmt.Errorf("Could not attach %s, volume table entry %d: %w", DeviceName(num), i, err)
		}
		dev.vols[info.Name].mapAll()
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	if num < 0 {
		return fmt.Errorf("Could not attach UBI device with negative number %d", num)
	} else if _, exists := tbl.devices[num]; exists {
		return fmt.Errorf("Could not attach %s: %w", DeviceName(num), ErrExists)
	}
	tbl.devices[num] = dev
	return nil
}

//Detach removes flash instance num from the table, it fails with ErrBusy while
// any reference to it is held. The chip is returned so the caller may close it.
func (tbl *Table) Detach(num int) (Chip, error) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	dev, exists := tbl.devices[num]
	switch {
	case !exists:
		return nil, fmt.Errorf("Could not detach %s: %w", DeviceName(num), ErrNoDevice)
	case dev.refs > 0:
		return nil, fmt.Errorf("Could not detach %s with %d references held: %w", DeviceName(num), dev.refs, ErrBusy)
	}
	delete(tbl.devices, num)
	return dev.chip, nil
}

//GetDevice acquires a reference to flash instance num
func (tbl *Table) GetDevice(num int) (Device, error) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	dev, exists := tbl.devices[num]
	if !exists {
		return nil, fmt.Errorf("Could not get %s: %w", DeviceName(num), ErrNoDevice)
	}
	dev.refs++
	return dev, nil
}

//PutDevice releases a reference acquired with GetDevice
func (tbl *Table) PutDevice(d Device) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	if dev, isDev := d.(*device); isDev && dev.refs > 0 {
		dev.refs--
	}
}

//RefCount reports the number of references held on flash instance num
func (tbl *Table) RefCount(num int) (int, error) {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()

	dev, exists := tbl.devices[num]
	if !exists {
		return 0, fmt.Errorf("Could not count references of %s: %w", DeviceName(num), ErrNoDevice)
	}
	return dev.refs, nil
}

//OpenVolume opens volume name of flash instance num, the descriptor holds a
// reference on the flash instance until it is closed
func (tbl *Table) OpenVolume(num int, name string, mode Mode) (Volume, error) {
	desc, err := tbl.Open(num, name, mode)
	if err != nil {
		return nil, err
	}
	return desc, nil
}

//Open is OpenVolume returning the concrete descriptor, which can also write
func (tbl *Table) Open(num int, name string, mode Mode) (*VolumeDesc, error) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	dev, exists := tbl.devices[num]
	if !exists {
		return nil, fmt.Errorf("Could not open volume %q: %s: %w", name, DeviceName(num), ErrNoDevice)
	}
	vol, exists := dev.vols[name]
	if !exists {
		return nil, fmt.Errorf("Could not open %s volume %q: %w", dev.Name(), name, ErrVolumeNotFound)
	}
	if err := vol.claim(mode); err != nil {
		return nil, fmt.Errorf("Could not open %s volume %q %s: %w", dev.Name(), name, mode, err)
	}
	dev.refs++
	return &VolumeDesc{tbl: tbl, vol: vol, mode: mode}, nil
}

//CreateVolume reserves reservedPEBs erase blocks after the last existing volume
// of flash instance num for a new, empty, volume
func (tbl *Table) CreateVolume(num int, name string, reservedPEBs int) (VolumeInfo, error) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	dev, exists := tbl.devices[num]
	if !exists {
		return VolumeInfo{}, fmt.Errorf("Could not create volume %q: %s: %w", name, DeviceName(num), ErrNoDevice)
	}

	info := VolumeInfo{Name: name, ReservedPEBs: reservedPEBs}
	for _, vol := range dev.vols {
		if end := vol.info.FirstPEB + vol.info.ReservedPEBs; end > info.FirstPEB {
			info.FirstPEB = end
		}
		if vol.info.ID >= info.ID {
			info.ID = vol.info.ID + 1
		}
	}
	if err := dev.addVolume(info); err != nil {
		return VolumeInfo{}, fmt.Errorf("Could not create %s volume: %w", dev.Name(), err)
	}
	return info, nil
}

//Volumes lists the volume table of flash instance num ordered by volume ID
func (tbl *Table) Volumes(num int) ([]VolumeInfo, error) {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()

	dev, exists := tbl.devices[num]
	if !exists {
		return nil, fmt.Errorf("Could not list volumes: %s: %w", DeviceName(num), ErrNoDevice)
	}

	infos := make([]VolumeInfo, 0, len(dev.vols))
	for _, vol := range dev.vols {
		infos = append(infos, vol.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (dev *device) addVolume(info VolumeInfo) error {
	if err := info.Validate(dev.chip.EraseBlockCount()); err != nil {
		return err
	}
	for _, vol := range dev.vols {
		switch {
		case vol.info.Name == info.Name:
			return fmt.Errorf("Volume %q: %w", info.Name, ErrExists)
		case vol.info.ID == info.ID:
			return fmt.Errorf("Volume ID %d of %q is used by %q: %w", info.ID, info.Name, vol.info.Name, ErrExists)
		case vol.info.overlaps(info):
			return fmt.Errorf("Volume %q erase blocks overlap those of %q", info.Name, vol.info.Name)
		}
	}
	dev.vols[info.Name] = newVolume(dev, info)
	return nil
}
