package ubi

import (
	"fmt"

	"github.com/tarndt/ubiblk/pkg/util"

	"github.com/bits-and-blooms/bitset"
)

type volume struct {
	dev    *device
	info   VolumeInfo
	mapped *bitset.BitSet //LEBs that have been written since their last erase

	readers, writers, exclusive int
}

func newVolume(dev *device, info VolumeInfo) *volume {
	return &volume{
		dev:    dev,
		info:   info,
		mapped: bitset.New(uint(info.ReservedPEBs)),
	}
}

func (vol *volume) mapAll() {
	for lnum := 0; lnum < vol.info.ReservedPEBs; lnum++ {
		vol.mapped.Set(uint(lnum))
	}
}

func (vol *volume) claim(mode Mode) error {
	switch mode {
	case ModeReadOnly:
		if vol.exclusive > 0 {
			return ErrBusy
		}
		vol.readers++
	case ModeReadWrite:
		if vol.exclusive > 0 || vol.writers > 0 {
			return ErrBusy
		}
		vol.writers++
	case ModeExclusive:
		if vol.exclusive > 0 || vol.writers > 0 || vol.readers > 0 {
			return ErrBusy
		}
		vol.exclusive++
	default:
		return fmt.Errorf("Unknown open mode %d", mode)
	}
	return nil
}

func (vol *volume) release(mode Mode) {
	switch mode {
	case ModeReadOnly:
		vol.readers--
	case ModeReadWrite:
		vol.writers--
	case ModeExclusive:
		vol.exclusive--
	}
}

//VolumeDesc is an open descriptor of a volume, it implements Volume
type VolumeDesc struct {
	tbl    *Table
	vol    *volume
	mode   Mode
	closed bool
}

var _ Volume = (*VolumeDesc)(nil)

//Name of the volume
func (desc *VolumeDesc) Name() string { return desc.vol.info.Name }

//Mode the descriptor was opened in
func (desc *VolumeDesc) Mode() Mode { return desc.mode }

//Info returns the volume's table entry
func (desc *VolumeDesc) Info() VolumeInfo { return desc.vol.info }

//LEBSize is the usable size in bytes of each logical erase block
func (desc *VolumeDesc) LEBSize() int { return desc.vol.dev.geo.LEBSize() }

//ReservedLEBs is the number of erase blocks reserved for the volume
func (desc *VolumeDesc) ReservedLEBs() int { return desc.vol.info.ReservedPEBs }

//Read fills buf from LEB lnum starting at offset. Unmapped LEBs read as erased flash.
func (desc *VolumeDesc) Read(lnum int, buf []byte, offset int) error {
	desc.tbl.mu.RLock()
	defer desc.tbl.mu.RUnlock()

	if err := desc.check(lnum, len(buf), offset); err != nil {
		return fmt.Errorf("Could not read volume %q: %w", desc.Name(), err)
	}
	if !desc.vol.mapped.Test(uint(lnum)) {
		util.EraseFill(buf)
		return nil
	}

	peb := desc.vol.info.FirstPEB + lnum
	if err := desc.vol.dev.chip.ReadAtBlock(peb, buf, desc.vol.dev.geo.HeaderBytes+offset); err != nil {
		return fmt.Errorf("Could not read volume %q LEB %d (PEB %d): %w", desc.Name(), lnum, peb, err)
	}
	return nil
}

//Write programs buf into LEB lnum starting at offset. The first write to an
// unmapped LEB erases its PEB, erased data written to an unmapped LEB leaves it
// unmapped.
func (desc *VolumeDesc) Write(lnum int, buf []byte, offset int) error {
	desc.tbl.mu.Lock()
	defer desc.tbl.mu.Unlock()

	if err := desc.check(lnum, len(buf), offset); err != nil {
		return fmt.Errorf("Could not write volume %q: %w", desc.Name(), err)
	}
	if desc.mode == ModeReadOnly {
		return fmt.Errorf("Could not write volume %q: %w", desc.Name(), ErrPerm)
	}

	chip, peb := desc.vol.dev.chip, desc.vol.info.FirstPEB+lnum
	if !desc.vol.mapped.Test(uint(lnum)) {
		if util.IsErased(buf) { //already reads back as written
			return nil
		}
		if err := chip.EraseBlock(peb); err != nil {
			return fmt.Errorf("Could not erase PEB %d to map volume %q LEB %d: %w", peb, desc.Name(), lnum, err)
		}
		desc.vol.mapped.Set(uint(lnum))
	}
	if err := chip.WriteAtBlock(peb, buf, desc.vol.dev.geo.HeaderBytes+offset); err != nil {
		return fmt.Errorf("Could not write volume %q LEB %d (PEB %d): %w", desc.Name(), lnum, peb, err)
	}
	return nil
}

//Unmap erases LEB lnum so it reads back as erased flash
func (desc *VolumeDesc) Unmap(lnum int) error {
	desc.tbl.mu.Lock()
	defer desc.tbl.mu.Unlock()

	if err := desc.check(lnum, 0, 0); err != nil {
		return fmt.Errorf("Could not unmap volume %q LEB: %w", desc.Name(), err)
	}
	if desc.mode == ModeReadOnly {
		return fmt.Errorf("Could not unmap volume %q LEB %d: %w", desc.Name(), lnum, ErrPerm)
	}
	if !desc.vol.mapped.Test(uint(lnum)) {
		return nil
	}

	peb := desc.vol.info.FirstPEB + lnum
	if err := desc.vol.dev.chip.EraseBlock(peb); err != nil {
		return fmt.Errorf("Could not erase PEB %d to unmap volume %q LEB %d: %w", peb, desc.Name(), lnum, err)
	}
	desc.vol.mapped.Clear(uint(lnum))
	return nil
}

//MappedLEBs counts the LEBs holding data
func (desc *VolumeDesc) MappedLEBs() int {
	desc.tbl.mu.RLock()
	defer desc.tbl.mu.RUnlock()

	return int(desc.vol.mapped.Count())
}

//Close releases the descriptor and its reference on the flash instance, closing
// twice is harmless
func (desc *VolumeDesc) Close() error {
	desc.tbl.mu.Lock()
	defer desc.tbl.mu.Unlock()

	if desc.closed {
		return nil
	}
	desc.closed = true
	desc.vol.release(desc.mode)
	if desc.vol.dev.refs > 0 {
		desc.vol.dev.refs--
	}
	return nil
}

func (desc *VolumeDesc) check(lnum, count, offset int) error {
	lebSize := desc.vol.dev.geo.LEBSize()
	switch {
	case desc.closed:
		return ErrClosed
	case lnum < 0 || lnum >= desc.vol.info.ReservedPEBs:
		return fmt.Errorf("LEB %d is not in [0, %d): %w", lnum, desc.vol.info.ReservedPEBs, ErrOutOfRange)
	case offset < 0 || count < 0 || offset+count > lebSize:
		return fmt.Errorf("Access of %d bytes at offset %d exceeds %d byte LEB: %w", count, offset, lebSize, ErrOutOfRange)
	}
	return nil
}
