//Package ubi is an emulated UBI (unsorted block images) flash layer. It keeps
// an explicit attach table of flash instances, reference counts them, and
// exposes named volumes addressed by logical erase block (LEB).
package ubi

import (
	"fmt"

	"github.com/tarndt/ubiblk/pkg/util/consterr"
)

//Errors reported by the flash layer, callers should test with errors.Is
const (
	ErrNoDevice       = consterr.ConstErr("No such UBI device")
	ErrExists         = consterr.ConstErr("UBI device or volume already exists")
	ErrVolumeNotFound = consterr.ConstErr("No such UBI volume")
	ErrBusy           = consterr.ConstErr("UBI device or volume is busy")
	ErrOutOfRange     = consterr.ConstErr("Access outside of UBI volume or erase block bounds")
	ErrNoSpace        = consterr.ConstErr("Not enough free erase blocks on UBI device")
	ErrClosed         = consterr.ConstErr("UBI volume descriptor is closed")
	ErrPerm           = consterr.ConstErr("UBI volume descriptor was not opened for writing")
)

//MaxVolumeNameLen is the longest volume name UBI will store
const MaxVolumeNameLen = 127

//Mode a volume is opened in
type Mode uint8

//Open modes, they follow the UBI rules: any number of readers, at most one
// writer and an exclusive opener excludes everyone else
const (
	ModeReadOnly Mode = iota + 1
	ModeReadWrite
	ModeExclusive
)

//String is a human readable name for an open mode
func (m Mode) String() string {
	switch m {
	case ModeReadOnly:
		return "read-only"
	case ModeReadWrite:
		return "read-write"
	case ModeExclusive:
		return "exclusive"
	}
	return "unknown"
}

//Device is an attached flash instance
type Device interface {
	Num() int
	Name() string
	Geometry() Geometry
}

//Volume is an open volume descriptor
type Volume interface {
	Name() string
	//LEBSize is the usable size in bytes of each logical erase block
	LEBSize() int
	//ReservedLEBs is the number of erase blocks reserved for the volume
	ReservedLEBs() int
	//Read len(buf) bytes from LEB lnum starting at offset; a single read never
	// spans more than one erase block
	Read(lnum int, buf []byte, offset int) error
	Close() error
}

//Layer is the subset of the flash layer block devices are built on
type Layer interface {
	//GetDevice acquires a reference to flash instance num, fails with ErrNoDevice
	GetDevice(num int) (Device, error)
	//PutDevice releases a reference acquired with GetDevice
	PutDevice(dev Device)
	OpenVolume(num int, name string, mode Mode) (Volume, error)
}

//DeviceName returns the canonical name of flash instance num
func DeviceName(num int) string {
	return fmt.Sprintf("ubi%d", num)
}

//Geometry describes the erase blocks of a flash instance
type Geometry struct {
	//PEBSize is the physical erase block size in bytes
	PEBSize int `json:"peb_size"`
	//HeaderBytes at the start of every PEB are reserved for erase counter and
	// volume ID headers and are not part of the LEB
	HeaderBytes int `json:"header_bytes"`
}

//LEBSize returns the usable bytes of each erase block
func (g Geometry) LEBSize() int {
	return g.PEBSize - g.HeaderBytes
}

//Validate checks the geometry leaves room for data in every erase block
func (g Geometry) Validate() error {
	switch {
	case g.PEBSize < 1:
		return fmt.Errorf("PEB size must be positive, not %d", g.PEBSize)
	case g.HeaderBytes < 0:
		return fmt.Errorf("PEB header size must not be negative, not %d", g.HeaderBytes)
	case g.LEBSize() < 1:
		return fmt.Errorf("PEB header size %d leaves no room for data in a %d byte PEB", g.HeaderBytes, g.PEBSize)
	}
	return nil
}

//VolumeInfo is one entry of a volume table
type VolumeInfo struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	FirstPEB     int    `json:"first_peb"`
	ReservedPEBs int    `json:"reserved_pebs"`
}

//Validate checks a volume table entry is well formed for a device with pebCount erase blocks
func (vi VolumeInfo) Validate(pebCount int) error {
	switch {
	case vi.Name == "":
		return fmt.Errorf("Volume %d has no name", vi.ID)
	case len(vi.Name) > MaxVolumeNameLen:
		return fmt.Errorf("Volume name %q is longer than %d bytes", vi.Name, MaxVolumeNameLen)
	case vi.ID < 0:
		return fmt.Errorf("Volume %q has negative ID %d", vi.Name, vi.ID)
	case vi.ReservedPEBs < 1:
		return fmt.Errorf("Volume %q reserves %d erase blocks", vi.Name, vi.ReservedPEBs)
	case vi.FirstPEB < 0 || vi.FirstPEB+vi.ReservedPEBs > pebCount:
		return fmt.Errorf("Volume %q erase blocks [%d, %d) exceed the %d available: %w", vi.Name, vi.FirstPEB, vi.FirstPEB+vi.ReservedPEBs, pebCount, ErrNoSpace)
	}
	return nil
}

func (vi VolumeInfo) overlaps(other VolumeInfo) bool {
	return vi.FirstPEB < other.FirstPEB+other.ReservedPEBs && other.FirstPEB < vi.FirstPEB+vi.ReservedPEBs
}
