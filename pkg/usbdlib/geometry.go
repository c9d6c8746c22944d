package usbdlib

import (
	"fmt"
	"log"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

//minNbdBlockSize is the smallest block size the NBD driver accepts
const minNbdBlockSize = 512

//nbdGeometry is the block size and count the kernel is told about. NBD only
// accepts power of two block sizes from 512 bytes up to the page size, so the
// device's block size is clamped into that range. A tail that does not fill a
// whole export block is not exported.
type nbdGeometry struct {
	blockSize, blocks int64
}

func exportGeometry(dev Device) (nbdGeometry, error) {
	devBlock, devSize := dev.BlockSize(), dev.Size()
	switch {
	case devBlock < 1 || devBlock&(devBlock-1) != 0:
		return nbdGeometry{}, fmt.Errorf("Device block size %d is not a power of two", devBlock)
	case devSize < 1:
		return nbdGeometry{}, fmt.Errorf("Device of %d bytes has nothing to export", devSize)
	}

	geo := nbdGeometry{blockSize: devBlock}
	if pageSize := int64(unix.Getpagesize()); geo.blockSize > pageSize {
		geo.blockSize = pageSize
	} else if geo.blockSize < minNbdBlockSize {
		geo.blockSize = minNbdBlockSize
	}

	if geo.blocks = devSize / geo.blockSize; geo.blocks < 1 {
		return nbdGeometry{}, fmt.Errorf("Device of %d bytes is smaller than one %d byte NBD block", devSize, geo.blockSize)
	}
	if tail := devSize - geo.size(); tail > 0 {
		log.Printf("exportGeometry(): WARNING: Last %d bytes of the %s device do not fill a %d byte NBD block and are not exported",
			tail, humanize.IBytes(uint64(devSize)), geo.blockSize)
	}
	return geo, nil
}

//size in bytes of the export
func (geo nbdGeometry) size() int64 {
	return geo.blockSize * geo.blocks
}

func (geo nbdGeometry) String() string {
	return fmt.Sprintf("%d blocks of %d bytes (%s)", geo.blocks, geo.blockSize, humanize.IBytes(uint64(geo.size())))
}
