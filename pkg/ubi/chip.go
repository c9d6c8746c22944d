package ubi

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tarndt/ubiblk/pkg/util"
	"github.com/tarndt/ubiblk/pkg/util/strms"

	"github.com/dustin/go-humanize"
	"launchpad.net/gommap"
)

//Chip is raw erase block storage underneath an attached flash instance
type Chip interface {
	EraseBlockSize() int
	EraseBlockCount() int
	ReadAtBlock(peb int, buf []byte, off int) error
	WriteAtBlock(peb int, buf []byte, off int) error
	EraseBlock(peb int) error
	Sync() error
	io.Closer
}

//rawChip implements Chip on top of a byte slice (heap or memory-mapped)
type rawChip struct {
	eraseBlockSize, count int
	data                  []byte
	mu                    sync.RWMutex
	closed                bool
}

//NewMemChip constructs a heap backed chip of count freshly erased blocks
func NewMemChip(eraseBlockSize, count int) (Chip, error) {
	if eraseBlockSize < 1 || count < 1 {
		return nil, fmt.Errorf("Cannot create a chip of %d erase blocks of %d bytes", count, eraseBlockSize)
	}

	chip := &rawChip{
		eraseBlockSize: eraseBlockSize,
		count:          count,
		data:           make([]byte, eraseBlockSize*count),
	}
	util.EraseFill(chip.data)
	return chip, nil
}

func (c *rawChip) EraseBlockSize() int  { return c.eraseBlockSize }
func (c *rawChip) EraseBlockCount() int { return c.count }

func (c *rawChip) ReadAtBlock(peb int, buf []byte, off int) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start, err := c.span(peb, len(buf), off)
	if err != nil {
		return err
	}
	copy(buf, c.data[start:])
	return nil
}

func (c *rawChip) WriteAtBlock(peb int, buf []byte, off int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start, err := c.span(peb, len(buf), off)
	if err != nil {
		return err
	}
	copy(c.data[start:], buf)
	return nil
}

func (c *rawChip) EraseBlock(peb int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start, err := c.span(peb, c.eraseBlockSize, 0)
	if err != nil {
		return err
	}
	util.EraseFill(c.data[start : start+c.eraseBlockSize])
	return nil
}

func (c *rawChip) Sync() error { return nil }

func (c *rawChip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	return nil
}

//span validates an access and returns its offset in the backing slice
func (c *rawChip) span(peb, count, off int) (int, error) {
	switch {
	case c.closed:
		return 0, fmt.Errorf("Chip is closed")
	case peb < 0 || peb >= c.count:
		return 0, fmt.Errorf("PEB %d is not in [0, %d): %w", peb, c.count, ErrOutOfRange)
	case off < 0 || count < 0 || off+count > c.eraseBlockSize:
		return 0, fmt.Errorf("Access of %d bytes at offset %d exceeds %d byte PEB: %w", count, off, c.eraseBlockSize, ErrOutOfRange)
	}
	return peb*c.eraseBlockSize + off, nil
}

//mmapChip is a rawChip whose slice is a shared mapping of a flash image file
type mmapChip struct {
	*rawChip
	file *os.File
	mmap gommap.MMap
}

//NewMmapChip maps the flash image at filename. If the file does not exist or is
// empty it is created as ifCreateCount freshly erased blocks.
func NewMmapChip(filename string, eraseBlockSize, ifCreateCount int) (Chip, error) {
	if eraseBlockSize < 1 {
		return nil, fmt.Errorf("Cannot map flash image %q with %d byte erase blocks", filename, eraseBlockSize)
	}

	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("Could not open flash image %q: %w", filename, err)
	}
	closeOnErr := func(err error) (Chip, error) {
		file.Close()
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		return closeOnErr(fmt.Errorf("Could not stat flash image %q: %w", filename, err))
	}
	size := info.Size()
	if size < 1 {
		if ifCreateCount < 1 {
			return closeOnErr(fmt.Errorf("Flash image %q is empty and no erase block count to create it with was provided", filename))
		}
		size = int64(eraseBlockSize) * int64(ifCreateCount)
		strm := bufio.NewWriter(file)
		if _, err = io.Copy(strm, &io.LimitedReader{R: strms.DevErased, N: size}); err != nil {
			return closeOnErr(fmt.Errorf("Could not erase-fill new flash image %q, write failed: %w", filename, err))
		}
		if err = strm.Flush(); err != nil {
			return closeOnErr(fmt.Errorf("Could not erase-fill new flash image %q, flush failed: %w", filename, err))
		}
		if err = file.Sync(); err != nil {
			return closeOnErr(fmt.Errorf("Could not erase-fill new flash image %q, sync failed: %w", filename, err))
		}
	}
	if size%int64(eraseBlockSize) != 0 {
		return closeOnErr(fmt.Errorf("Flash image %q is %s which is not a multiple of the %s erase block size",
			filename, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(eraseBlockSize))))
	}

	mmap, err := gommap.Map(file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return closeOnErr(fmt.Errorf("Could not mmap flash image %q (fd %d): %w", filename, file.Fd(), err))
	}

	return &mmapChip{
		rawChip: &rawChip{
			eraseBlockSize: eraseBlockSize,
			count:          int(size / int64(eraseBlockSize)),
			data:           mmap,
		},
		file: file,
		mmap: mmap,
	}, nil
}

func (c *mmapChip) Sync() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil
	}
	return c.mmap.Sync(gommap.MS_SYNC)
}

func (c *mmapChip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	syncErr := c.mmap.Sync(gommap.MS_SYNC)
	unmapErr := c.mmap.UnsafeUnmap()
	err := c.file.Close()
	c.data = nil
	switch {
	case syncErr != nil:
		return fmt.Errorf("Could not sync flash image %q: %w", c.file.Name(), syncErr)
	case unmapErr != nil:
		return fmt.Errorf("Could not unmap flash image %q: %w", c.file.Name(), unmapErr)
	case err != nil:
		return fmt.Errorf("Could not close flash image %q: %w", c.file.Name(), err)
	}
	return nil
}
