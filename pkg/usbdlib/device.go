package usbdlib

import (
	"io"
)

//Device is a read-only block device that can be exported over NBD
type Device interface {
	io.ReaderAt
	io.Closer
	//Size in bytes of the device
	Size() int64
	//BlockSize in bytes, a power of two
	BlockSize() int64
}
