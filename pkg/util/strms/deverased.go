package strms

import (
	"io"

	"github.com/tarndt/ubiblk/pkg/util"
)

//DevErased is like /dev/zero but reads back the value of erased flash, writes
// are discarded
var DevErased devErased

type devErased struct{}

var _ io.ReadWriter = devErased{}

func (devErased) Read(buf []byte) (int, error) {
	util.EraseFill(buf)
	return len(buf), nil
}

func (devErased) Write(buf []byte) (int, error) {
	return len(buf), nil
}
