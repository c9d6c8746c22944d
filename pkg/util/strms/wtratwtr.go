package strms

import (
	"io"
)

//WriterAtWriter is io.WriterAt + io.Writer
type WriterAtWriter interface {
	io.WriterAt
	io.Writer
}

type writeAtWriter struct {
	cur int64 //we protect underlying writer's position
	io.WriterAt
}

var _ io.Writer = (*writeAtWriter)(nil)

//NewWriteAtWriter returns a writer that uses a io.WriterAt's WriteAt in conjunction
// with its own position counter beginning at start. This lets several streams
// fill disjoint regions of one file concurrently, see NewReadAtReader.
func NewWriteAtWriter(wtrAt io.WriterAt, start int64) WriterAtWriter {
	return &writeAtWriter{
		cur:      start,
		WriterAt: wtrAt,
	}
}

func (waw *writeAtWriter) Write(buf []byte) (n int, err error) {
	n, err = waw.WriteAt(buf, waw.cur)
	waw.cur += int64(n)
	return n, err
}
