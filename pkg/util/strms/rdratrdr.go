package strms

import (
	"io"
)

//ReadAtReader is io.ReaderAt + io.Reader
type ReadAtReader interface {
	io.ReaderAt
	io.Reader
}

type readAtReader struct {
	cur int64 //we protect underlying reader's position
	io.ReaderAt
}

var _ io.Reader = (*readAtReader)(nil)

//NewReadAtReader returns a reader that uses an io.ReaderAt's ReadAt in conjunction
// with its own position counter starting at zero. This is useful when you have a
// io.ReaderAt that is not also a io.Reader (such as a block device) or you want to
// share one without modifying its position.
func NewReadAtReader(rdrAt io.ReaderAt) ReadAtReader {
	return NewReadAtReaderFrom(rdrAt, 0)
}

//NewReadAtReaderFrom is NewReadAtReader but reading begins at start
func NewReadAtReaderFrom(rdrAt io.ReaderAt, start int64) ReadAtReader {
	return &readAtReader{
		cur:      start,
		ReaderAt: rdrAt,
	}
}

func (rar *readAtReader) Read(buf []byte) (n int, err error) {
	n, err = rar.ReadAt(buf, rar.cur)
	rar.cur += int64(n)
	return n, err
}
