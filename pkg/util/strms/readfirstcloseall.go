package strms

import (
	"fmt"
	"io"
)

//readCloseList reads from one reader and, once closed, closes a list of closers
type readCloseList struct {
	io.Reader
	closers []io.Closer
}

var _ io.ReadCloser = (*readCloseList)(nil)

//NewReadFirstCloseList reads rdr and on Close closes each of closers in order.
// It is useful for decompressors wrapping object store readers, where both
// must be released. Every closer is closed even if an earlier one fails; the
// first failure is returned. Closing again is a no-op.
func NewReadFirstCloseList(rdr io.Reader, closers ...io.Closer) io.ReadCloser {
	return &readCloseList{Reader: rdr, closers: closers}
}

func (rcl *readCloseList) Close() (err error) {
	for i, closer := range rcl.closers {
		if closer == nil {
			continue
		}
		if clsrErr := closer.Close(); clsrErr != nil && err == nil {
			err = fmt.Errorf("Could not close closer %d of %d: %w", i+1, len(rcl.closers), clsrErr)
		}
	}
	rcl.closers = nil
	return err
}
