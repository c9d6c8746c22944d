package strms

import (
	"bytes"
	"errors"
	"io"
	"io/ioutil"
	"testing"

	"github.com/tarndt/ubiblk/pkg/util"
)

type memAt []byte

func (m memAt) ReadAt(buf []byte, pos int64) (int, error) {
	if pos >= int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(buf, m[pos:])
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func (m memAt) WriteAt(buf []byte, pos int64) (int, error) {
	if pos+int64(len(buf)) > int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	return copy(m[pos:], buf), nil
}

func TestReadAtReaderFrom(t *testing.T) {
	src := memAt("0123456789")
	data, err := ioutil.ReadAll(NewReadAtReaderFrom(src, 4))
	if err != nil {
		t.Fatalf("Failed to read: %s", err)
	}
	if string(data) != "456789" {
		t.Fatalf("Read %q rather than %q", data, "456789")
	}
}

func TestWriteAtWriter(t *testing.T) {
	dst := make(memAt, 10)
	wtr := NewWriteAtWriter(dst, 3)
	if _, err := io.Copy(wtr, bytes.NewReader([]byte("abc"))); err != nil {
		t.Fatalf("Failed to copy: %s", err)
	}
	if _, err := wtr.Write([]byte("de")); err != nil {
		t.Fatalf("Failed to write: %s", err)
	}
	if expected := []byte{0, 0, 0, 'a', 'b', 'c', 'd', 'e', 0, 0}; !bytes.Equal(dst, expected) {
		t.Fatalf("Destination was %v rather than %v", dst, expected)
	}
}

func TestDevErased(t *testing.T) {
	buf := make([]byte, 1031)
	if n, err := io.ReadFull(DevErased, buf); err != nil || n != len(buf) {
		t.Fatalf("Read %d bytes (err: %v) rather than %d", n, err, len(buf))
	}
	if !util.IsErased(buf) {
		t.Fatal("DevErased returned bytes that do not look erased")
	}
}

type countCloser struct {
	closes int
	err    error
}

func (cc *countCloser) Close() error {
	cc.closes++
	return cc.err
}

func TestReadFirstCloseList(t *testing.T) {
	errBoom := errors.New("boom")
	first, second := &countCloser{err: errBoom}, &countCloser{}
	rdr := NewReadFirstCloseList(bytes.NewReader([]byte("data")), first, nil, second)

	data, err := ioutil.ReadAll(rdr)
	if err != nil || string(data) != "data" {
		t.Fatalf("Read %q (err: %v) rather than %q", data, err, "data")
	}
	if err = rdr.Close(); !errors.Is(err, errBoom) {
		t.Fatalf("Close returned %v rather than the first closer's error", err)
	}
	if first.closes != 1 || second.closes != 1 {
		t.Fatalf("Closers were closed %d and %d times rather than once each", first.closes, second.closes)
	}
	if err = rdr.Close(); err != nil || first.closes != 1 {
		t.Fatalf("Second close returned %v and re-closed the first closer", err)
	}
}
