package image

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

//Compression is the encoding of published image parts
type Compression uint8

//Enumerate available compressions and their textual names
const (
	CompressIdentity Compression = iota
	CompressUnknown
	CompressS2
	CompressGzip
	CompressZstd

	CompressIdentityName = "identity"
	CompressS2Name       = "s2"
	CompressGzipName     = "gzip"
	CompressZstdName     = "zstd"
	CompressUnknownName  = "unknown"
)

//CompressionFromName constructs a Compression from a textual name
func CompressionFromName(name string) Compression {
	switch name {
	case "", CompressIdentityName:
		return CompressIdentity
	case CompressS2Name:
		return CompressS2
	case CompressGzipName:
		return CompressGzip
	case CompressZstdName:
		return CompressZstd
	}
	return CompressUnknown
}

//AlgoName returns the textual name of a Compression
func (c Compression) AlgoName() string {
	switch c {
	case CompressIdentity:
		return CompressIdentityName
	case CompressS2:
		return CompressS2Name
	case CompressGzip:
		return CompressGzipName
	case CompressZstd:
		return CompressZstdName
	}
	return CompressUnknownName
}

//String is a synonym for AlgoName
func (c Compression) String() string {
	return c.AlgoName()
}

//Ext is the file extension of parts encoded with this compression
func (c Compression) Ext() string {
	switch c {
	case CompressS2:
		return ".s2"
	case CompressGzip:
		return ".gz"
	case CompressZstd:
		return ".zst"
	}
	return ".raw"
}

//NewReader constructs a reader wrapper that applies this compression's decompression
func (c Compression) NewReader(rdr io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressIdentity:
		return io.NopCloser(rdr), nil
	case CompressGzip:
		return gzip.NewReader(rdr)
	case CompressS2:
		return io.NopCloser(s2.NewReader(rdr)), nil
	case CompressZstd:
		dec, err := zstd.NewReader(rdr)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("Cannot create decompressor for unknown compression mode")
}

//NewWriter constructs a writer wrapper that applies this compression, closing
// it flushes the compressor but not wtr
func (c Compression) NewWriter(wtr io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressIdentity:
		return nopWriteCloser{wtr}, nil
	case CompressGzip:
		return gzip.NewWriter(wtr), nil
	case CompressS2:
		return s2.NewWriter(wtr), nil
	case CompressZstd:
		return zstd.NewWriter(wtr)
	}
	return nil, fmt.Errorf("Cannot create compressor for unknown compression mode")
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
