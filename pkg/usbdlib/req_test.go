package usbdlib

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"
)

//TestDecodeStream decodes a stream mixing reads with refused writes whose
// payloads must be skipped for the following request to decode
func TestDecodeStream(t *testing.T) {
	type sent struct {
		reqType uint32
		flags   uint32
		pos     int64
		count   int
	}
	stream := []sent{
		{nbdRead, 0, 0, testBlockSize},
		{nbdWrite, 0, testBlockSize, 3 * testBlockSize},
		{nbdRead, 0, 2 * testBlockSize, testBlockSize},
		{nbdWrite, 1 << 16, 0, 17}, //FUA flag and an unaligned payload
		{nbdFlush, 0, 0, 0},
		{nbdTrim, 0, 0, 8 * testBlockSize}, //trim carries no payload
		{nbdRead, 0, 1 << 40, testBlockSize},
		{nbdDisconnect, 0, 0, 0},
	}

	var buf bytes.Buffer
	for i, in := range stream {
		encodeRequest(t, &buf, in.reqType|in.flags, int64(i), in.pos, in.count)
	}

	out := newRequest().(*request)
	for i, in := range stream {
		if err := out.Decode(&buf); err != nil {
			t.Fatalf("Failed to decode request %d: %s", i, err)
		}
		switch {
		case out.reqType != in.reqType:
			t.Fatalf("Request %d: wrong type %d, expected %d", i, out.reqType, in.reqType)
		case !bytes.Equal(out.handle, encodeHandle(int64(i))):
			t.Fatalf("Request %d: wrong handle %v", i, out.handle)
		case out.pos != in.pos:
			t.Fatalf("Request %d: wrong position %d, expected %d", i, out.pos, in.pos)
		case out.count != in.count:
			t.Fatalf("Request %d: wrong count %d, expected %d", i, out.count, in.count)
		}
	}
	if buf.Len() != 0 {
		t.Fatalf("%d bytes were left undecoded", buf.Len())
	}
}

func TestDecodeFailures(t *testing.T) {
	for _, tcase := range []struct {
		desc   string
		build  func(t *testing.T, buf *bytes.Buffer)
		errMsg string
	}{
		{"empty-stream", func(t *testing.T, buf *bytes.Buffer) {}, "Could not read request data"},
		{"short-header", func(t *testing.T, buf *bytes.Buffer) {
			encodeRequest(t, buf, nbdRead, 1, 0, testBlockSize)
			buf.Truncate(ndbReqBytes - 1)
		}, "Could not read request data"},
		{"bad-magic", func(t *testing.T, buf *bytes.Buffer) {
			encodeRequest(t, buf, nbdRead, 1, 0, testBlockSize)
			buf.Bytes()[0] ^= 0xff
		}, "correct magic number"},
		{"short-write-payload", func(t *testing.T, buf *bytes.Buffer) {
			encodeRequest(t, buf, nbdWrite, 1, 0, testBlockSize)
			buf.Truncate(ndbReqBytes + testBlockSize/2)
		}, "payload of refused write"},
	} {
		t.Run(tcase.desc, func(t *testing.T) {
			var buf bytes.Buffer
			tcase.build(t, &buf)

			err := newRequest().(*request).Decode(&buf)
			if err == nil {
				t.Fatal("Decode succeeded")
			} else if !strings.Contains(err.Error(), tcase.errMsg) {
				t.Fatalf("Expected error containing %q, got: %s", tcase.errMsg, err)
			}
		})
	}
}

func TestCheckRead(t *testing.T) {
	geo := nbdGeometry{blockSize: testBlockSize, blocks: 4}
	for _, tcase := range []struct {
		desc  string
		pos   int64
		count int
		ok    bool
	}{
		{"whole-export", 0, 4 * testBlockSize, true},
		{"last-block", 3 * testBlockSize, testBlockSize, true},
		{"empty-at-end", 4 * testBlockSize, 0, true},
		{"unaligned-pos", 7, testBlockSize, false},
		{"unaligned-count", 0, testBlockSize + 1, false},
		{"negative-pos", -testBlockSize, testBlockSize, false},
		{"past-end", 4 * testBlockSize, testBlockSize, false},
		{"straddles-end", 3 * testBlockSize, 2 * testBlockSize, false},
		{"far-past-end", 1 << 62, testBlockSize, false},
	} {
		t.Run(tcase.desc, func(t *testing.T) {
			req := &request{reqType: nbdRead, pos: tcase.pos, count: tcase.count}
			if err := req.checkRead(geo); (err == nil) != tcase.ok {
				t.Fatalf("Expected ok=%t, got: %v", tcase.ok, err)
			}
		})
	}
}

func BenchmarkDecode(b *testing.B) {
	var buf bytes.Buffer
	encodeRequest(b, &buf, nbdRead, 1, 1, 1)
	rawReq := buf.Bytes()

	req := newRequest().(*request)
	var err error

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err = req.Decode(bytes.NewBuffer(rawReq)); err != nil {
			b.Fatalf("Failed to decode request: %s", err)
		}
	}
}

func encodeHandle(x int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(x))
	return buf
}

//encodeRequest writes a request as the kernel would, writes are followed by a
// payload of count bytes
func encodeRequest(tb testing.TB, wtr io.Writer, reqType uint32, handle, pos int64, count int) {
	tb.Helper()

	raw := newNbdRawReq()
	binary.LittleEndian.PutUint32(raw, nbdReqMagic)
	binary.BigEndian.PutUint32(raw[4:], reqType)
	copy(raw[8:], encodeHandle(handle))
	binary.BigEndian.PutUint64(raw[8+ndbHandleLen:], uint64(pos))
	binary.BigEndian.PutUint32(raw[16+ndbHandleLen:], uint32(count))
	if reqType&nbdCmdMask == nbdWrite {
		raw = append(raw, bytes.Repeat([]byte{7}, count)...)
	}
	if _, err := wtr.Write(raw); err != nil {
		tb.Fatalf("Could not encode request: %s", err)
	}
}
