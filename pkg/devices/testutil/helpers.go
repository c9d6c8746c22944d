package testutil

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"testing"
	"time"

	"github.com/tarndt/ubiblk/pkg/usbdlib"
	"github.com/tarndt/ubiblk/pkg/util/strms"
)

//CreateContext creates a context aware of the provided a testing.T's deadline
func CreateContext(t *testing.T) context.Context {
	const defaultTO = time.Minute
	deadline, hasDeadline := t.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(defaultTO)
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	t.Cleanup(cancel)
	return ctx
}

//HashOf returns the SHA256 of data
func HashOf(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

//TestDevSize verfies the provided device reports the correct size
func TestDevSize(t *testing.T, dev usbdlib.Device, expectedSize int64) {
	t.Run("dev-size", func(t *testing.T) {
		if actual := dev.Size(); actual != expectedSize {
			t.Fatalf("Expected device size to be %d but it was %d", expectedSize, actual)
		}
		if bs := dev.BlockSize(); bs < 1 || bs&(bs-1) != 0 || expectedSize%bs != 0 {
			t.Fatalf("Block size %d is not a power of two dividing the device size %d", bs, expectedSize)
		}
	})
}

//TestReadContent verifies the provided device reads back as expected. Reads
// straddling multiples of boundaryBytes are exercised if it is non-zero.
func TestReadContent(t *testing.T, dev usbdlib.Device, expected []byte, boundaryBytes uint) {
	count := uint(len(expected))

	t.Run("read-content", func(t *testing.T) {
		t.Run("unbuffered", func(t *testing.T) {
			count := unbufCount(count)
			buf, rdr := make([]byte, 1), strms.NewReadAtReader(dev)
			for i := uint(0); i < count; i++ {
				if _, err := rdr.Read(buf); err != nil {
					t.Fatalf("Failed to read byte %d of %d: %s", i+1, count, err)
				}
				if buf[0] != expected[i] {
					t.Fatalf("Wrong value %d found at pos %d, expecting %d", buf[0], i, expected[i])
				}
			}
		})

		t.Run("buffered", func(t *testing.T) {
			rdr := bufio.NewReader(strms.NewReadAtReader(dev))
			for i := uint(0); true; i++ {
				actual, err := rdr.ReadByte()
				if err != nil {
					if err == io.EOF && i == count {
						break
					}
					t.Fatalf("Failed to read byte index %d of %d: %s", i, count, err)
				}
				if i >= count {
					t.Fatalf("Device is larger than the %d bytes expected", count)
				}
				if actual != expected[i] {
					t.Fatalf("Wrong value %d found at pos %d, expecting %d", actual, i, expected[i])
				}
			}
		})

		t.Run("misaligned", func(t *testing.T) {
			if boundaryBytes < 1 {
				t.Skipf("No alignment boundary for test")
			}
			if count < boundaryBytes*2 {
				t.Skipf("Two boundaries worth of total capacity required for test")
			}

			t.Run("two-boundaries", func(t *testing.T) {
				testReadAt(t, dev, expected, 0, boundaryBytes*2)
			})
			t.Run("span-boundary", func(t *testing.T) {
				testReadAt(t, dev, expected, int64(boundaryBytes/2), boundaryBytes)
			})
			t.Run("tail", func(t *testing.T) {
				testReadAt(t, dev, expected, int64(count-boundaryBytes-1), boundaryBytes+1)
			})
		})
	})
}

func testReadAt(t *testing.T, dev usbdlib.Device, expected []byte, pos int64, length uint) {
	buf := make([]byte, length)
	n, err := dev.ReadAt(buf, pos)
	switch {
	case err != nil && !(err == io.EOF && uint(n) == length):
		t.Fatalf("Failed to read %d bytes at %d: %s", length, pos, err)
	case uint(n) != length:
		t.Fatalf("Read returned %d bytes rather than %d", n, length)
	case !bytes.Equal(buf, expected[pos:pos+int64(length)]):
		t.Fatalf("Read of %d bytes at %d did not match expected content", length, pos)
	}
}

//TestReadHash confirms the SHA of the provided device matches the expected SHA
func TestReadHash(t *testing.T, dev usbdlib.Device, expectedHash []byte) {
	t.Run("read-hash", func(t *testing.T) {
		hashWtr := sha256.New()
		if n, err := io.Copy(hashWtr, bufio.NewReader(strms.NewReadAtReader(dev))); err != nil {
			t.Fatalf("Failed to calculate SHA256 of device: %s", err)
		} else if devSize := dev.Size(); n != devSize {
			t.Fatalf("While calculating SHA256 of device %d bytes were found instead of %d", n, devSize)
		} else if readHash := hashWtr.Sum(nil); !bytes.Equal(expectedHash, readHash) {
			t.Fatalf("SHA256 read from device was %s but %s was expected", hex.EncodeToString(readHash), hex.EncodeToString(expectedHash))
		}
	})
}

//TestClose confirms the device closes without error, that reads then fail and
// that closing again is harmless
func TestClose(t *testing.T, dev usbdlib.Device) {
	t.Run("close", func(t *testing.T) {
		if err := dev.Close(); err != nil {
			t.Fatalf("Failed to close device: %s", err)
		}

		buf := make([]byte, 1)
		if _, err := dev.ReadAt(buf, 0); err == nil {
			t.Fatal("Expected error during read on closed device")
		}
		if err := dev.Close(); err != nil {
			t.Fatalf("Second close of device failed: %s", err)
		}
	})
}

//fileDevice presents an opened NBD as a usbdlib.Device
type fileDevice struct {
	*os.File
	size, blockSize int64
}

func (fd fileDevice) Size() int64      { return fd.size }
func (fd fileDevice) BlockSize() int64 { return fd.blockSize }

func unbufCount(count uint) uint {
	const ThreeMB = 3 * 1024 * 1024
	unbufCount := count / 3
	if unbufCount > ThreeMB {
		unbufCount = ThreeMB
	}
	return unbufCount
}
