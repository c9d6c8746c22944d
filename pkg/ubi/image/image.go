//Package image publishes flash images to, and fetches them from, object
// storage. An image is stored as a manifest plus fixed size parts that are
// individually compressed and transferred concurrently.
package image

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/tarndt/ubiblk/pkg/ubi"
	"github.com/tarndt/ubiblk/pkg/util/consterr"
	"github.com/tarndt/ubiblk/pkg/util/strms"

	"github.com/dustin/go-humanize"
	"github.com/graymeta/stow"
	"github.com/tarndt/sema"
)

//ErrNotFound is returned when an image has no manifest in the container
const ErrNotFound = consterr.ConstErr("Image not found")

const (
	manifestExt = ".manifest"
	//DefaultPartBytes is used when a manifest does not specify a part size
	DefaultPartBytes = 8 * humanize.MiByte
	//DefaultConcurrency is the number of parts transferred at once by default
	DefaultConcurrency = 4
)

//Manifest describes a published image
type Manifest struct {
	Size        int64            `json:"size"`
	PartBytes   int64            `json:"part_bytes"`
	Compression string           `json:"compression"`
	Geometry    ubi.Geometry     `json:"geometry"`
	Volumes     []ubi.VolumeInfo `json:"volumes,omitempty"`
}

//Parts is the number of parts the image is split into
func (man Manifest) Parts() int {
	if man.PartBytes < 1 {
		return 0
	}
	return int((man.Size + man.PartBytes - 1) / man.PartBytes)
}

func (man Manifest) partSpan(part int) (offset, length int64) {
	offset = int64(part) * man.PartBytes
	length = man.PartBytes
	if rem := man.Size - offset; rem < length {
		length = rem
	}
	return offset, length
}

func (man Manifest) validate() error {
	switch {
	case man.Size < 0:
		return fmt.Errorf("Image size %d is negative", man.Size)
	case man.PartBytes < 1:
		return fmt.Errorf("Image part size %d is not positive", man.PartBytes)
	case CompressionFromName(man.Compression) == CompressUnknown:
		return fmt.Errorf("Image compression %q is not supported", man.Compression)
	}
	return nil
}

func manifestName(name string) string {
	return name + manifestExt
}

func partName(name string, part int, cmp Compression) string {
	return fmt.Sprintf("%s.part-%08d%s", name, part, cmp.Ext())
}

//Publish uploads size bytes of src as image name. The manifest's Size is set
// from size and a zero PartBytes defaults to DefaultPartBytes. The manifest is
// written last so a partially published image is never visible.
func Publish(container stow.Container, name string, src io.ReaderAt, size int64, man Manifest, concurrency uint) error {
	man.Size = size
	if man.PartBytes == 0 {
		man.PartBytes = DefaultPartBytes
	}
	if err := man.validate(); err != nil {
		return fmt.Errorf("Could not publish image %q: %w", name, err)
	}
	cmp := CompressionFromName(man.Compression)
	man.Compression = cmp.AlgoName()

	err := forEachPart(man.Parts(), concurrency, func(part int) error {
		offset, length := man.partSpan(part)
		rdr := io.LimitReader(strms.NewReadAtReaderFrom(src, offset), length)
		return putPart(container, partName(name, part, cmp), rdr, length, cmp)
	})
	if err != nil {
		return fmt.Errorf("Could not publish image %q to %s: %w", name, describeContainer(container), err)
	}

	rawMan, err := json.Marshal(man)
	if err != nil {
		return fmt.Errorf("Could not encode manifest of image %q: %w", name, err)
	}
	if _, err = container.Put(manifestName(name), bytes.NewReader(rawMan), int64(len(rawMan)), nil); err != nil {
		return fmt.Errorf("Could not write manifest of image %q to %s: %w", name, describeContainer(container), err)
	}
	return nil
}

func putPart(container stow.Container, itemName string, rdr io.Reader, length int64, cmp Compression) error {
	if cmp == CompressIdentity {
		if _, err := container.Put(itemName, rdr, length, nil); err != nil {
			return fmt.Errorf("Could not write part %q: %w", itemName, err)
		}
		return nil
	}

	var buf bytes.Buffer
	wtr, err := cmp.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("Could not create %s stream compressor: %w", cmp, err)
	}
	if _, err = io.Copy(wtr, rdr); err != nil {
		wtr.Close()
		return fmt.Errorf("Copy failed during %s compression of part %q: %w", cmp, itemName, err)
	}
	if err = wtr.Close(); err != nil {
		return fmt.Errorf("Close failed during %s compression of part %q: %w", cmp, itemName, err)
	}

	if _, err = container.Put(itemName, &buf, int64(buf.Len()), nil); err != nil {
		return fmt.Errorf("Could not write part %q (%s compressed to %s): %w", itemName,
			humanize.IBytes(uint64(length)), humanize.IBytes(uint64(buf.Len())), err)
	}
	return nil
}

//Stat reads the manifest of image name
func Stat(container stow.Container, name string) (man Manifest, err error) {
	item, err := container.Item(manifestName(name))
	switch {
	case err == stow.ErrNotFound:
		return man, fmt.Errorf("Could not stat image %q in %s: %w", name, describeContainer(container), ErrNotFound)
	case err != nil:
		return man, fmt.Errorf("Could not stat image %q in %s: %w", name, describeContainer(container), err)
	}

	rdr, err := item.Open()
	if err != nil {
		return man, fmt.Errorf("Could not open manifest %s: %w", describeItem(item), err)
	}
	defer rdr.Close()

	if err = json.NewDecoder(rdr).Decode(&man); err != nil {
		return man, fmt.Errorf("Could not decode manifest %s: %w", describeItem(item), err)
	}
	if err = man.validate(); err != nil {
		return man, fmt.Errorf("Manifest %s is invalid: %w", describeItem(item), err)
	}
	return man, nil
}

//Fetch downloads image name into dst, which must be able to hold the
// manifest's Size bytes, and returns the image's manifest
func Fetch(container stow.Container, name string, dst io.WriterAt, concurrency uint) (Manifest, error) {
	man, err := Stat(container, name)
	if err != nil {
		return man, err
	}
	cmp := CompressionFromName(man.Compression)

	err = forEachPart(man.Parts(), concurrency, func(part int) error {
		offset, length := man.partSpan(part)
		return getPart(container, partName(name, part, cmp), strms.NewWriteAtWriter(dst, offset), length, cmp)
	})
	if err != nil {
		return man, fmt.Errorf("Could not fetch image %q (%s) from %s: %w", name, humanize.IBytes(uint64(man.Size)), describeContainer(container), err)
	}
	return man, nil
}

func getPart(container stow.Container, itemName string, wtr io.Writer, length int64, cmp Compression) error {
	item, err := container.Item(itemName)
	if err != nil {
		return fmt.Errorf("Could not get part %q: %w", itemName, err)
	}
	itemRdr, err := item.Open()
	if err != nil {
		return fmt.Errorf("Could not open %s: %w", describeItem(item), err)
	}
	decompRdr, err := cmp.NewReader(itemRdr)
	if err != nil {
		itemRdr.Close()
		return fmt.Errorf("Could not create %s decompressor for %s: %w", cmp, describeItem(item), err)
	}
	rdr := strms.NewReadFirstCloseList(decompRdr, decompRdr, itemRdr)
	defer rdr.Close()

	n, err := io.Copy(wtr, io.LimitReader(rdr, length+1))
	switch {
	case err != nil:
		return fmt.Errorf("Could not copy %s: %w", describeItem(item), err)
	case n != length:
		return fmt.Errorf("Part %s holds %d bytes rather than the expected %d", describeItem(item), n, length)
	}
	return nil
}

//List returns the names of the images in container whose names begin with prefix
func List(container stow.Container, prefix string) ([]string, error) {
	const pageSize = 100

	var names []string
	err := stow.Walk(container, prefix, pageSize, func(item stow.Item, err error) error {
		if err != nil {
			return err
		}
		if itemName := item.Name(); strings.HasSuffix(itemName, manifestExt) {
			names = append(names, strings.TrimSuffix(itemName, manifestExt))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Could not list images in %s: %w", describeContainer(container), err)
	}
	return names, nil
}

//forEachPart runs fn for parts [0, count) with at most concurrency running at
// once, it returns the first error encountered
func forEachPart(count int, concurrency uint, fn func(part int) error) error {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	errCh := make(chan error, 1)
	partSema := sema.NewChanSemaCount(concurrency)
	var pending sync.WaitGroup
	for part := 0; part < count; part++ {
		partSema.P()
		pending.Add(1)

		go func(p int) {
			defer func() {
				partSema.V()
				pending.Done()
			}()

			if err := fn(p); err != nil {
				select {
				case errCh <- err:
				default:
					log.Printf("image::forEachPart(): WARNING: Additional part %d failed; Details: %s", p, err)
				}
			}
		}(part)
	}
	pending.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return fmt.Errorf("One or more parts failed: %w", err)
	}
	return nil
}
