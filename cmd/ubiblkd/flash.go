package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/tarndt/ubiblk/cmd/ubiblkd/conf"
	"github.com/tarndt/ubiblk/pkg/ubi"
	"github.com/tarndt/ubiblk/pkg/ubi/vtbl"

	"github.com/dustin/go-humanize"
)

//flashImage is a flash image file attached to the UBI table along with its
// persisted volume table
type flashImage struct {
	num   int
	geo   ubi.Geometry
	tbl   *ubi.Table
	chip  ubi.Chip
	store *vtbl.Store
}

func openFlash(cfg *conf.Config) (*flashImage, error) {
	store, err := vtbl.Open(cfg.VolumeTablePath())
	if err != nil {
		return nil, fmt.Errorf("Could not open volume table: %w", err)
	}
	fi := &flashImage{num: cfg.UBINum, tbl: ubi.NewTable(), store: store}
	closeOnErr := func(err error) (*flashImage, error) {
		if closeErr := fi.Close(); closeErr != nil {
			log.Printf("openFlash(): WARNING: Could not clean up after failure; Details: %s", closeErr)
		}
		return nil, err
	}

	if cfg.Fetch {
		if err = fetchImage(cfg, store); err != nil {
			return closeOnErr(err)
		}
	}

	geo, found, err := store.Geometry()
	switch {
	case err != nil:
		return closeOnErr(fmt.Errorf("Could not read image geometry: %w", err))
	case !found:
		geo = cfg.Geometry()
		if err = store.PutGeometry(geo); err != nil {
			return closeOnErr(fmt.Errorf("Could not record geometry of new image: %w", err))
		}
	case geo != cfg.Geometry():
		log.Printf("openFlash(): WARNING: Image %q was formatted with %s PEBs with %s headers, ignoring configured geometry",
			cfg.ImagePath(), humanize.IBytes(uint64(geo.PEBSize)), humanize.IBytes(uint64(geo.HeaderBytes)))
	}
	fi.geo = geo

	if fi.chip, err = ubi.NewMmapChip(cfg.ImagePath(), geo.PEBSize, int(int64(cfg.ImageBytes)/int64(geo.PEBSize))); err != nil {
		return closeOnErr(err)
	}

	vols, err := store.List()
	if err != nil {
		return closeOnErr(fmt.Errorf("Could not load volume table: %w", err))
	}
	if err = fi.tbl.Attach(fi.num, fi.chip, geo, vols); err != nil {
		return closeOnErr(err)
	}
	return fi, nil
}

//addVolumes creates each volume at the end of the image and seeds it from its
// source file, volumes that already exist are left as they are
func (fi *flashImage) addVolumes(specs conf.VolumeSpecs) error {
	lebSize := int64(fi.geo.LEBSize())
	for _, spec := range specs {
		lebs := (int64(spec.Bytes) + lebSize - 1) / lebSize
		info, err := fi.tbl.CreateVolume(fi.num, spec.Name, int(lebs))
		if err != nil {
			if errors.Is(err, ubi.ErrExists) {
				log.Printf("flashImage::addVolumes(): WARNING: Not adding volume %q, it already exists", spec.Name)
				continue
			}
			return fmt.Errorf("Could not add volume %q: %w", spec.Name, err)
		}
		if err = fi.store.Put(info); err != nil {
			return fmt.Errorf("Could not record volume %q in volume table: %w", spec.Name, err)
		}

		if spec.SourceFile != "" {
			if err = fi.seedVolume(spec.Name, spec.SourceFile); err != nil {
				return err
			}
		}
		log.Printf("Added volume %q of %s (%d LEBs)", spec.Name, humanize.IBytes(uint64(lebs*lebSize)), lebs)
	}
	return fi.store.Flush()
}

func (fi *flashImage) seedVolume(volName, srcFile string) error {
	file, err := os.Open(srcFile)
	if err != nil {
		return fmt.Errorf("Could not open source of volume %q: %w", volName, err)
	}
	defer file.Close()

	desc, err := fi.tbl.Open(fi.num, volName, ubi.ModeExclusive)
	if err != nil {
		return err
	}
	defer desc.Close()

	buf := make([]byte, desc.LEBSize())
	for lnum := 0; ; lnum++ {
		n, err := io.ReadFull(file, buf)
		switch {
		case n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF):
			return nil
		case err != nil && err != io.ErrUnexpectedEOF:
			return fmt.Errorf("Could not read source %q of volume %q: %w", srcFile, volName, err)
		case lnum >= desc.ReservedLEBs():
			return fmt.Errorf("Source %q does not fit in the %d LEBs of volume %q: %w", srcFile, desc.ReservedLEBs(), volName, ubi.ErrNoSpace)
		}
		if err = desc.Write(lnum, buf[:n], 0); err != nil {
			return err
		}
		if n < len(buf) {
			return nil
		}
	}
}

//describeVolumes lists the volume table in human readable form
func (fi *flashImage) describeVolumes() (string, error) {
	vols, err := fi.tbl.Volumes(fi.num)
	if err != nil {
		return "", err
	}

	var desc strings.Builder
	fmt.Fprintf(&desc, "%s: %d volumes, %s LEBs", ubi.DeviceName(fi.num), len(vols), humanize.IBytes(uint64(fi.geo.LEBSize())))
	for _, vol := range vols {
		fmt.Fprintf(&desc, "\n\tVolume ID: %d, Name: %q, Size: %s (%d LEBs starting at PEB %d)",
			vol.ID, vol.Name, humanize.IBytes(uint64(vol.ReservedPEBs*fi.geo.LEBSize())), vol.ReservedPEBs, vol.FirstPEB)
	}
	return desc.String(), nil
}

//Close detaches the image and closes its volume table
func (fi *flashImage) Close() error {
	var errs []string
	if fi.chip != nil {
		if _, err := fi.tbl.Detach(fi.num); err != nil && !errors.Is(err, ubi.ErrNoDevice) {
			errs = append(errs, err.Error())
		}
		if err := fi.chip.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := fi.store.Close(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("Could not close flash image cleanly: %s", strings.Join(errs, "; "))
	}
	return nil
}
