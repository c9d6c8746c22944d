package main

import (
	"fmt"
	"log"
	"os"

	"github.com/tarndt/ubiblk/cmd/ubiblkd/conf"
	"github.com/tarndt/ubiblk/pkg/ubi/image"
	"github.com/tarndt/ubiblk/pkg/ubi/vtbl"

	"github.com/dustin/go-humanize"
	"github.com/graymeta/stow"
)

func openRemote(cfg *conf.Config) (stow.Location, stow.Container, error) {
	store, err := image.NewStore(cfg.Kind, cfg.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("Could not create %s object store: %w", cfg.Kind, err)
	}

	container, err := image.OpenContainer(store, cfg.Container)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, container, nil
}

//fetchImage replaces the local image file and volume table with the published image
func fetchImage(cfg *conf.Config, tbl *vtbl.Store) error {
	store, container, err := openRemote(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	man, err := image.Stat(container, cfg.ImageName)
	if err != nil {
		return fmt.Errorf("Could not fetch image: %w", err)
	}

	file, err := os.Create(cfg.ImagePath())
	if err != nil {
		return fmt.Errorf("Could not create image file to fetch into: %w", err)
	}
	defer file.Close()

	log.Printf("Fetching %s image %q (%d parts)", humanize.IBytes(uint64(man.Size)), cfg.ImageName, man.Parts())
	if man, err = image.Fetch(container, cfg.ImageName, file, cfg.Concurrency); err != nil {
		return err
	}
	if err = file.Truncate(man.Size); err != nil {
		return fmt.Errorf("Could not size fetched image file: %w", err)
	}
	if err = file.Sync(); err != nil {
		return fmt.Errorf("Could not sync fetched image file: %w", err)
	}

	stale, err := tbl.List()
	if err != nil {
		return fmt.Errorf("Could not list volume table to replace it: %w", err)
	}
	for _, vol := range stale {
		if err = tbl.Delete(vol.Name); err != nil {
			return fmt.Errorf("Could not remove stale volume %q from volume table: %w", vol.Name, err)
		}
	}
	if err = tbl.PutGeometry(man.Geometry); err != nil {
		return fmt.Errorf("Could not record fetched image geometry: %w", err)
	}
	for _, vol := range man.Volumes {
		if err = tbl.Put(vol); err != nil {
			return fmt.Errorf("Could not record fetched volume %q: %w", vol.Name, err)
		}
	}
	return tbl.Flush()
}

//publishImage uploads the local image file and its volume table
func publishImage(cfg *conf.Config, fi *flashImage) error {
	if err := fi.chip.Sync(); err != nil {
		return fmt.Errorf("Could not sync image before publishing: %w", err)
	}
	vols, err := fi.tbl.Volumes(fi.num)
	if err != nil {
		return err
	}

	file, err := os.Open(cfg.ImagePath())
	if err != nil {
		return fmt.Errorf("Could not open image file to publish: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("Could not stat image file to publish: %w", err)
	}

	store, container, err := openRemote(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	man := image.Manifest{
		PartBytes:   int64(cfg.PartBytes),
		Compression: cfg.Compression.AlgoName(),
		Geometry:    fi.geo,
		Volumes:     vols,
	}
	if err = image.Publish(container, cfg.ImageName, file, info.Size(), man, cfg.Concurrency); err != nil {
		return err
	}
	log.Printf("Published %s image %q to container %q", humanize.IBytes(uint64(info.Size())), cfg.ImageName, cfg.Container)
	return nil
}
