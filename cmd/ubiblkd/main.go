package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/tarndt/ubiblk/cmd/ubiblkd/conf"
	"github.com/tarndt/ubiblk/pkg/devreg"
	"github.com/tarndt/ubiblk/pkg/ubiblock"
	"github.com/tarndt/ubiblk/pkg/usbdlib"
)

var deamonName = fmt.Sprintf("UBI Block Server (%s)", os.Args[0])

//Simple usage: go build && sudo ./ubiblkd -add-volume=rootfs:16MiB:rootfs.squashfs -volume=rootfs
func main() {
	cfg := conf.MustGetConfig()

	log.Println(deamonName + " started.")
	log.Printf(deamonName+" using config: %s", cfg)

	flash, err := openFlash(cfg)
	if err != nil {
		log.Fatalf("Could not open flash image: %s", err)
	}
	if err = run(cfg, flash); err != nil {
		flash.Close()
		log.Fatalf("%s failed: %s", deamonName, err)
	}
	if err = flash.Close(); err != nil {
		log.Fatalf("Could not close flash image: %s", err)
	}
	log.Println(deamonName + " terminated normally.")
}

func run(cfg *conf.Config, flash *flashImage) error {
	if len(cfg.AddVolumes) > 0 {
		if err := flash.addVolumes(cfg.AddVolumes); err != nil {
			return err
		}
	}
	if cfg.List {
		desc, err := flash.describeVolumes()
		if err != nil {
			return fmt.Errorf("Could not list volumes: %w", err)
		}
		log.Println(desc)
	}
	if cfg.Publish {
		if err := publishImage(cfg, flash); err != nil {
			return fmt.Errorf("Could not publish image: %w", err)
		}
	}
	if cfg.Volume == "" {
		return nil
	}
	return export(cfg, flash)
}

//export serves a read-only block device of the configured volume until
// interrupted
func export(cfg *conf.Config, flash *flashImage) (err error) {
	reg := devreg.New()
	defer func() {
		if closeErr := reg.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("Could not unbind devices: %w", closeErr)
		}
	}()

	mgr := ubiblock.NewManager(ubiblock.NewFlashRegistry(flash.tbl, reg))
	devnum, err := mgr.Create(cfg.UBINum, cfg.Volume)
	if err != nil {
		return err
	}
	device := mgr.Lookup(devnum)
	log.Printf("Created block device %q (devnum %d): %d blocks of %d bytes", device.Name(), devnum, device.BlockCount(), device.BlockSize())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ndbStream, devPath, err := usbdlib.NewNbdHandler(ctx, device,
		usbdlib.OptDevPaths{cfg.NBDDevName}, usbdlib.OptMaxDevices(cfg.NBDDevCount))
	if err != nil {
		return fmt.Errorf("Could not export block device %q over NBD: %w", device.Name(), err)
	}
	cfg.NBDDevName = devPath
	defer func() {
		if err := ndbStream.Close(); err != nil {
			log.Printf("Warning: Could not tear down NBD %q: %s", devPath, err)
		}
	}()

	log.Printf(deamonName+" is processing read-only requests for %q.", cfg.NBDDevName)
	if err = ndbStream.ProcessRequests(); err != nil {
		return fmt.Errorf("Request processing failed: %w", err)
	}
	return nil
}
