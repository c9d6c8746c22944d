package conf

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tarndt/ubiblk/pkg/ubi/image"
	"github.com/tarndt/ubiblk/pkg/usbdlib"

	"github.com/dustin/go-humanize"
	"github.com/graymeta/stow"
	"github.com/graymeta/stow/s3"
)

const (
	defImageSize  = 64 * humanize.MiByte
	defPEBSize    = 128 * humanize.KiByte
	defHeaderSize = 4 * humanize.KiByte
)

//MustGetConfig successful reads configuration from command-line arguments and
// creates a Config or it exits with feedback for the invoking user
func MustGetConfig() *Config {
	cfg, err := Parse(os.Args[0], os.Args[1:])
	switch {
	case errors.Is(err, flag.ErrHelp):
		os.Exit(0)
	case err != nil:
		log.Fatalf("Bad arguments: %s", err)
	}
	return cfg
}

//Parse builds a Config from command-line arguments
func Parse(progName string, args []string) (*Config, error) {
	var help bool
	cfg := new(Config)
	fs := flag.NewFlagSet(progName, flag.ContinueOnError)

	//General options
	fs.UintVar(&cfg.NBDDevCount, "nbd-max-devs", usbdlib.DefMaxNBDDevices, "If the NBD kernel module is loaded by this deamon how many NBD devices should it create")
	fs.StringVar(&cfg.ImageDir, "store-dir", "./", "Location of the flash image and its volume table")
	fs.StringVar(&cfg.ImageName, "store-name", "flash", "Base name of the flash image files, also the remote image name")
	flagCapacityVar(fs, &cfg.ImageBytes, "store-size", defImageSize, "Size of a newly created flash image (ex. 64 MiB, 1 GiB)")
	flagCapacityVar(fs, &cfg.PEBBytes, "peb-size", defPEBSize, "Physical erase block size of a newly created flash image (ex. 128 KiB)")
	flagCapacityVar(fs, &cfg.HeaderBytes, "peb-header", defHeaderSize, "Bytes at the start of each erase block reserved for UBI headers")
	fs.IntVar(&cfg.UBINum, "ubi", 0, "UBI device number to attach the image as")
	fs.StringVar(&cfg.Volume, "volume", "", "Name of the UBI volume to export as a read-only block device")
	fs.Var(&cfg.AddVolumes, "add-volume", "Volume to add to the image as name:size[:srcfile], may be repeated")
	fs.BoolVar(&cfg.List, "list", false, "List the volumes of the image")
	fs.BoolVar(&help, "help", false, "Display help and exit")

	//Remote image options
	var remoteConfigJSON, compression string
	fs.BoolVar(&cfg.Fetch, "remote-fetch", false, "Replace the local image with the one published to the remote object store")
	fs.BoolVar(&cfg.Publish, "remote-publish", false, "Publish the local image to the remote object store")
	fs.StringVar(&cfg.Kind, "remote-kind", s3.Kind, "Type of remote objectstore: 's3', 'b2', 'local', 'azure', 'swift', 'google', 'oracle' or 'sftp'")
	fs.StringVar(&remoteConfigJSON, "remote-cfg", mustGetDefRemoteParams(), "JSON configuration (default assumes local minio [kind \"s3\"] with default settings)")
	fs.StringVar(&cfg.Container, "remote-container", "ubi-images", "Remote container images are stored in")
	fs.StringVar(&compression, "remote-compress", image.CompressZstdName,
		fmt.Sprintf("Compression algorithm to use for published images: %q, %q, %q or %q for no compression",
			image.CompressZstdName, image.CompressS2Name, image.CompressGzipName, image.CompressIdentityName),
	)
	flagCapacityVar(fs, &cfg.PartBytes, "remote-partsize", image.DefaultPartBytes, "Size of published image parts (ex. 8 MiB)")
	fs.UintVar(&cfg.Concurrency, "remote-concurrency", 0, "Maximum number of image parts to transfer concurrently (0 implies use heuristic)")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [optional: options see below...] [optional: NBD device to use ex. /dev/nbd0, if absent the first free device is used.]\n"+
			"\tExample:\n"+
			"\t\tCreate an image with a volume from a filesystem image and export it: %s -store-dir=/tmp -add-volume=rootfs:16MiB:rootfs.squashfs -volume=rootfs\n"+
			"\t\tList the volumes of an existing image: %s -store-dir=/tmp -list\n"+
			"\t\tExport a volume of an image published to a locally running S3/minio: %s -store-dir=/tmp -remote-fetch -volume=rootfs /dev/nbd5\n\n",
			progName, progName, progName, progName)
		fs.PrintDefaults()
	}

	//Process args set
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if help {
		fs.Usage()
		return nil, flag.ErrHelp
	}
	cfg.NBDDevName = fs.Arg(0)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Fetch || cfg.Publish {
		if err := parseRemoteConfig(cfg, remoteConfigJSON, compression); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.ImageName == "" {
		return fmt.Errorf("No image name was provided (use -store-name=X)")
	}
	if cfg.Volume == "" && !cfg.List && !cfg.Publish && len(cfg.AddVolumes) < 1 {
		return fmt.Errorf("Nothing to do, provide a volume to export (-volume=X), -list, -add-volume or -remote-publish")
	}
	if cfg.UBINum < 0 {
		return fmt.Errorf("UBI device number %d is negative", cfg.UBINum)
	}
	if err := cfg.Geometry().Validate(); err != nil {
		return fmt.Errorf("Bad erase block geometry (-peb-size=%s -peb-header=%s): %w", cfg.PEBBytes.String(), cfg.HeaderBytes.String(), err)
	}
	if cfg.ImageBytes < cfg.PEBBytes || cfg.ImageBytes%cfg.PEBBytes != 0 {
		return fmt.Errorf("Image size %s is not a positive multiple of the %s erase block size", cfg.ImageBytes.String(), cfg.PEBBytes.String())
	}

	if cfg.ImageDir == "" {
		return fmt.Errorf("No storage directory was provided (use -store-dir=X)")
	}
	var err error
	if cfg.ImageDir, err = filepath.Abs(cfg.ImageDir); err != nil {
		return fmt.Errorf("Could not resolve storage directory (-store-dir=%q) to an absolute path: %w", cfg.ImageDir, err)
	} else if fstat, err := os.Stat(cfg.ImageDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("Provided storage directory (-store-dir=%q) does not exist", cfg.ImageDir)
		}
		return fmt.Errorf("Provided storage directory (-store-dir=%q) could not be be accessed: %w", cfg.ImageDir, err)
	} else if !fstat.IsDir() {
		return fmt.Errorf("Provided storage directory (-store-dir=%q) is not a directory", cfg.ImageDir)
	}
	return nil
}

func parseRemoteConfig(cfg *Config, remoteConfigJSON, compression string) error {
	switch strings.ToLower(cfg.Kind) {
	case "s3", "b2", "local", "azure", "swift", "google", "oracle", "sftp":
	case "":
		return fmt.Errorf("An objectstore kind must be provided (-remote-kind=X)")
	default:
		return fmt.Errorf("Unknown objectstore kind was provided: %q", cfg.Kind)
	}

	if remoteConfigJSON == "" {
		return fmt.Errorf("No JSON configuration was provided for remote objectstore (use -remote-cfg=JSON)")
	}
	cfg.Config = make(stow.ConfigMap)
	if err := json.Unmarshal([]byte(remoteConfigJSON), &cfg.Config); err != nil {
		return fmt.Errorf("Provided JSON configuration for remote objectstore could not be parsed: %w", err)
	}
	if err := image.ValidateConfig(cfg.Kind, cfg.Config); err != nil {
		return fmt.Errorf("Provided configuration for remote objectstore was not valid: %w", err)
	}
	if cfg.Container == "" {
		return fmt.Errorf("No remote container was provided (use -remote-container=X)")
	}

	if cfg.Compression = image.CompressionFromName(compression); cfg.Compression == image.CompressUnknown {
		return fmt.Errorf("Unknown compression mode %q was provided", compression)
	}
	if cfg.PartBytes < 1 {
		return fmt.Errorf("Remote part size must be positive")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = recConcurrency(int64(cfg.PartBytes))
	}
	return nil
}

func mustGetDefRemoteParams() string {
	cfg := stow.ConfigMap{
		s3.ConfigEndpoint:    "http://127.0.0.1:9000",
		s3.ConfigAccessKeyID: "minioadmin",
		s3.ConfigSecretKey:   "minioadmin",
	}

	JSON, err := json.Marshal(cfg)
	if err != nil {
		log.Fatalf("Could not marshal default object store JSON config: %s", err)
	}

	return string(JSON)
}

func recConcurrency(partSize int64) uint {
	const budgetBytes = 1024 * 1024 * 1024 //1 GiB
	rec := runtime.NumCPU()

	if int64(rec)*partSize > budgetBytes {
		rec = int(budgetBytes / partSize)
	}
	if rec < 1 {
		rec = 1
	}
	return uint(rec)
}
