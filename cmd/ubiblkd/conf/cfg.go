package conf

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tarndt/ubiblk/pkg/ubi"
	"github.com/tarndt/ubiblk/pkg/ubi/image"

	"github.com/dustin/go-humanize"
	"github.com/graymeta/stow"
)

//Config is a representation of command line config parameters
type Config struct {
	NBDDevName  string
	NBDDevCount uint
	ImageDir    string
	ImageName   string
	//ImageBytes is the size of a newly created image
	ImageBytes  Capacity
	PEBBytes    Capacity
	HeaderBytes Capacity
	UBINum      int
	//Volume is the volume to export, none if empty
	Volume     string
	AddVolumes VolumeSpecs
	List       bool
	RemoteConfig
}

//ImagePath is the flash image file
func (cfg *Config) ImagePath() string {
	return filepath.Join(cfg.ImageDir, cfg.ImageName+".img")
}

//VolumeTablePath is the volume table database directory
func (cfg *Config) VolumeTablePath() string {
	return filepath.Join(cfg.ImageDir, cfg.ImageName+".vtbl")
}

//Geometry is the geometry a new image is formatted with
func (cfg *Config) Geometry() ubi.Geometry {
	return ubi.Geometry{PEBSize: int(cfg.PEBBytes), HeaderBytes: int(cfg.HeaderBytes)}
}

//String generates human-readable prose describing a configuration
func (cfg *Config) String() string {
	devName := "next available NBD device"
	if cfg.NBDDevName != "" {
		devName = cfg.NBDDevName
	}

	var desc strings.Builder
	fmt.Fprintf(&desc, "Using flash image %q (%s if created, %s PEBs with %s headers) as %s",
		cfg.ImagePath(), humanize.IBytes(uint64(cfg.ImageBytes)), humanize.IBytes(uint64(cfg.PEBBytes)),
		humanize.IBytes(uint64(cfg.HeaderBytes)), ubi.DeviceName(cfg.UBINum),
	)
	if len(cfg.AddVolumes) > 0 {
		fmt.Fprintf(&desc, ", adding volumes %s", cfg.AddVolumes.String())
	}
	if cfg.Fetch || cfg.Publish {
		fmt.Fprintf(&desc, ", %s", cfg.RemoteConfig.String())
	}
	if cfg.Volume != "" {
		fmt.Fprintf(&desc, ", exporting volume %q as %s", cfg.Volume, devName)
	}
	desc.WriteByte('.')
	return desc.String()
}

//RemoteConfig is the configuration of the object store images are fetched
// from and published to
type RemoteConfig struct {
	Fetch, Publish bool
	Kind           string
	Config         stow.ConfigMap
	Container      string
	Compression    image.Compression
	PartBytes      Capacity
	Concurrency    uint
}

//String generates human-readable prose describing a RemoteConfig
func (c *RemoteConfig) String() string {
	var action string
	switch {
	case c.Fetch && c.Publish:
		action = "fetching from and publishing to"
	case c.Fetch:
		action = "fetching from"
	default:
		action = "publishing to"
	}

	return fmt.Sprintf("%s container %q of a %s remote object store (%s) with %s %s compressed parts using %d workers",
		action, c.Container, c.Kind, stowCfgStr(c.Config), humanize.IBytes(uint64(c.PartBytes)), c.Compression, c.Concurrency,
	)
}

func stowCfgStr(cm stow.ConfigMap) string {
	keys := make([]string, 0, len(cm))
	for k := range cm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var str bytes.Buffer
	for _, k := range keys {
		str.WriteString(k)
		str.WriteByte('=')

		if mayBeSecret(k) {
			str.WriteString("<REDACTED>")
		} else {
			str.WriteByte('"')
			str.WriteString(cm[k])
			str.WriteByte('"')
		}
		str.WriteString(", ")
	}
	if str.Len() > 2 {
		str.Truncate(str.Len() - 2)
	}
	return str.String()
}

func mayBeSecret(s string) bool {
	s = strings.ToLower(s)
	for _, candidate := range []string{"secret", "cred", "pass", "token"} {
		if strings.Contains(s, candidate) {
			return true
		}
	}
	return false
}
