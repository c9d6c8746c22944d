package conf

import (
	"fmt"
	"strings"

	"github.com/tarndt/ubiblk/pkg/ubi"

	"github.com/dustin/go-humanize"
)

//VolumeSpec describes a volume to add to the image, optionally seeded with
// the contents of SourceFile
type VolumeSpec struct {
	Name       string
	Bytes      Capacity
	SourceFile string
}

//ParseVolumeSpec parses name:size[:srcfile]
func ParseVolumeSpec(str string) (VolumeSpec, error) {
	parts := strings.SplitN(str, ":", 3)
	if len(parts) < 2 {
		return VolumeSpec{}, fmt.Errorf("Volume %q is not of the form name:size[:srcfile]", str)
	}

	spec := VolumeSpec{Name: parts[0]}
	switch {
	case spec.Name == "":
		return spec, fmt.Errorf("Volume %q has no name", str)
	case len(spec.Name) > ubi.MaxVolumeNameLen:
		return spec, fmt.Errorf("Volume name %q is longer than %d bytes", spec.Name, ubi.MaxVolumeNameLen)
	}
	if err := spec.Bytes.Set(parts[1]); err != nil {
		return spec, fmt.Errorf("Volume %q size: %w", spec.Name, err)
	} else if spec.Bytes < 1 {
		return spec, fmt.Errorf("Volume %q must have a positive size", spec.Name)
	}
	if len(parts) == 3 {
		spec.SourceFile = parts[2]
	}
	return spec, nil
}

func (vs VolumeSpec) String() string {
	str := fmt.Sprintf("%s:%s", vs.Name, humanize.IBytes(uint64(vs.Bytes)))
	if vs.SourceFile != "" {
		str += ":" + vs.SourceFile
	}
	return str
}

//VolumeSpecs is a repeatable flag.Value of VolumeSpec
type VolumeSpecs []VolumeSpec

//String is used by the flag package, see: flag.Value interface
func (vss *VolumeSpecs) String() string {
	if vss == nil {
		return ""
	}
	strs := make([]string, len(*vss))
	for i, vs := range *vss {
		strs[i] = vs.String()
	}
	return strings.Join(strs, ",")
}

//Set is used by the flag package, see: flag.Value interface
func (vss *VolumeSpecs) Set(str string) error {
	spec, err := ParseVolumeSpec(str)
	if err != nil {
		return err
	}
	for _, existing := range *vss {
		if existing.Name == spec.Name {
			return fmt.Errorf("Volume %q was specified more than once", spec.Name)
		}
	}
	*vss = append(*vss, spec)
	return nil
}
