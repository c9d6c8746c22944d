package conf

import (
	"flag"
	"path/filepath"
	"testing"

	"github.com/tarndt/ubiblk/pkg/ubi"
	"github.com/tarndt/ubiblk/pkg/ubi/image"

	"github.com/dustin/go-humanize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Parse("ubiblkd", []string{"-store-dir=" + dir, "-volume=rootfs", "/dev/nbd3"})
	require.NoError(t, err)

	assert.Equal(t, "/dev/nbd3", cfg.NBDDevName)
	assert.Equal(t, "rootfs", cfg.Volume)
	assert.Equal(t, ubi.Geometry{PEBSize: 128 * humanize.KiByte, HeaderBytes: 4 * humanize.KiByte}, cfg.Geometry())
	assert.Equal(t, Capacity(64*humanize.MiByte), cfg.ImageBytes)
	assert.Equal(t, filepath.Join(dir, "flash.img"), cfg.ImagePath())
	assert.Equal(t, filepath.Join(dir, "flash.vtbl"), cfg.VolumeTablePath())
	assert.False(t, cfg.Fetch || cfg.Publish)
	assert.Contains(t, cfg.String(), `exporting volume "rootfs" as /dev/nbd3`)
}

func TestParseRemote(t *testing.T) {
	cfg, err := Parse("ubiblkd", []string{
		"-store-dir=" + t.TempDir(), "-list", "-remote-publish",
		"-remote-compress=s2", "-remote-partsize=1MiB",
		"-add-volume=a:1MiB", "-add-volume=b:2MiB",
	})
	require.NoError(t, err)

	assert.True(t, cfg.Publish)
	assert.Equal(t, image.CompressS2, cfg.Compression)
	assert.Equal(t, Capacity(humanize.MiByte), cfg.PartBytes)
	assert.NotZero(t, cfg.Concurrency)
	assert.Len(t, cfg.AddVolumes, 2)
	assert.Equal(t, "minioadmin", cfg.Config["access_key_id"])
	assert.NotContains(t, cfg.String(), `secret_key="minioadmin"`)
	assert.Contains(t, cfg.String(), "secret_key=<REDACTED>")
}

func TestParseErrors(t *testing.T) {
	dir := t.TempDir()
	for _, args := range [][]string{
		{"-store-dir=" + dir},
		{"-store-dir=" + filepath.Join(dir, "missing"), "-list"},
		{"-store-dir=" + dir, "-list", "-store-name="},
		{"-store-dir=" + dir, "-list", "-peb-size=4KiB", "-peb-header=4KiB"},
		{"-store-dir=" + dir, "-list", "-store-size=100KiB"},
		{"-store-dir=" + dir, "-list", "-ubi=-1"},
		{"-store-dir=" + dir, "-list", "-remote-fetch", "-remote-compress=lzma"},
		{"-store-dir=" + dir, "-list", "-remote-fetch", "-remote-kind=ftp"},
		{"-store-dir=" + dir, "-list", "-remote-fetch", "-remote-cfg={"},
		{"-store-dir=" + dir, "-add-volume=nosize"},
	} {
		_, err := Parse("ubiblkd", args)
		assert.Error(t, err, "%v", args)
	}

	_, err := Parse("ubiblkd", []string{"-help"})
	assert.ErrorIs(t, err, flag.ErrHelp)
}
