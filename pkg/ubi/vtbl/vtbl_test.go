package vtbl

import (
	"errors"
	"testing"

	"github.com/tarndt/ubiblk/pkg/ubi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	dir := t.TempDir()
	vols := []ubi.VolumeInfo{
		{ID: 1, Name: "rootfs", FirstPEB: 4, ReservedPEBs: 20},
		{ID: 0, Name: "kernel", FirstPEB: 0, ReservedPEBs: 4},
		{ID: 2, Name: "data", FirstPEB: 24, ReservedPEBs: 8},
	}
	geo := ubi.Geometry{PEBSize: 128 * 1024, HeaderBytes: 4096}

	st, err := Open(dir)
	require.NoError(t, err)

	_, found, err := st.Geometry()
	require.NoError(t, err)
	assert.False(t, found)

	for _, info := range vols {
		require.NoError(t, st.Put(info))
	}
	require.NoError(t, st.PutGeometry(geo))
	require.Error(t, st.Put(ubi.VolumeInfo{ID: 3, ReservedPEBs: 1}), "nameless volume must be rejected")

	require.NoError(t, st.Delete("data"))
	require.NoError(t, st.Delete("data"))
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	st, err = Open(dir)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.List()
	require.NoError(t, err)
	assert.Equal(t, []ubi.VolumeInfo{vols[1], vols[0]}, got)

	info, err := st.Get("rootfs")
	require.NoError(t, err)
	assert.Equal(t, vols[0], info)

	_, err = st.Get("data")
	assert.True(t, errors.Is(err, ErrNotFound), "unexpected error: %v", err)

	gotGeo, found, err := st.Geometry()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, geo, gotGeo)
}
