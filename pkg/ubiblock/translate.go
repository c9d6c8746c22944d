package ubiblock

import (
	"fmt"

	"github.com/tarndt/ubiblk/pkg/ubi"
)

//translate fills buf with the bytes of vol's flat address space starting at
// pos. Reads are split so none crosses a LEB boundary and the first failing
// read aborts the request.
func translate(vol ubi.Volume, lebSize int, pos int64, buf []byte) error {
	leb := pos / int64(lebSize)
	offset := int(pos % int64(lebSize))

	for cursor := 0; cursor < len(buf); {
		chunk := len(buf) - cursor
		if offset+chunk > lebSize {
			chunk = lebSize - offset
		}

		if err := vol.Read(int(leb), buf[cursor:cursor+chunk], offset); err != nil {
			return fmt.Errorf("LEB %d read of %d bytes at offset %d failed: %w", leb, chunk, offset, err)
		}
		cursor += chunk
		leb++
		offset = 0
	}
	return nil
}
