package usbdlib

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
)

//nbdCmdMask strips command flags (ex. FUA) from the upper half of a request type
const nbdCmdMask = 0xffff

//request is a decoded NBD request, protocol details: https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#request-message
type request struct {
	rawReq  []byte
	reqType uint32
	handle  []byte
	pos     int64
	count   int
}

func newRequest() interface{} {
	return &request{
		rawReq: newNbdRawReq(),
		handle: newNbdHandle(),
	}
}

//Decode the next request from strm. The export is read-only so the payload of
// a write is discarded, it is only consumed to keep the stream in sync.
func (req *request) Decode(strm io.Reader) error {
	if _, err := io.ReadFull(strm, req.rawReq); err != nil {
		return fmt.Errorf("Could not read request data: %w", err)
	}

	//Layout: magic(4) type(4) handle pos(8) count(4)
	raw := req.rawReq
	if magic := binary.LittleEndian.Uint32(raw); magic != nbdReqMagic {
		return fmt.Errorf("Request did not have correct magic number: %#x", magic)
	}
	req.reqType = binary.BigEndian.Uint32(raw[4:]) & nbdCmdMask
	raw = raw[8+copy(req.handle, raw[8:]):]
	req.pos = int64(binary.BigEndian.Uint64(raw))
	req.count = int(binary.BigEndian.Uint32(raw[8:]))

	if req.reqType == nbdWrite {
		if _, err := io.CopyN(ioutil.Discard, strm, int64(req.count)); err != nil {
			return fmt.Errorf("Could not drain %d byte payload of refused write: %w", req.count, err)
		}
	}
	return nil
}

//checkRead verifies a read is block aligned and inside the export
func (req *request) checkRead(geo nbdGeometry) error {
	count := int64(req.count)
	switch {
	case req.pos < 0 || req.pos%geo.blockSize != 0 || count%geo.blockSize != 0:
		return fmt.Errorf("Read of %d bytes at %d is not aligned to %d byte blocks", req.count, req.pos, geo.blockSize)
	case req.pos > geo.size() || count > geo.size()-req.pos:
		return fmt.Errorf("Read of %d bytes at %d extends past the end of a %d byte export", req.count, req.pos, geo.size())
	}
	return nil
}
