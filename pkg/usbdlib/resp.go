package usbdlib

import (
	"encoding/binary"
	"fmt"
	"io"
)

//response is an NBD simple reply, protocol details: https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#simple-reply-message
type response struct {
	header  []byte //magic(4) error(4) handle
	data    []byte
	reqType uint32
	errCode nbdErr
}

func newResponse() interface{} {
	return &response{header: newNbdRawResp()}
}

//Set encodes the reply header answering req
func (resp *response) Set(req *request, errCode nbdErr) {
	resp.reqType, resp.errCode = req.reqType, errCode
	binary.LittleEndian.PutUint32(resp.header, nbdReplyMagic)
	binary.BigEndian.PutUint32(resp.header[4:], uint32(errCode))
	copy(resp.header[8:], req.handle)
}

//readBuffer returns the data buffer sized for read request req
func (resp *response) readBuffer(req *request) []byte {
	if cap(resp.data) < req.count {
		resp.data = make([]byte, req.count)
	}
	resp.data = resp.data[:req.count]
	return resp.data
}

//payload follows the header, only successful reads have one
func (resp *response) payload() []byte {
	if resp.reqType != nbdRead || resp.errCode != nbdRespSuccess {
		return nil
	}
	return resp.data
}

func (resp *response) Write(strm io.Writer) error {
	if _, err := strm.Write(resp.header); err != nil {
		return fmt.Errorf("Could not write reply header to response stream: %w", err)
	}
	if data := resp.payload(); len(data) > 0 {
		if _, err := strm.Write(data); err != nil {
			return fmt.Errorf("Could not write %d bytes read to response stream: %w", len(data), err)
		}
	}
	return nil
}
