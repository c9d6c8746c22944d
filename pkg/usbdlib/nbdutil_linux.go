package usbdlib

import (
	"fmt"
)

/*
#include <linux/ioctl.h> //needed for _IO macro in nbd.h
#include <linux/nbd.h> //struct nbd_request, struct nbd_reply
#include <unistd.h> //size_t
#include <netinet/in.h> //htonl

const size_t sizeofNdbReq = sizeof(struct nbd_request);
const size_t sizeofNdbResp = sizeof(struct nbd_reply);
struct nbd_reply dummyReply;
const int ndbHandleLen = sizeof(dummyReply.handle);


#if defined NBD_SET_FLAGS && defined NBD_FLAG_READ_ONLY
	const int ndbFlagsSupported = 1;
	const unsigned long ndbReadOnlyFlags = NBD_FLAG_HAS_FLAGS | NBD_FLAG_READ_ONLY;
#else
	const int ndbFlagsSupported = 0;
	const unsigned long ndbReadOnlyFlags = 0;
#endif

*/
import "C"

const (
	//ioctl constants
	nbdSetBlockSize  = uintptr(C.NBD_SET_BLKSIZE)
	nbdSetSizeBlocks = uintptr(C.NBD_SET_SIZE_BLOCKS)
	ndbClearSock     = uintptr(C.NBD_CLEAR_SOCK)
	nbdSetSock       = uintptr(C.NBD_SET_SOCK)
	nbdSetFlags      = uintptr(C.NBD_SET_FLAGS)
	nbdDoIt          = uintptr(C.NBD_DO_IT)
	nbdClearQueue    = uintptr(C.NBD_CLEAR_QUE)
	ndbDisconnect    = uintptr(C.NBD_DISCONNECT)

	//NBD commands
	nbdRead       = uint32(C.NBD_CMD_READ)
	nbdWrite      = uint32(C.NBD_CMD_WRITE)
	nbdDisconnect = uint32(C.NBD_CMD_DISC)
	nbdFlush      = uint32(C.NBD_CMD_FLUSH)
	nbdTrim       = uint32(C.NBD_CMD_TRIM)

	//NBD reply error numbers, the only ones this read-only server sends
	nbdRespSuccess    = nbdErr(0)
	ndbRespErrPerms   = nbdErr(1)  //EPERM: writes and trims
	ndbRespErrIO      = nbdErr(5)  //EIO: the device read failed
	ndbRespErrInvalid = nbdErr(22) //EINVAL: misaligned, out of bounds or unknown request
)

//nbdErr is the errno an NBD reply carries
type nbdErr uint32

var nbdErrDescs = map[nbdErr]string{
	ndbRespErrPerms:   "Operation not permitted",
	ndbRespErrIO:      "Input/output error",
	ndbRespErrInvalid: "Invalid argument",
}

func (err nbdErr) Error() string {
	if err == nbdRespSuccess {
		return "Not an error!"
	}
	desc, known := nbdErrDescs[err]
	if !known {
		desc = "Unknown (likely invalid) error"
	}
	return fmt.Sprintf("NBD Error #%d: %s", uint32(err), desc)
}

var (
	//Sizes of communication structs
	ndbReqBytes  = int(C.sizeofNdbReq)
	ndbRespBytes = int(C.sizeofNdbResp)
	ndbHandleLen = int(C.ndbHandleLen)
	//Magic numbers
	nbdReqMagic   = uint32(C.htonl(C.uint32_t(C.NBD_REQUEST_MAGIC)))
	nbdReplyMagic = uint32(C.htonl(C.uint32_t(C.NBD_REPLY_MAGIC)))
	//NBD features
	ndbFlagsSupported bool = C.ndbFlagsSupported == 1
	nbdReadOnlyFlags       = uintptr(C.ndbReadOnlyFlags)
)

func newNbdRawReq() []byte {
	return make([]byte, ndbReqBytes)
}

func newNbdRawResp() []byte {
	return make([]byte, ndbRespBytes)
}

func newNbdHandle() []byte {
	return make([]byte, ndbHandleLen)
}
