package usbdlib

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"

	"github.com/tarndt/ubiblk/pkg/util/consterr"
)

//RecommendWorkerCount returns a empircally derived heuristic for the optimal
// number of work goroutines on this machine
func RecommendWorkerCount() int {
	return runtime.NumCPU() * 6
}

//reqProcessor reads requests from the NBD command stream (typically the
// socket of a *NbdStream), executes them against the provided read-only Device and then
// writes responses back to the command stream.
type reqProcessor struct {
	geo               nbdGeometry
	cmdStrm           io.ReadWriteCloser
	dev               Device
	reqQueue          chan *request
	respQueue         chan *response
	reqPool, respPool sync.Pool

	ctx       context.Context
	ctxCancel context.CancelFunc
	workersWg sync.WaitGroup
}

func processRequests(ctx context.Context, cmdStrm io.ReadWriteCloser, device Device, geo nbdGeometry, workerCount int) error {
	ctx, cancel := context.WithCancel(ctx)

	this := &reqProcessor{
		geo:       geo,
		cmdStrm:   cmdStrm,
		dev:       device,
		reqQueue:  make(chan *request, 64),
		respQueue: make(chan *response, 32),
		reqPool:   sync.Pool{New: newRequest},
		respPool:  sync.Pool{New: newResponse},
		ctx:       ctx,
		ctxCancel: cancel,
	}
	go this.readStrmWorker()
	go this.writeStrmWorker()

	if workerCount < 1 {
		workerCount = RecommendWorkerCount()
	}
	if workerCount -= 2; workerCount < 1 {
		workerCount = 1
	}
	this.workersWg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go this.reqIOWorker()
	}

	//Shutdown
	<-ctx.Done()          //readStrmWorker is checking this and will close this.reqQueue killing IO workers
	this.workersWg.Wait() //All IO workers have shutdown
	close(this.respQueue) //Kills writeStrmWorker
	if err := this.dev.Close(); err != nil {
		return fmt.Errorf("Could not close userspace device: %w", err)
	}
	return nil
}

func (proc *reqProcessor) readStrmWorker() {
	defer close(proc.reqQueue)

	bufStrm := bufio.NewReaderSize(proc.cmdStrm, 16*1024*1024)
	var req *request
	var err error
	for {
		if err = proc.ctx.Err(); err != nil {
			return
		}

		req = proc.reqPool.Get().(*request)
		if err = req.Decode(bufStrm); err != nil {
			if proc.ctx.Err() != nil {
				return
			}
			log.Printf("ReqProcessor::readWorker(): Decode failed; Details: %s", err)
			if err = proc.cmdStrm.Close(); err != nil {
				log.Printf("ReqProcessor::readWorker(): Could not close command stream; Details: %s", err)
			}
			proc.ctxCancel()
			return
		}
		if req.reqType == nbdDisconnect {
			proc.ctxCancel()
			return
		}
		proc.reqQueue <- req
	}
}

func (proc *reqProcessor) writeStrmWorker() {
	var resp *response
	var open bool
	var err error

	bufStrm := bufio.NewWriterSize(proc.cmdStrm, 16*1024*1024)
	defer bufStrm.Flush()

	reply := func(resp *response) {
		if err = resp.Write(bufStrm); err != nil {
			log.Printf("ReqProcessor::writeWorker(): Response reply failed; Details: %s", err)
			proc.ctxCancel()
		}
		proc.respPool.Put(resp)
	}

	for {
		select {
		case resp, open = <-proc.respQueue:
			if !open {
				return
			}
			reply(resp)

		default:
			if err = bufStrm.Flush(); err != nil {
				log.Printf("ReqProcessor::writeWorker(): Flushing buffered replies failed; Details: %s", err)
				proc.ctxCancel()
			}

			if resp, open = <-proc.respQueue; !open {
				return
			}
			reply(resp)
		}
	}
}

func (proc *reqProcessor) reqIOWorker() {
	defer proc.workersWg.Done()

	var req *request
	var resp *response
	for req = range proc.reqQueue {
		resp = proc.execute(req, proc.respPool.Get().(*response))
		proc.reqPool.Put(req)
		proc.respQueue <- resp
	}
}

//execute serves reads from the device, the export is read-only so writes and
// trims are refused with EPERM and flushes trivially succeed
func (proc *reqProcessor) execute(req *request, resp *response) *response {
	if resp == nil {
		resp = new(response)
	}

	var err error
	var errCode nbdErr

	switch req.reqType {
	case nbdRead:
		if err = req.checkRead(proc.geo); err != nil {
			errCode = ndbRespErrInvalid
			break
		}

		var n int
		n, err = proc.dev.ReadAt(resp.readBuffer(req), req.pos)
		switch {
		case err == io.EOF && n == req.count:
			err = nil
		case err != nil:
			errCode = ndbRespErrIO
		}

	case nbdWrite, nbdTrim:
		err = fmt.Errorf("Device is read-only: %w", consterr.ErrReadOnly)
		errCode = ndbRespErrPerms

	case nbdFlush:

	default:
		errCode = ndbRespErrInvalid
		err = fmt.Errorf("Assertion failed: Unknown NBD request type: %d", req.reqType)
	}

	if err != nil {
		log.Printf("ReqProcessor::execute(): WARNING: Request(type = %d, pos = %d, count = %d) and will return %s. Failure was: %s", req.reqType, req.pos, req.count, errCode, err)
	}
	resp.Set(req, errCode)
	return resp
}
