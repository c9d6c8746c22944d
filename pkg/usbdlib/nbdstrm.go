package usbdlib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
)

//NbdStream exports a read-only Device through a kernel network block device
// (NBD). The kernel talks to it over one end of a socket pair, the embedded
// net.Conn is the other end.
type NbdStream struct {
	net.Conn
	dev     Device
	devPath string
	geo     nbdGeometry
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error //teardown result, closed once teardown finishes

	closeOnce sync.Once
	closeErr  error
}

//NewNbdHandler exports dev read-only through an NBD chosen per opts and
// returns the path of that NBD (ex. /dev/nbd0)
func NewNbdHandler(ctx context.Context, dev Device, opts ...Option) (*NbdStream, string, error) {
	cfg := newExportOpts(opts)

	geo, err := exportGeometry(dev)
	if err != nil {
		return nil, "", fmt.Errorf("Could not export device: %w", err)
	}
	devPath, err := selectNbdDev(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("Could not find an NBD to export device through: %w", err)
	}

	strm, err := attachNbd(ctx, dev, devPath, geo, cfg.workers)
	if err != nil {
		return nil, devPath, err
	}
	return strm, devPath, nil
}

func attachNbd(ctx context.Context, dev Device, devPath string, geo nbdGeometry, workers int) (*NbdStream, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("Could not create socket pair: %w", err)
	}
	userFd, kernelFd := fds[0], fds[1]

	//ioctls need write access to the NBD itself, the export is still read-only
	devFile, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		syscall.Close(userFd)
		syscall.Close(kernelFd)
		return nil, fmt.Errorf("Could not open NBD device file %q: %w", devPath, err)
	}
	abort := func(err error) (*NbdStream, error) {
		devFile.Close()
		syscall.Close(kernelFd)
		return nil, err
	}

	userFile := os.NewFile(uintptr(userFd), devPath+"-user-socket")
	conn, err := net.FileConn(userFile) //dups userFd
	userFile.Close()
	if err != nil {
		return abort(fmt.Errorf("Could not create command socket: %w", err))
	}
	if err = configureNbd(devFile, geo, kernelFd); err != nil {
		conn.Close()
		return abort(fmt.Errorf("Could not configure NBD %q: %w", devPath, err))
	}

	ctx, cancel := context.WithCancel(ctx)
	strm := &NbdStream{
		Conn:    conn,
		dev:     dev,
		devPath: devPath,
		geo:     geo,
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go strm.serve(devFile, kernelFd)

	//Opening the NBD again makes the kernel rescan its partition table
	if scan, err := os.OpenFile(devPath, os.O_RDONLY, 0); err != nil {
		strm.Close()
		return nil, fmt.Errorf("NBD %q partition scan open failed: %w", devPath, err)
	} else if err = scan.Close(); err != nil {
		strm.Close()
		return nil, fmt.Errorf("NBD %q partition scan close failed: %w", devPath, err)
	}
	return strm, nil
}

type nbdIoctl struct {
	desc     string
	req, arg uintptr
}

func (ioc nbdIoctl) on(devFile *os.File) error {
	if _, _, err := sysCall(syscall.SYS_IOCTL, devFile.Fd(), ioc.req, ioc.arg); err != nil {
		return fmt.Errorf("Could not %s: %w", ioc.desc, err)
	}
	return nil
}

func configureNbd(devFile *os.File, geo nbdGeometry, kernelFd int) error {
	ioctls := []nbdIoctl{
		{fmt.Sprintf("set NBD block size to %d", geo.blockSize), nbdSetBlockSize, uintptr(geo.blockSize)},
		{fmt.Sprintf("set NBD size to %d blocks", geo.blocks), nbdSetSizeBlocks, uintptr(geo.blocks)},
		{"clear NBD socket", ndbClearSock, 0},
		{"give NBD its socket", nbdSetSock, uintptr(kernelFd)},
	}
	//Without flags support the kernel forwards writes and they are refused with EPERM
	if ndbFlagsSupported {
		ioctls = append(ioctls, nbdIoctl{"mark NBD read-only", nbdSetFlags, nbdReadOnlyFlags})
	}

	for _, ioc := range ioctls {
		if err := ioc.on(devFile); err != nil {
			return err
		}
	}
	return nil
}

//serve runs NBD_DO_IT until the kernel disconnects or the stream is closed and
// then resets the NBD
func (strm *NbdStream) serve(devFile *os.File, kernelFd int) {
	doItDone := make(chan error, 1)
	go func() {
		_, _, err := sysCall(syscall.SYS_IOCTL, devFile.Fd(), nbdDoIt, 0) //blocks while connected
		doItDone <- err
		strm.cancel()
	}()

	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	var doItErr error
	select {
	case doItErr = <-doItDone:
	case <-strm.ctx.Done():
		collect(nbdIoctl{"clear NBD queue", nbdClearQueue, 0}.on(devFile))
		collect(nbdIoctl{"disconnect NBD", ndbDisconnect, 0}.on(devFile))
		doItErr = <-doItDone
	}
	if doItErr != nil {
		collect(fmt.Errorf("NBD \"do it\" failed: %w", doItErr))
	}
	collect(nbdIoctl{"clear NBD socket", ndbClearSock, 0}.on(devFile))

	if err := devFile.Close(); err != nil {
		collect(fmt.Errorf("Could not close NBD device file: %w", err))
	}
	if err := syscall.Close(kernelFd); err != nil {
		collect(fmt.Errorf("Could not close kernel side socket: %w", err))
	}

	if len(errs) > 0 {
		strm.done <- fmt.Errorf("NBD %q teardown: %s", strm.devPath, strings.Join(errs, "; "))
	}
	close(strm.done)
}

//Close disconnects the NBD and waits for its teardown. It is safe to call more than once.
func (strm *NbdStream) Close() error {
	strm.closeOnce.Do(func() {
		strm.cancel()
		strm.closeErr = <-strm.done
		if err := strm.Conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("NbdStream::Close(): WARNING: Could not close command socket of %q; Details: %s", strm.devPath, err)
		}
	})
	return strm.closeErr
}

//ProcessRequests serves the kernel's requests until the NBD disconnects or
// Close is called, so you may want to run this in a secondary goroutine. The
// Device is closed on return.
func (strm *NbdStream) ProcessRequests() error {
	log.Printf("NbdStream::ProcessRequests(): Serving %s read-only on %q", strm.geo, strm.devPath)
	return processRequests(strm.ctx, strm.Conn, strm.dev, strm.geo, strm.workers)
}

func sysCall(trap, a1, a2, a3 uintptr) (r1, r2 uintptr, err error) {
	var errNo syscall.Errno
	r1, r2, errNo = syscall.Syscall(trap, a1, a2, a3)
	if errNo != 0 {
		err = errNo
	}
	return
}
