package usbdlib

//DefMaxNBDDevices if the NBD Linux kernel module is loaded and the user does
// not provide the number of NBD devices to allocate, this many are created.
// Important: The NBD kernel module does not support dynamic device creation after
// load via udev or mknod!
const DefMaxNBDDevices = 32

//Option is an NBD export option of NewNbdHandler
type Option interface {
	apply(cfg *exportOpts)
}

type exportOpts struct {
	devPaths   []string
	maxDevices uint
	workers    int
}

func newExportOpts(opts []Option) exportOpts {
	cfg := exportOpts{maxDevices: DefMaxNBDDevices, workers: RecommendWorkerCount()}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return cfg
}

//OptDevPaths are existing NBD device files (ex. /dev/nbd3) to try in order,
// empty paths are ignored. Without any the first free NBD device is used.
type OptDevPaths []string

func (paths OptDevPaths) apply(cfg *exportOpts) {
	for _, path := range paths {
		if path != "" {
			cfg.devPaths = append(cfg.devPaths, path)
		}
	}
}

//OptMaxDevices is how many NBD devices to provision if the NBD kernel module
// has to be loaded
type OptMaxDevices uint

func (count OptMaxDevices) apply(cfg *exportOpts) {
	if count > 0 {
		cfg.maxDevices = uint(count)
	}
}

//OptWorkers is the number of request processing goroutines
type OptWorkers int

func (count OptWorkers) apply(cfg *exportOpts) {
	if count > 0 {
		cfg.workers = int(count)
	}
}
