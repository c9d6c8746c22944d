package usbdlib

import (
	"bufio"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pmorjan/kmod"
	"golang.org/x/sys/unix"
)

//Where the NBD kernel module and its devices are inspected
const (
	nbdModName  = "nbd"
	procModules = "/proc/modules"
	procDevices = "/proc/devices"
	sysBlockDir = "/sys/block"
	devDir      = "/dev"
)

//selectNbdDev returns the first usable device of cfg.devPaths or, when none
// were provided, the first free NBD device, loading the module if needed
func selectNbdDev(cfg exportOpts) (string, error) {
	if len(cfg.devPaths) < 1 {
		if err := ensureNbdModule(cfg.maxDevices); err != nil {
			return "", err
		}
		return freeNbdDev()
	}

	if loaded, live, err := nbdModuleState(); err != nil {
		return "", err
	} else if !loaded || !live {
		return "", fmt.Errorf("The %s kernel module is not loaded and live so none of %s can be an NBD", nbdModName, strings.Join(cfg.devPaths, ", "))
	}
	major, err := nbdMajor()
	if err != nil {
		return "", err
	}

	failures := make([]string, 0, len(cfg.devPaths))
	for _, devPath := range cfg.devPaths {
		if err = checkNbdDev(devPath, major); err == nil {
			return devPath, nil
		}
		failures = append(failures, err.Error())
	}
	return "", fmt.Errorf("Could not use any provided NBD device: %s", strings.Join(failures, "; "))
}

//nbdModuleState reports if the NBD module is listed in /proc/modules and if it is live
func nbdModuleState() (loaded, live bool, err error) {
	fin, err := os.Open(procModules)
	if err != nil {
		return false, false, fmt.Errorf("Could not open %q to list kernel modules: %w", procModules, err)
	}
	defer fin.Close()

	//Lines are: name size refcount dependencies state address
	lines := bufio.NewScanner(fin)
	for lines.Scan() {
		if fields := strings.Fields(lines.Text()); len(fields) > 4 && fields[0] == nbdModName {
			return true, fields[4] == "Live", nil
		}
	}
	if err = lines.Err(); err != nil {
		return false, false, fmt.Errorf("Could not read %q to list kernel modules: %w", procModules, err)
	}
	return false, false, nil
}

func ensureNbdModule(maxDevices uint) error {
	loaded, live, err := nbdModuleState()
	switch {
	case err != nil:
		return err
	case loaded && live:
		return nil
	case loaded:
		return fmt.Errorf("The %s kernel module is loaded but is not live", nbdModName)
	case maxDevices < 1:
		return fmt.Errorf("Loading the %s kernel module with no devices provisioned is pointless", nbdModName)
	}

	loader, err := kmod.New()
	if err != nil {
		return fmt.Errorf("Could not construct kernel module loader: %w", err)
	}
	if err = loader.Load(nbdModName, fmt.Sprintf("nbds_max=%d", maxDevices), 0); err != nil {
		if errors.Is(err, kmod.ErrModuleNotFound) || errors.Is(err, kmod.ErrModuleInUse) {
			return fmt.Errorf("Could not load kernel module %q: %w", nbdModName, err)
		}
		return fmt.Errorf("Could not load kernel module %q, this needs root or the cap_sys_module capability (ex. \"sudo setcap cap_sys_module+ep %s\"): %w",
			nbdModName, os.Args[0], err)
	}

	if loaded, live, err = nbdModuleState(); err != nil {
		return err
	} else if !loaded || !live {
		return fmt.Errorf("The %s kernel module was loaded but is not live", nbdModName)
	}
	return nil
}

//nbdMajor finds the block device major number of NBD in /proc/devices
func nbdMajor() (int, error) {
	fin, err := os.Open(procDevices)
	if err != nil {
		return -1, fmt.Errorf("Could not open %q to find device major numbers: %w", procDevices, err)
	}
	defer fin.Close()

	var blockSection bool
	lines := bufio.NewScanner(fin)
	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		if strings.HasSuffix(line, ":") {
			blockSection = line == "Block devices:"
			continue
		}
		if fields := strings.Fields(line); blockSection && len(fields) == 2 && fields[1] == nbdModName {
			major, err := strconv.Atoi(fields[0])
			if err != nil {
				return -1, fmt.Errorf("Could not parse %s major number entry %q of %q: %w", nbdModName, line, procDevices, err)
			}
			return major, nil
		}
	}
	if err = lines.Err(); err != nil {
		return -1, fmt.Errorf("Could not read %q to find device major numbers: %w", procDevices, err)
	}
	return -1, fmt.Errorf("%q has no block device entry for %s", procDevices, nbdModName)
}

//checkNbdDev verifies devPath is an NBD block device that is not connected
func checkNbdDev(devPath string, major int) error {
	var fstat unix.Stat_t
	if err := unix.Stat(devPath, &fstat); err != nil {
		return fmt.Errorf("Could not stat %q: %w", devPath, err)
	}
	if fstat.Mode&unix.S_IFMT != unix.S_IFBLK {
		return fmt.Errorf("%q is not a block device", devPath)
	}
	if actual := int(unix.Major(uint64(fstat.Rdev))); actual != major {
		return fmt.Errorf("%q has device major number %d rather than %s's %d", devPath, actual, nbdModName, major)
	}

	sysDir := filepath.Join(sysBlockDir, filepath.Base(devPath))
	if _, err := os.Stat(filepath.Join(sysDir, "pid")); err == nil {
		return fmt.Errorf("%q is already connected to a server", devPath)
	}
	sectors, err := readSysfsInt(filepath.Join(sysDir, "size"))
	switch {
	case err != nil:
		return fmt.Errorf("Could not determine if %q is in use: %w", devPath, err)
	case sectors > 0:
		return fmt.Errorf("%q has a size of %d sectors so it may be in use", devPath, sectors)
	}
	return nil
}

func readSysfsInt(path string) (int64, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("Could not read %q: %w", path, err)
	}
	val, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("Could not parse %q: %w", path, err)
	}
	return val, nil
}

func freeNbdDev() (string, error) {
	major, err := nbdMajor()
	if err != nil {
		return "", err
	}
	entries, err := ioutil.ReadDir(sysBlockDir)
	if err != nil {
		return "", fmt.Errorf("Could not list block devices in %q: %w", sysBlockDir, err)
	}

	var devCount int
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), nbdModName) {
			continue
		}
		devCount++
		if devPath := filepath.Join(devDir, entry.Name()); checkNbdDev(devPath, major) == nil {
			return devPath, nil
		}
	}
	return "", fmt.Errorf("None of %d NBD devices found were free", devCount)
}
