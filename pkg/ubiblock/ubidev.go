//Package ubiblock exposes UBI volumes as read-only block devices. A
// FlashRegistry tracks the UBI devices in use and a Manager keeps at most one
// BlockDevice per (UBI device, volume) pair.
package ubiblock

import (
	"fmt"
	"sync"

	"github.com/tarndt/ubiblk/pkg/devreg"
	"github.com/tarndt/ubiblk/pkg/ubi"
)

//Driver names devices are bound with
const (
	FlashDriverName = "ubi"
	BlockDriverName = "ubi_block"
)

//FlashRegistry finds or creates the registry entry of a UBI device
type FlashRegistry struct {
	mu    sync.Mutex
	layer ubi.Layer
	reg   *devreg.Registry
}

//NewFlashRegistry constructs a FlashRegistry over layer whose entries are bound in reg
func NewFlashRegistry(layer ubi.Layer, reg *devreg.Registry) *FlashRegistry {
	return &FlashRegistry{layer: layer, reg: reg}
}

//Layer returns the flash layer entries hold references on
func (fr *FlashRegistry) Layer() ubi.Layer { return fr.layer }

//Registry returns the device registry entries are bound in
func (fr *FlashRegistry) Registry() *devreg.Registry { return fr.reg }

//Get returns the entry for UBI device num, binding a new one if none exists.
// Each entry holds exactly one reference on its UBI device.
func (fr *FlashRegistry) Get(num int) (*FlashDevice, error) {
	name := ubi.DeviceName(num)
	op := "get " + name

	fr.mu.Lock()
	defer fr.mu.Unlock()

	dev, err := fr.layer.GetDevice(num)
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrNotFound, Err: err}
	}

	if node := fr.reg.Find(name); node != nil {
		fr.layer.PutDevice(dev)
		if flash, isFlash := node.Driver().(*FlashDevice); isFlash {
			return flash, nil
		}
		return nil, &Error{Op: op, Kind: ErrBind, Err: fmt.Errorf("Name is in use by %s: %w", node, devreg.ErrExists)}
	}

	flash := &FlashDevice{num: num, layer: fr.layer, dev: dev}
	if flash.node, err = fr.reg.Bind(nil, devreg.ClassUBI, FlashDriverName, name, flash); err != nil {
		fr.layer.PutDevice(dev)
		return nil, &Error{Op: op, Kind: ErrBind, Err: err}
	}
	return flash, nil
}

//Find returns the entry for UBI device num or nil without acquiring anything
func (fr *FlashRegistry) Find(num int) *FlashDevice {
	node := fr.reg.Find(ubi.DeviceName(num))
	if node == nil {
		return nil
	}
	flash, _ := node.Driver().(*FlashDevice)
	return flash
}

//Put unbinds the entry of UBI device num, and with it every block device
// built on it, releasing its reference. A missing entry is not an error.
func (fr *FlashRegistry) Put(num int) error {
	flash := fr.Find(num)
	if flash == nil {
		return nil
	}
	if err := fr.reg.Unbind(flash.node); err != nil {
		return fmt.Errorf("Could not put %s: %w", flash.Name(), err)
	}
	return nil
}

//FlashDevice is the registry entry of a UBI device
type FlashDevice struct {
	num   int
	layer ubi.Layer
	node  *devreg.Node

	mu  sync.Mutex
	dev ubi.Device
}

var _ devreg.Driver = (*FlashDevice)(nil)

//Num is the UBI device number
func (flash *FlashDevice) Num() int { return flash.num }

//Name is the canonical name of the UBI device
func (flash *FlashDevice) Name() string { return ubi.DeviceName(flash.num) }

//Node is the registry node the entry is bound to
func (flash *FlashDevice) Node() *devreg.Node { return flash.node }

//Device returns the held UBI device reference, nil once unbound
func (flash *FlashDevice) Device() ubi.Device {
	flash.mu.Lock()
	defer flash.mu.Unlock()

	return flash.dev
}

//Unbind releases the held reference, it is called by the registry and is
// harmless to repeat
func (flash *FlashDevice) Unbind() error {
	flash.mu.Lock()
	defer flash.mu.Unlock()

	if flash.dev != nil {
		flash.layer.PutDevice(flash.dev)
		flash.dev = nil
	}
	return nil
}
