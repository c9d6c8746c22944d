//Package devreg is a small device model: named devices of a class bound to a
// driver, arranged in a parent/child tree, with block devices additionally
// carrying a device number, geometry and a read entry point.
package devreg

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/tarndt/ubiblk/pkg/util/consterr"
)

//Errors reported by the registry, callers should test with errors.Is
const (
	ErrExists     = consterr.ConstErr("Device name already bound")
	ErrNotFound   = consterr.ConstErr("No such device")
	ErrNotBlock   = consterr.ConstErr("Device is not a block device")
	ErrUnbound    = consterr.ConstErr("Device is not bound")
	ErrClosed     = consterr.ConstErr("Device registry is closed")
	ErrOutOfRange = consterr.ConstErr("Block range is negative or overflows")
)

//Class of a device
type Class uint8

//Device classes
const (
	ClassUBI Class = iota + 1
	ClassBlock
)

func (c Class) String() string {
	switch c {
	case ClassUBI:
		return "ubi"
	case ClassBlock:
		return "blk"
	}
	return "unknown"
}

//Driver is the behavior every bound device provides, Unbind releases what the
// device owns and is called once when the device is removed from the registry
type Driver interface {
	Unbind() error
}

//BlockDriver is a Driver that serves block reads
type BlockDriver interface {
	Driver
	//Read count blocks starting at block start into buf, returning the number
	// of blocks read
	Read(start, count int64, buf []byte) (int64, error)
}

//Node is a bound device
type Node struct {
	name       string
	class      Class
	driverName string
	parent     *Node
	children   []*Node
	drv        Driver

	devnum     int
	blockSize  int
	blockCount int64
	bound      bool
}

//Name is the unique name of the device
func (n *Node) Name() string { return n.name }

//Class of the device
func (n *Node) Class() Class { return n.class }

//DriverName is the name of the driver the device was bound with
func (n *Node) DriverName() string { return n.driverName }

//Parent is nil for root devices
func (n *Node) Parent() *Node { return n.parent }

//Driver returns the bound driver
func (n *Node) Driver() Driver { return n.drv }

//Devnum is the block device number, -1 for devices that are not block devices
func (n *Node) Devnum() int { return n.devnum }

//BlockSize is the size in bytes of each block of a block device
func (n *Node) BlockSize() int { return n.blockSize }

//BlockCount is the number of blocks of a block device
func (n *Node) BlockCount() int64 { return n.blockCount }

func (n *Node) String() string {
	if n.class == ClassBlock {
		return fmt.Sprintf("%s %q (driver %s, devnum %d, %d x %d byte blocks)", n.class, n.name, n.driverName, n.devnum, n.blockCount, n.blockSize)
	}
	return fmt.Sprintf("%s %q (driver %s)", n.class, n.name, n.driverName)
}

//Registry of bound devices, it is safe for concurrent use
type Registry struct {
	mu       sync.Mutex
	byName   map[string]*Node
	byDevnum map[int]*Node
	roots    []*Node
	closed   bool
}

//New constructs an empty registry
func New() *Registry {
	return &Registry{
		byName:   make(map[string]*Node),
		byDevnum: make(map[int]*Node),
	}
}

//Bind registers a device named name of class, bound to drv, under parent (nil for a root device)
func (r *Registry) Bind(parent *Node, class Class, driverName, name string, drv Driver) (*Node, error) {
	node := &Node{name: name, class: class, driverName: driverName, drv: drv, devnum: -1}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.attach(parent, node); err != nil {
		return nil, fmt.Errorf("Could not bind %s %q: %w", class, name, err)
	}
	return node, nil
}

//BindBlock registers a block device with the provided geometry and assigns it
// the next free device number
func (r *Registry) BindBlock(parent *Node, driverName, name string, blockSize int, blockCount int64, drv BlockDriver) (*Node, error) {
	if blockSize < 1 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("Could not bind block device %q: block size %d is not a power of two", name, blockSize)
	} else if blockCount < 0 {
		return nil, fmt.Errorf("Could not bind block device %q: negative block count %d", name, blockCount)
	}
	node := &Node{
		name:       name,
		class:      ClassBlock,
		driverName: driverName,
		drv:        drv,
		blockSize:  blockSize,
		blockCount: blockCount,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node.devnum = r.nextDevnum()
	if err := r.attach(parent, node); err != nil {
		return nil, fmt.Errorf("Could not bind block device %q: %w", name, err)
	}
	r.byDevnum[node.devnum] = node
	return node, nil
}

//attach links node into the tree, r.mu must be held
func (r *Registry) attach(parent, node *Node) error {
	switch {
	case r.closed:
		return ErrClosed
	case node.drv == nil:
		return fmt.Errorf("No driver provided")
	case node.name == "":
		return fmt.Errorf("No device name provided")
	case parent != nil && !parent.bound:
		return fmt.Errorf("Parent %q: %w", parent.name, ErrUnbound)
	}
	if _, exists := r.byName[node.name]; exists {
		return ErrExists
	}

	node.parent, node.bound = parent, true
	r.byName[node.name] = node
	if parent == nil {
		r.roots = append(r.roots, node)
	} else {
		parent.children = append(parent.children, node)
	}
	return nil
}

//nextDevnum is one past the highest block device number in use, r.mu must be held
func (r *Registry) nextDevnum() int {
	next := 0
	for devnum := range r.byDevnum {
		if devnum >= next {
			next = devnum + 1
		}
	}
	return next
}

//Find returns the device named name or nil
func (r *Registry) Find(name string) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.byName[name]
}

//FindDevnum returns the block device numbered devnum or nil
func (r *Registry) FindDevnum(devnum int) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.byDevnum[devnum]
}

//Devices lists the bound devices of class (all classes if zero) ordered by name
func (r *Registry) Devices(class Class) []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes := make([]*Node, 0, len(r.byName))
	for _, node := range r.byName {
		if class == 0 || node.class == class {
			nodes = append(nodes, node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].name < nodes[j].name })
	return nodes
}

//Unbind removes node and its descendants from the registry. Children are
// unbound before their parent and each driver's Unbind is invoked exactly once
// without the registry lock held. Unbinding an unbound node is a no-op.
func (r *Registry) Unbind(node *Node) error {
	if node == nil {
		return nil
	}

	r.mu.Lock()
	removed := r.detach(node, nil)
	r.mu.Unlock()

	return unbindAll(removed)
}

//detach unlinks node's subtree, appending it to removed in children first
// order, r.mu must be held
func (r *Registry) detach(node *Node, removed []*Node) []*Node {
	if !node.bound {
		return removed
	}
	for len(node.children) > 0 {
		removed = r.detach(node.children[len(node.children)-1], removed)
	}

	node.bound = false
	delete(r.byName, node.name)
	if node.class == ClassBlock {
		delete(r.byDevnum, node.devnum)
	}
	if node.parent == nil {
		r.roots = removeNode(r.roots, node)
	} else {
		node.parent.children = removeNode(node.parent.children, node)
	}
	return append(removed, node)
}

func removeNode(nodes []*Node, node *Node) []*Node {
	for i := range nodes {
		if nodes[i] == node {
			return append(nodes[:i], nodes[i+1:]...)
		}
	}
	return nodes
}

func unbindAll(nodes []*Node) error {
	var firstErr error
	for _, node := range nodes {
		if err := node.drv.Unbind(); err != nil {
			err = fmt.Errorf("Could not unbind %s: %w", node, err)
			if firstErr == nil {
				firstErr = err
			} else {
				log.Printf("Registry::Unbind(): WARNING: Additional unbind failure; Details: %s", err)
			}
		}
	}
	return firstErr
}

//BlockRead dispatches a read of count blocks starting at block start to block
// device devnum
func (r *Registry) BlockRead(devnum int, start, count int64, buf []byte) (int64, error) {
	r.mu.Lock()
	node, exists := r.byDevnum[devnum]
	r.mu.Unlock()

	if !exists {
		return 0, fmt.Errorf("Could not read block device %d: %w", devnum, ErrNotFound)
	}
	blkDrv, isBlk := node.drv.(BlockDriver)
	if !isBlk {
		return 0, fmt.Errorf("Could not read %s: %w", node, ErrNotBlock)
	}
	switch blockSize := int64(node.blockSize); {
	case count == 0:
	case start < 0 || count < 0:
		return 0, fmt.Errorf("Could not read blocks [%d, %d+%d) from %s: %w", start, start, count, node, ErrOutOfRange)
	case start > math.MaxInt64/blockSize || count > math.MaxInt64/blockSize:
		return 0, fmt.Errorf("Could not read %d blocks at block %d from %s, byte range overflows: %w", count, start, node, ErrOutOfRange)
	case count > int64(len(buf))/blockSize:
		return 0, fmt.Errorf("Could not read %d blocks from %s into a %d byte buffer", count, node, len(buf))
	}
	return blkDrv.Read(start, count, buf)
}

//Close unbinds every device, newest root first, and refuses further binds
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	var removed []*Node
	for len(r.roots) > 0 {
		removed = r.detach(r.roots[len(r.roots)-1], removed)
	}
	r.mu.Unlock()

	return unbindAll(removed)
}
