package ubiblock

import (
	"fmt"

	"github.com/tarndt/ubiblk/pkg/util/consterr"
)

//Error kinds, every error returned by this package matches exactly one of
// these with errors.Is
const (
	//ErrNotFound the flash instance does not exist
	ErrNotFound = consterr.ConstErr("UBI device not found")
	//ErrBind registering a device with the device registry failed
	ErrBind = consterr.ConstErr("Device registration failed")
	//ErrVolumeOpen the volume could not be opened (absent, busy or corrupt)
	ErrVolumeOpen = consterr.ConstErr("UBI volume could not be opened")
	//ErrRead a read of the underlying volume failed
	ErrRead = consterr.ConstErr("UBI volume read failed")
)

//Error is returned by operations of this package. It matches its Kind and
// anything the underlying Err matches.
type Error struct {
	Op   string
	Kind consterr.ConstErr
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

//Unwrap returns the underlying error
func (e *Error) Unwrap() error { return e.Err }

//Is reports if target is this error's Kind
func (e *Error) Is(target error) bool {
	kind, isKind := target.(consterr.ConstErr)
	return isKind && kind == e.Kind
}
