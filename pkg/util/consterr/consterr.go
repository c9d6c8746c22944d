package consterr

//ConstErr allows errors to be declared as constants backed by a string
type ConstErr string

//Error returns the value of the underlying string
func (errstr ConstErr) Error() string { return string(errstr) }

//ErrReadOnly is returned by devices that cannot be written to, it also serves
// as an example of how to use this package
const ErrReadOnly = ConstErr("Device is read-only")

var _ error = ErrReadOnly //compile time type check
