package util

import ( //Dark magic to make simple things fast...
	"unsafe"
)

//ErasedByte is the value NAND/NOR flash reads back as after an erase
const ErasedByte byte = 0xFF

//IsFilled returns true if the provided byte slice contains only val
func IsFilled(block []byte, val byte) bool {
	alignedCount := len(block) / 8
	var remainingStart int

	if alignedCount > 0 {
		pattern := uint64(val) * 0x0101010101010101
		longs := unsafe.Slice((*uint64)(unsafe.Pointer(&block[0])), alignedCount)
		for _, long := range longs {
			if long != pattern {
				return false
			}
		}
		remainingStart = alignedCount * 8
	}

	for _, char := range block[remainingStart:] {
		if char != val {
			return false
		}
	}
	return true
}

//IsErased confirms the provided byte slice looks like freshly erased flash
func IsErased(block []byte) bool {
	return IsFilled(block, ErasedByte)
}

//Fill ensures the provided byte slice contains only val
func Fill(block []byte, val byte) {
	if len(block) < 1 {
		return
	}

	block[0] = val
	for i := 1; i < len(block); i <<= 1 {
		copy(block[i:], block[:i])
	}
}

//EraseFill ensures the provided byte slice reads like freshly erased flash
func EraseFill(block []byte) {
	Fill(block, ErasedByte)
}
