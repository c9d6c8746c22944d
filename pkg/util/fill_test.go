package util

import (
	"fmt"
	"testing"
)

func TestIsFilled(t *testing.T) {
	cases := []struct {
		desc     string
		data     []byte
		val      byte
		isFilled bool
	}{
		{desc: "nil", data: nil, val: 0, isFilled: true},
		{desc: "empty", data: []byte{}, val: ErasedByte, isFilled: true},
		{desc: "single-zero", data: []byte{0}, val: 0, isFilled: true},
		{desc: "seven-zero", data: make([]byte, 7), val: 0, isFilled: true},
		{desc: "eight-zero", data: make([]byte, 8), val: 0, isFilled: true},
		{desc: "nine-zero", data: make([]byte, 9), val: 0, isFilled: true},
		{desc: "huge-zero-unaligned", data: make([]byte, 257), val: 0, isFilled: true},
		{desc: "nine-zero-as-erased", data: make([]byte, 9), val: ErasedByte, isFilled: false},
		{desc: "seven-erased", data: valFill(make([]byte, 7), ErasedByte), val: ErasedByte, isFilled: true},
		{desc: "huge-erased-aligned", data: valFill(make([]byte, 256), ErasedByte), val: ErasedByte, isFilled: true},
		{desc: "huge-erased-unaligned", data: valFill(make([]byte, 257), ErasedByte), val: ErasedByte, isFilled: true},
		{desc: "erased-then-zero", data: append(valFill(make([]byte, 8), ErasedByte), 0), val: ErasedByte, isFilled: false},
		{desc: "eight-zero-single-one", data: []byte{0, 0, 0, 0, 0, 0, 0, 0, 1}, val: 0, isFilled: false},
		{desc: "one-in-first-long", data: []byte{0, 0, 0, 1, 0, 0, 0, 0, 0}, val: 0, isFilled: false},
	}

	for _, tcase := range cases {
		t.Run(tcase.desc, func(t *testing.T) {
			if actual := IsFilled(tcase.data, tcase.val); actual != tcase.isFilled {
				t.Fatalf("IsFilled(%v, %#x) returned %t rather than %t", tcase.data, tcase.val, actual, tcase.isFilled)
			}
		})
	}
}

func valFill(data []byte, val byte) []byte {
	for i := range data {
		data[i] = val
	}
	return data
}

func TestFill(t *testing.T) {
	t.Run("count-nil", func(t *testing.T) {
		if EraseFill(nil); !IsErased(nil) {
			t.Fatal("Empty block was not correctly erase-filled")
		}
	})

	for count := 1; count <= 8192*4; count <<= 1 {
		t.Run(fmt.Sprintf("count-%d", count), func(t *testing.T) {
			block := valFill(make([]byte, count+3), 7)
			if EraseFill(block); !IsErased(block) {
				t.Fatalf("Block of %d sevens was not correctly erase-filled", count+3)
			}
			if Fill(block, 0); !IsFilled(block, 0) {
				t.Fatalf("Block of %d erased bytes was not correctly zero-filled", count+3)
			}
		})
	}
}

func BenchmarkIsErased(b *testing.B) {
	block := valFill(make([]byte, 128*1024), ErasedByte)
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		IsErased(block)
	}
}
