package kernel

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	for _, size := range []int{1, 3, 64, 4096, 4097} {
		buf := make([]byte, size+1)
		buf[size] = 0xaa

		Memset(uintptr(unsafe.Pointer(&buf[0])), 0xfe, uintptr(size))

		for i := 0; i < size; i++ {
			if buf[i] != 0xfe {
				t.Fatalf("[size %d] expected byte %d to be 0xfe; got 0x%x", size, i, buf[i])
			}
		}

		if buf[size] != 0xaa {
			t.Fatalf("[size %d] Memset wrote past the end of the region", size)
		}
	}

	// A zero-sized Memset must not touch the target address.
	Memset(0, 0xff, 0)
}

func TestMemcopy(t *testing.T) {
	src := make([]byte, 512)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, len(src))

	Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), uintptr(len(src)))

	for i := range dst {
		if dst[i] != src[i] {
			t.Fatalf("expected dst[%d] to be 0x%x; got 0x%x", i, src[i], dst[i])
		}
	}

	Memcopy(0, 0, 0)
}
