package transport

import "sync"

// Tiered buffer sizes, from typical log events up to a full UDP payload.
var dataBufferSizes = [...]int{512, 2048, 16384, 65536}

var dataBufferPools = [len(dataBufferSizes)]sync.Pool{
	{New: func() interface{} { return make([]byte, 512) }},
	{New: func() interface{} { return make([]byte, 2048) }},
	{New: func() interface{} { return make([]byte, 16384) }},
	{New: func() interface{} { return make([]byte, 65536) }},
}

// newDataBuffer returns a buffer of at least n bytes from the pools.
func newDataBuffer(n int) []byte {
	for i, size := range dataBufferSizes {
		if n <= size {
			return dataBufferPools[i].Get().([]byte)[:n]
		}
	}
	return make([]byte, n)
}

// freeDataBuffer puts the buffer back to its pool. The caller must no
// longer use the buffer.
func freeDataBuffer(b []byte) {
	c := cap(b)
	for i, size := range dataBufferSizes {
		if c == size {
			dataBufferPools[i].Put(b[:c])
			return
		}
	}
}
