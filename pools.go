package mdt

import "sync"

// Scratch space for index row keys and encoded locations. Mutations copy
// what they are given, so the buffers go back as soon as the mutation is built.
var keyBytesPool = &sync.Pool{
	New: func() any {
		b := make([]byte, 0, 256)
		return &b
	},
}

func acquireKeyBytes() *[]byte {
	return keyBytesPool.Get().(*[]byte)
}

func releaseKeyBytes(b *[]byte) {
	if cap(*b) > 32768 {
		return
	}
	*b = (*b)[:0]
	keyBytesPool.Put(b)
}
