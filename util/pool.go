package util

import "sync"

// bufPool holds DefaultBufSize buffers shared by session read loops and
// ink floods, so thousands of idle sessions do not each pin a buffer.
var bufPool = sync.Pool{ //nolint:gochecknoglobals
	New: func() any {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf borrows a buffer of length DefaultBufSize.  Return it with
// [PutBuf].
func GetBuf() *[]byte {
	bp := bufPool.Get().(*[]byte)
	*bp = (*bp)[:cap(*bp)]
	return bp
}

// PutBuf returns a borrowed buffer.  Buffers that are nil or were
// reallocated to another size are dropped.
func PutBuf(bp *[]byte) {
	if bp == nil || cap(*bp) != DefaultBufSize {
		return
	}
	bufPool.Put(bp)
}
