package store

import (
	"github.com/tidwall/redcon"
)

// Reply receives a command's RESP2 answer. A redcon client connection
// satisfies it, and so does a redcon.Writer over any io.Writer.
type Reply interface {
	WriteString(s string)
	WriteError(msg string)
	WriteInt64(n int64)
	WriteBulk(b []byte)
	WriteBulkString(s string)
	WriteNull()
	WriteArray(n int)
}

// AppendCommand encodes args as a RESP array, the format of the append-only
// file.
func AppendCommand(dst []byte, args ...[]byte) []byte {
	dst = redcon.AppendArray(dst, len(args))
	for _, arg := range args {
		dst = redcon.AppendBulk(dst, arg)
	}
	return dst
}
