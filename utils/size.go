package utils

import (
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/ddasdkimo/keyvalueserver/types"
)

// ParseSize reads a memory size the way redis.conf does: "1k" is 1000
// bytes, "1kb" is 1024. Plain numbers are bytes.
func ParseSize(value string) (uint64, error) {
	s := strings.ToLower(strings.TrimSpace(value))
	if s == "" {
		return 0, types.Errorf(types.ErrInvalidParameter, "empty size")
	}

	for _, suffix := range []string{"kb", "mb", "gb", "tb"} {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix) + suffix[:1] + "ib"
			break
		}
	}

	size, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, types.Errorf(types.ErrInvalidParameter, "size %q: %v", value, err)
	}

	return size, nil
}

func FormatSize(size uint64) string {
	return humanize.IBytes(size)
}
