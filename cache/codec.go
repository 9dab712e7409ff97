package cache

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ddasdkimo/keyvalueserver/types"
)

// Values on the wire carry a one byte header naming their encoding, so
// entries written under one compression setting stay readable under another.
const (
	encodingRaw  byte = 0x00
	encodingLZ4  byte = 0x01
	encodingZstd byte = 0x02
)

// lz4 blocks do not record their decoded length.
const lz4MaxExpansion = 255

type Codec struct {
	algorithm string
	threshold int

	encOnce sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

func NewCodec(config *types.CacheCompressionConfig) *Codec {
	if config == nil {
		return &Codec{algorithm: "none"}
	}

	algorithm := config.Algorithm
	if algorithm == "" {
		algorithm = "none"
	}

	return &Codec{algorithm: algorithm, threshold: config.Threshold}
}

func (c *Codec) Encode(value []byte) ([]byte, error) {
	if c.algorithm == "none" || len(value) <= c.threshold {
		return frame(encodingRaw, value), nil
	}

	switch c.algorithm {
	case "lz4":
		buf := make([]byte, 1+lz4.CompressBlockBound(len(value)))
		n, err := lz4.CompressBlock(value, buf[1:], nil)
		if err != nil {
			return nil, types.WrapError(types.ErrCacheCodec, err.Error())
		}
		// incompressible input
		if n == 0 || n >= len(value) {
			return frame(encodingRaw, value), nil
		}
		buf[0] = encodingLZ4
		return buf[:1+n], nil
	case "zstd":
		if err := c.initZstd(); err != nil {
			return nil, err
		}
		out := c.encoder.EncodeAll(value, []byte{encodingZstd})
		if len(out)-1 >= len(value) {
			return frame(encodingRaw, value), nil
		}
		return out, nil
	default:
		return nil, types.Errorf(types.ErrCacheCodec, "unknown algorithm %q", c.algorithm)
	}
}

func (c *Codec) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, types.Errorf(types.ErrCacheCodec, "empty value")
	}

	payload := data[1:]

	switch data[0] {
	case encodingRaw:
		return payload, nil
	case encodingLZ4:
		size := len(payload) * 4
		if size < 64 {
			size = 64
		}
		for {
			buf := make([]byte, size)
			n, err := lz4.UncompressBlock(payload, buf)
			if err == nil {
				return buf[:n], nil
			}
			if size >= len(payload)*lz4MaxExpansion {
				return nil, types.WrapError(types.ErrCacheCodec, err.Error())
			}
			size *= 4
		}
	case encodingZstd:
		if err := c.initZstd(); err != nil {
			return nil, err
		}
		out, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, types.WrapError(types.ErrCacheCodec, err.Error())
		}
		return out, nil
	default:
		return nil, types.Errorf(types.ErrCacheCodec, "unknown encoding 0x%02x", data[0])
	}
}

func (c *Codec) initZstd() error {
	c.encOnce.Do(func() {
		c.encoder, c.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if c.initErr != nil {
			return
		}
		c.decoder, c.initErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})

	if c.initErr != nil {
		return types.WrapError(types.ErrCacheCodec, c.initErr.Error())
	}
	return nil
}

func frame(encoding byte, value []byte) []byte {
	out := make([]byte, 1+len(value))
	out[0] = encoding
	copy(out[1:], value)
	return out
}
