package middleware

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

const (
	AlgorithmGzip    = "gzip"
	AlgorithmDeflate = "deflate"
	AlgorithmBrotli  = "br"
	DefaultLevel     = 6
	DefaultMinSize   = 1024
)

var defaultCompressibleTypes = []string{
	"application/json",
	"application/xml",
	"text/*",
}

type CompressionMiddleware struct {
	config            types.ConfigManager
	logger            types.Logger
	metrics           types.MetricsManager
	compressionConfig *CompressionConfig
	weight            int
	encoders          map[string]*encoderPool
}

type CompressionConfig struct {
	Algorithm    string   `json:"algorithm"`
	Level        int      `json:"level"`
	MinSize      int      `json:"min_size"`
	AllowedTypes []string `json:"allowed_types"`
}

// encoderPool reuses writers of one algorithm.
type encoderPool struct {
	name string
	pool sync.Pool
}

type resettableWriter interface {
	io.WriteCloser
	Reset(w io.Writer)
}

func NewCompressionMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (*CompressionMiddleware, error) {
	compressionConfig := &CompressionConfig{
		Algorithm:    AlgorithmGzip,
		Level:        DefaultLevel,
		MinSize:      DefaultMinSize,
		AllowedTypes: defaultCompressibleTypes,
	}

	item := config.GetConfig().Middlewares.Compression
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, compressionConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal Compression middleware config")
		}
	}

	if compressionConfig.Level < 1 || compressionConfig.Level > 9 {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "compression level %d outside 1..9", compressionConfig.Level)
	}
	if compressionConfig.MinSize < 0 {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "compression min_size %d is negative", compressionConfig.MinSize)
	}

	level := compressionConfig.Level

	encoders := map[string]*encoderPool{
		AlgorithmGzip: newEncoderPool(AlgorithmGzip, func() resettableWriter {
			w, _ := gzip.NewWriterLevel(io.Discard, level)
			return w
		}),
		AlgorithmDeflate: newEncoderPool(AlgorithmDeflate, func() resettableWriter {
			w, _ := flate.NewWriter(io.Discard, level)
			return w
		}),
		AlgorithmBrotli: newEncoderPool(AlgorithmBrotli, func() resettableWriter {
			return brotli.NewWriterLevel(io.Discard, level)
		}),
	}

	if _, ok := encoders[compressionConfig.Algorithm]; !ok {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "unsupported compression algorithm %q", compressionConfig.Algorithm)
	}

	return &CompressionMiddleware{
		config:            config,
		logger:            logger,
		metrics:           metrics,
		compressionConfig: compressionConfig,
		weight:            item.Weight,
		encoders:          encoders,
	}, nil
}

func newEncoderPool(name string, build func() resettableWriter) *encoderPool {
	return &encoderPool{
		name: name,
		pool: sync.Pool{New: func() interface{} { return build() }},
	}
}

func (c *CompressionMiddleware) Name() string { return types.MiddlewareCompression }
func (c *CompressionMiddleware) Weight() int  { return c.weight }

func (c *CompressionMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	next(ctx)

	ctx.Response.Header.Add("Vary", "Accept-Encoding")

	encoder := c.negotiate(ctx.Request.Header.Peek("Accept-Encoding"))
	if encoder == nil {
		return
	}

	if len(ctx.Response.Header.Peek("Content-Encoding")) > 0 {
		return
	}

	body := ctx.Response.Body()
	if len(body) < c.compressionConfig.MinSize || !c.shouldCompress(ctx.Response.Header.ContentType()) {
		return
	}

	compressed, err := encoder.compress(body)
	if err != nil {
		c.logger.Warn("Response compression failed", zap.String("algorithm", encoder.name), zap.Error(err))
		return
	}

	if len(compressed) >= len(body) {
		return
	}

	ctx.Response.SetBodyRaw(compressed)
	ctx.Response.Header.Set("Content-Encoding", encoder.name)

	if c.metrics != nil {
		c.metrics.Counter("http_compressed_bytes_saved_total", map[string]string{"algorithm": encoder.name}).
			Add(float64(len(body) - len(compressed)))
	}
}

// negotiate prefers the configured algorithm and falls back to gzip.
func (c *CompressionMiddleware) negotiate(acceptEncoding []byte) *encoderPool {
	if len(acceptEncoding) == 0 {
		return nil
	}

	accepted := make(map[string]bool)
	for _, part := range strings.Split(string(acceptEncoding), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		accepted[strings.ToLower(strings.TrimSpace(name))] = true
	}

	for _, name := range []string{c.compressionConfig.Algorithm, AlgorithmGzip} {
		if accepted[name] || accepted["*"] {
			return c.encoders[name]
		}
	}
	return nil
}

func (c *CompressionMiddleware) shouldCompress(contentType []byte) bool {
	ct, _, _ := strings.Cut(string(contentType), ";")
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" {
		return false
	}

	for _, allowed := range c.compressionConfig.AllowedTypes {
		if allowed == ct {
			return true
		}
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok && strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func (e *encoderPool) compress(data []byte) ([]byte, error) {
	w := e.pool.Get().(resettableWriter)
	defer e.pool.Put(w)

	var buf bytes.Buffer
	buf.Grow(len(data) / 2)
	w.Reset(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
