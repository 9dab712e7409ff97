package store

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

const (
	FsyncAlways   = "always"
	FsyncEverySec = "everysec"
	FsyncNo       = "no"
)

type AOFConfig struct {
	Path              string
	Fsync             string
	LoadTruncated     bool
	RewritePercentage int
	RewriteMinSize    uint64
}

// AOF is the append-only log of write commands. Every mutation the store
// accepts is appended as a RESP array, so replaying the file rebuilds the
// dataset.
type AOF struct {
	mu        sync.Mutex
	config    AOFConfig
	file      *os.File
	size      int64
	baseSize  int64
	dirty     bool
	logger    types.Logger
	buf       []byte
	rewriting bool
}

// OpenAOF opens (creating if needed) the file for appending. Call Replay
// before the first Append.
func OpenAOF(config AOFConfig, logger types.Logger) (*AOF, error) {
	if config.Fsync == "" {
		config.Fsync = FsyncEverySec
	}

	if dir := filepath.Dir(config.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.WrapError(err, "failed to create aof directory")
		}
	}

	file, err := os.OpenFile(config.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, types.WrapError(err, "failed to open aof")
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, types.WrapError(err, "failed to stat aof")
	}

	return &AOF{
		config:   config,
		file:     file,
		size:     info.Size(),
		baseSize: info.Size(),
		logger:   logger,
	}, nil
}

const replayChunk = 64 * 1024

// Replay feeds every logged command to apply, oldest first. A torn or
// garbled tail is cut off at the last complete command when LoadTruncated
// is set; otherwise it fails with ErrAOFCorrupted and the file is left
// untouched.
func (a *AOF) Replay(apply func(args [][]byte) error) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.file.Seek(0, io.SeekStart); err != nil {
		return 0, types.WrapError(err, "failed to seek aof")
	}

	var (
		applied int
		good    int64
		pending []byte
		argsbuf [][]byte
	)

	chunk := make([]byte, replayChunk)
	for {
		n, readErr := a.file.Read(chunk)
		pending = append(pending, chunk[:n]...)

		for len(pending) > 0 {
			complete, args, _, leftover, err := redcon.ReadNextCommand(pending, argsbuf)
			if err != nil {
				return applied, a.handleCorruption(good, applied, err)
			}
			if !complete {
				break
			}
			argsbuf = args

			if err := apply(cloneArgs(args)); err != nil {
				return applied, a.handleCorruption(good, applied, err)
			}

			applied++
			good += int64(len(pending) - len(leftover))
			pending = leftover
		}
		pending = append(pending[:0:0], pending...)

		if readErr == io.EOF {
			if len(pending) > 0 {
				return applied, a.handleCorruption(good, applied, io.ErrUnexpectedEOF)
			}
			break
		}
		if readErr != nil {
			return applied, types.WrapError(readErr, "failed to read aof")
		}
	}

	a.size = good
	a.baseSize = good

	return applied, nil
}

// cloneArgs copies args out of the read buffer, which the store must not
// retain.
func cloneArgs(args [][]byte) [][]byte {
	out := make([][]byte, len(args))
	for i, arg := range args {
		out[i] = bytes.Clone(arg)
	}
	return out
}

func (a *AOF) handleCorruption(good int64, applied int, cause error) error {
	if !a.config.LoadTruncated {
		return types.Errorf(types.ErrAOFCorrupted, "at offset %d after %d commands: %v", good, applied, cause)
	}

	if a.logger != nil {
		a.logger.Warn("Append only file truncated",
			zap.String("path", a.config.Path),
			zap.Int64("offset", good),
			zap.Int("commands", applied),
			zap.Error(cause),
		)
	}

	if err := a.file.Truncate(good); err != nil {
		return types.WrapError(err, "failed to truncate aof")
	}
	a.size = good
	a.baseSize = good

	return nil
}

func (a *AOF) Append(args ...[]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return types.ErrStoreClosed
	}

	a.buf = AppendCommand(a.buf[:0], args...)
	n, err := a.file.Write(a.buf)
	a.size += int64(n)
	if err != nil {
		return types.WrapError(err, "failed to append to aof")
	}

	if a.config.Fsync == FsyncAlways {
		return a.file.Sync()
	}
	a.dirty = true

	return nil
}

// Sync flushes the file to disk if anything was written since the last
// call. The everysec policy calls it once per second.
func (a *AOF) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil || !a.dirty || a.config.Fsync == FsyncNo {
		return nil
	}
	a.dirty = false
	return a.file.Sync()
}

func (a *AOF) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// NeedsRewrite applies the auto-aof-rewrite rules: the file is at least the
// minimum size and grew by the configured percentage since the last
// rewrite or load.
func (a *AOF) NeedsRewrite() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config.RewritePercentage <= 0 || a.rewriting {
		return false
	}
	if uint64(a.size) < a.config.RewriteMinSize {
		return false
	}

	base := a.baseSize
	if base == 0 {
		base = 1
	}
	growth := (a.size - base) * 100 / base

	return growth >= int64(a.config.RewritePercentage)
}

// Rewrite replaces the log with the minimal command set produced by
// snapshot. The caller must hold off concurrent writes.
func (a *AOF) Rewrite(snapshot func(emit func(args ...[]byte) error) error) error {
	a.mu.Lock()
	if a.file == nil {
		a.mu.Unlock()
		return types.ErrStoreClosed
	}
	a.rewriting = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.rewriting = false
		a.mu.Unlock()
	}()

	tmpPath := a.config.Path + ".rewrite"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return types.Errorf(types.ErrAOFRewriteFailed, "create temp file: %v", err)
	}

	var (
		buf     []byte
		written int64
	)

	emit := func(args ...[]byte) error {
		buf = AppendCommand(buf[:0], args...)
		n, err := tmp.Write(buf)
		written += int64(n)
		return err
	}

	if err := snapshot(emit); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return types.Errorf(types.ErrAOFRewriteFailed, "snapshot: %v", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return types.Errorf(types.ErrAOFRewriteFailed, "sync: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return types.Errorf(types.ErrAOFRewriteFailed, "close: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.Rename(tmpPath, a.config.Path); err != nil {
		os.Remove(tmpPath)
		return types.Errorf(types.ErrAOFRewriteFailed, "rename: %v", err)
	}

	file, err := os.OpenFile(a.config.Path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return types.Errorf(types.ErrAOFRewriteFailed, "reopen: %v", err)
	}

	old := a.file
	a.file = file
	a.size = written
	a.baseSize = written
	a.dirty = false
	_ = old.Close()

	if a.logger != nil {
		a.logger.Info("Append only file rewritten",
			zap.String("path", a.config.Path),
			zap.String("size", utils.FormatSize(uint64(written))),
		)
	}

	return nil
}

func (a *AOF) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}

	var errs []error
	if a.config.Fsync != FsyncNo {
		errs = append(errs, a.file.Sync())
	}
	errs = append(errs, a.file.Close())
	a.file = nil

	return errors.Join(errs...)
}

func formatMillis(t time.Time) []byte {
	return strconv.AppendInt(nil, t.UnixMilli(), 10)
}

func parseMillis(b []byte) (time.Time, error) {
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return time.Time{}, types.ErrStoreNotInteger
	}
	return time.UnixMilli(ms), nil
}

func upper(b []byte) string {
	return strings.ToUpper(string(b))
}
