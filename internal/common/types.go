package common

import (
	"errors"
	"fmt"
)

// File format magic numbers (little-endian)
const (
	MagicSegment uint32 = 0x4C504F53 // "SOPL" in little-endian
	MagicFooter  uint32 = 0x544F4F46 // "FOOT" in little-endian
	MagicBloom   uint32 = 0x4D4F4C42 // "BLOM" in little-endian
)

// File format versions
const (
	VersionSegment uint16 = 0x0100
	VersionFileset uint16 = 0x0100
)

// Segment generations. Freshly flushed segments start at GenerationFlush.
const (
	GenerationFlush = 0
	MaxGeneration   = 16
)

// Size limits
const (
	MaxKeySize   = 1024 * 1024      // 1MB max key size
	MaxValueSize = 64 * 1024 * 1024 // 64MB max value size
)

// Default configuration values
const (
	DefaultMaxBufferBytes        = 64 * 1024 * 1024 // 64MB
	DefaultMaxOutstandingFlushes = 2
	DefaultBlockSize             = 32 * 1024
	DefaultBloomFPR              = 0.01
	DefaultMinMerge              = 4
	DefaultMaxMerge              = 10
)

// File names within a store directory
const (
	SegmentExtension = ".soplog"
	FilesetExtension = ".fileset"
	FileLock         = "LOCK"
)

// Common errors
var (
	ErrClosed             = errors.New("soplog is closed")
	ErrAlreadyReleased    = errors.New("reference already released")
	ErrRefUnderflow       = errors.New("reference count underflow")
	ErrCorrupt            = errors.New("data corruption detected")
	ErrUnsupportedVersion = errors.New("unsupported file version")
	ErrInvalidMagic       = errors.New("invalid file magic number")
	ErrCRCMismatch        = errors.New("CRC checksum mismatch")
	ErrChecksumMismatch   = errors.New("BLAKE3 digest mismatch")
	ErrEmptyKey           = errors.New("empty key not allowed")
	ErrKeyTooLarge        = errors.New("key exceeds maximum size")
	ErrValueTooLarge      = errors.New("value exceeds maximum size")
	ErrStoreInUse         = errors.New("store directory is locked by another process")
	ErrIO                 = errors.New("i/o failure")
)

// IOError reports a disk read or write failure. It matches ErrIO with errors.Is.
type IOError struct {
	Op   string
	Path string
	Err  error
}

// NewIOError wraps err as an IOError. A nil err yields nil.
func NewIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ioe *IOError
	if errors.As(err, &ioe) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// Logger provides structured logging.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)
