// Package reclog implements the durable append-only record log backing the
// atom registry and the fact log. Records are length-prefixed and carry a
// crc32 of their payload; the stream after the header may be zstd-compressed.
//
// Recovery contract: replaying an uncompressed log truncates a torn trailing
// record (a crash mid-append), so the next append continues from the last
// complete record. In compressed mode a torn tail cannot be excised from the
// zstd frame and is surfaced as ErrTornTail instead.
package reclog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/prudb/internal/fs"
)

var logMagic = [4]byte{'P', 'R', 'L', '1'}

const (
	logVersion   = uint16(1)
	logHeaderLen = 12

	flagCompressed = uint16(1)

	// MaxRecordSize bounds a single record payload. Anything larger in the
	// stream is treated as corruption rather than an allocation request.
	MaxRecordSize = 1 << 24
)

var (
	// ErrCorruptRecord indicates a record whose crc32 does not match its
	// payload, or framing that cannot be parsed.
	ErrCorruptRecord = errors.New("reclog: corrupt record")

	// ErrTornTail indicates an incomplete trailing record in a compressed
	// log, which cannot be truncated away.
	ErrTornTail = errors.New("reclog: torn tail in compressed log")

	// ErrClosed is returned for operations on a closed log.
	ErrClosed = errors.New("reclog: closed")
)

// Options configures a record log.
type Options struct {
	// Sync fsyncs after every append. When false, data reaches the kernel on
	// append and disk on Sync/Close.
	Sync bool

	// Compress enables zstd stream compression. The choice is fixed at file
	// creation; reopening honors the on-disk flag.
	Compress bool

	// CompressionLevel is the zstd level (default 3).
	CompressionLevel int
}

// DefaultOptions are the defaults for newly created logs.
var DefaultOptions = Options{
	Sync:             true,
	Compress:         false,
	CompressionLevel: 3,
}

// Log is an append-only record log.
type Log struct {
	fsys       fs.FileSystem
	path       string
	file       fs.File
	enc        *zstd.Encoder
	compressed bool
	sync       bool
	closed     bool
}

// Open opens or creates a record log and replays every complete record
// through fn before returning. fn errors abort the open.
func Open(fsys fs.FileSystem, path string, opts Options, fn func(payload []byte) error) (*Log, error) {
	if fsys == nil {
		fsys = fs.Default
	}

	file, err := fsys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	l := &Log{
		fsys: fsys,
		path: path,
		file: file,
		sync: opts.Sync,
	}

	if st.Size() == 0 {
		if err := l.writeHeader(opts.Compress); err != nil {
			file.Close()
			return nil, err
		}
		l.compressed = opts.Compress
	} else {
		compressed, err := readHeader(file)
		if err != nil {
			file.Close()
			return nil, err
		}
		l.compressed = compressed
		if err := l.replay(st.Size(), fn); err != nil {
			file.Close()
			return nil, err
		}
	}

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, err
	}
	if l.compressed {
		level := zstd.EncoderLevelFromZstd(opts.CompressionLevel)
		enc, err := zstd.NewWriter(l.file, zstd.WithEncoderLevel(level))
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("reclog: zstd encoder: %w", err)
		}
		l.enc = enc
	}

	return l, nil
}

func (l *Log) writeHeader(compress bool) error {
	hdr := make([]byte, logHeaderLen)
	copy(hdr[0:4], logMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], logVersion)
	var flags uint16
	if compress {
		flags |= flagCompressed
	}
	binary.LittleEndian.PutUint16(hdr[6:8], flags)
	if _, err := l.file.Write(hdr); err != nil {
		return err
	}
	return l.file.Sync()
}

func readHeader(file fs.File) (compressed bool, err error) {
	hdr := make([]byte, logHeaderLen)
	if _, err := file.ReadAt(hdr, 0); err != nil {
		return false, fmt.Errorf("reclog: short header: %w", err)
	}
	if [4]byte(hdr[0:4]) != logMagic {
		return false, fmt.Errorf("%w: bad magic", ErrCorruptRecord)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != logVersion {
		return false, fmt.Errorf("%w: version %d", ErrCorruptRecord, v)
	}
	flags := binary.LittleEndian.Uint16(hdr[6:8])
	return flags&flagCompressed != 0, nil
}

// replay reads records from the data region, invoking fn per record. For
// uncompressed logs a torn trailing record is truncated.
func (l *Log) replay(size int64, fn func(payload []byte) error) error {
	if _, err := l.file.Seek(logHeaderLen, io.SeekStart); err != nil {
		return err
	}

	if l.compressed {
		dec, err := zstd.NewReader(io.LimitReader(l.file, size-logHeaderLen))
		if err != nil {
			return fmt.Errorf("reclog: zstd decoder: %w", err)
		}
		defer dec.Close()
		_, err = readRecords(dec, fn)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTornTail
		}
		return err
	}

	consumed, err := readRecords(io.LimitReader(l.file, size-logHeaderLen), fn)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// Torn tail from a crash mid-append: drop it.
		return l.truncate(logHeaderLen + consumed)
	}
	return err
}

// truncate shrinks the file to n bytes in place and fsyncs the shrink. The
// surviving prefix is never rewritten, so a crash mid-recovery costs at most
// the already-torn tail.
func (l *Log) truncate(n int64) error {
	if err := l.fsys.Truncate(l.path, n); err != nil {
		return err
	}
	return l.file.Sync()
}

// readRecords parses records from r until EOF. It returns the number of
// bytes consumed by complete, valid records. An incomplete trailing record
// yields io.ErrUnexpectedEOF; a crc failure yields ErrCorruptRecord.
func readRecords(r io.Reader, fn func(payload []byte) error) (int64, error) {
	var consumed int64
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return consumed, nil
			}
			return consumed, io.ErrUnexpectedEOF
		}
		plen := binary.LittleEndian.Uint32(lenBuf[:])
		if plen > MaxRecordSize {
			return consumed, fmt.Errorf("%w: record size %d", ErrCorruptRecord, plen)
		}
		frame := make([]byte, plen+4)
		if _, err := io.ReadFull(r, frame); err != nil {
			return consumed, io.ErrUnexpectedEOF
		}
		payload := frame[:plen]
		want := binary.LittleEndian.Uint32(frame[plen:])
		if crc32.ChecksumIEEE(payload) != want {
			return consumed, ErrCorruptRecord
		}
		if fn != nil {
			if err := fn(payload); err != nil {
				return consumed, err
			}
		}
		consumed += int64(4 + len(frame))
	}
}

// Append writes one record. The record is durable on return when the log was
// opened with Sync; otherwise durability is deferred to Sync/Close.
func (l *Log) Append(payload []byte) error {
	if l.closed {
		return ErrClosed
	}

	frame := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	copy(frame[4:], payload)
	binary.LittleEndian.PutUint32(frame[4+len(payload):], crc32.ChecksumIEEE(payload))

	var w io.Writer = l.file
	if l.enc != nil {
		w = l.enc
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	if l.sync {
		return l.Sync()
	}
	return nil
}

// Sync flushes buffered data and fsyncs the file.
func (l *Log) Sync() error {
	if l.closed {
		return ErrClosed
	}
	if l.enc != nil {
		if err := l.enc.Flush(); err != nil {
			return err
		}
	}
	return l.file.Sync()
}

// Close flushes and closes the log.
func (l *Log) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.enc != nil {
		if err := l.enc.Close(); err != nil {
			l.file.Close()
			return err
		}
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Path returns the log's file path.
func (l *Log) Path() string { return l.path }
