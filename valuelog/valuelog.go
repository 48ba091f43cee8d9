// Package valuelog implements append-only payload logs.
//
// A Log owns a directory of segment files. Append writes one record and
// returns a Location that later reads exactly the bytes given to Append.
// Appends are serialized inside a Log, so concurrent writers sharing a Log
// never interleave their bytes. Segment files are named from the segment
// ordinal, the creation time and the writer identity. Ordinals continue after
// the highest one found in the directory; one Log writes to a directory at a time.
//
// File format:
//
//   - segment = segmentHeader record*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 pad:32 ordinal:32 timestamp:32 writer:64 pad:64*11 checksum:64
//   - record = size:uvarint data:size checksum:64
//
// The record checksum is xxhash64 of data. A Location addresses data directly
// (offset of the first data byte and its length).
package valuelog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
)

var (
	ErrCorrupted      = errors.New("corrupted value log record")
	ErrUnknownSegment = errors.New("unknown value log segment")
	ErrClosed         = errors.New("value log closed")
	ErrTooLarge       = errors.New("value log record too large")
)

type Options struct {
	Context     context.Context
	FileName    string // e.g. "*.data"
	MaxFileSize int64  // new segment after this size
	WriterID    string // defaults to a random UUID
	DebugName   string
	Now         func() time.Time
	NoSync      bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x474f4c45554c4156 // "VALUELOG" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic          uint64
	Version        uint8
	_              uint8
	Flags          uint16
	_              uint32
	SegmentOrdinal uint32
	Timestamp      uint32
	WriterHash     uint64
	_              [11]uint64
	Checksum       uint64
}

const (
	checksumSize = 8
	timestampFmt = "20060102T150405.000000"
)

// Log is an append-only payload log.
type Log struct {
	context        context.Context
	fs             vfs.FS
	dir            string
	maxFileSize    int64
	fileNamePrefix string
	fileNameSuffix string
	writerID       string
	debugName      string
	now            func() time.Time
	noSync         bool
	logger         *slog.Logger
	verbose        bool

	writeLock sync.Mutex
	prepared  bool
	closed    bool
	writeSeg  uint32
	segWriter *segmentWriter

	readLock sync.Mutex
	segNames map[uint32]string
	readers  map[uint32]vfs.File
}

func New(fs vfs.FS, dir string, o Options) *Log {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "valuelog"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.WriterID == "" {
		o.WriterID = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Log{
		context:        o.Context,
		fs:             fs,
		dir:            dir,
		maxFileSize:    o.MaxFileSize,
		fileNamePrefix: prefix,
		fileNameSuffix: suffix,
		writerID:       o.WriterID,
		debugName:      o.DebugName,
		now:            o.Now,
		noSync:         o.NoSync,
		logger:         o.Logger,
		verbose:        o.Verbose,
		segNames:       make(map[uint32]string),
		readers:        make(map[uint32]vfs.File),
	}
}

func (l *Log) String() string {
	return l.debugName
}

func (l *Log) Dir() string {
	return l.dir
}

func (l *Log) WriterID() string {
	return l.writerID
}

// Append writes data as one record and returns its location. The directory
// and the first segment are created on first use.
func (l *Log) Append(data []byte) (Location, error) {
	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	if l.closed {
		return Location{}, ErrClosed
	}
	if uint64(len(data)) > math.MaxUint32 {
		return Location{}, fmt.Errorf("%v: %d bytes: %w", l.debugName, len(data), ErrTooLarge)
	}
	if !l.prepared {
		if err := l.prepareToWrite_locked(); err != nil {
			return Location{}, l.fail(err)
		}
		l.prepared = true
	}

	recSize := int64(binary.MaxVarintLen64 + len(data) + checksumSize)
	if l.segWriter != nil && l.segWriter.size > segmentHeaderSize && l.segWriter.size+recSize > l.maxFileSize {
		l.finishSegment_locked()
	}

	if l.segWriter == nil {
		sw, err := l.startSegment_locked(l.writeSeg + 1)
		if err != nil {
			return Location{}, l.fail(err)
		}
		l.writeSeg = sw.seg
		l.segWriter = sw
	}

	loc, err := l.segWriter.writeRecord(data)
	if err != nil {
		return Location{}, l.fail(err)
	}
	if !l.noSync {
		if err := l.segWriter.f.Sync(); err != nil {
			return Location{}, l.fail(err)
		}
	}
	if l.verbose {
		l.logger.LogAttrs(l.context, slog.LevelDebug, "valuelog: appended", slog.String("vlog", l.debugName), slog.Any("loc", loc))
	}
	return loc, nil
}

// prepareToWrite_locked creates the directory and finds the highest segment
// ordinal already present, so that ordinals stay unique within the directory.
func (l *Log) prepareToWrite_locked() error {
	if err := l.fs.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	names, err := l.fs.List(l.dir)
	if err != nil {
		return err
	}
	l.readLock.Lock()
	defer l.readLock.Unlock()
	for _, name := range names {
		if !l.ownsName(name) {
			continue
		}
		seq, _, _, err := parseSegmentName(name[len(l.fileNamePrefix) : len(name)-len(l.fileNameSuffix)])
		if err != nil {
			continue
		}
		l.segNames[seq] = name
		if seq > l.writeSeg {
			l.writeSeg = seq
		}
	}
	return nil
}

func (l *Log) ownsName(name string) bool {
	return strings.HasPrefix(name, l.fileNamePrefix) && strings.HasSuffix(name, l.fileNameSuffix) &&
		len(name) > len(l.fileNamePrefix)+len(l.fileNameSuffix)
}

// fail drops the current segment so that the next Append starts a new one.
func (l *Log) fail(err error) error {
	if err == nil {
		return nil
	}
	l.logger.LogAttrs(l.context, slog.LevelError, "valuelog: failed", slog.String("vlog", l.debugName), slog.Any("err", err))
	l.finishSegment_locked()
	return err
}

func (l *Log) finishSegment_locked() {
	if l.segWriter != nil {
		l.segWriter.close()
		l.segWriter = nil
	}
}

func (l *Log) startSegment_locked(seg uint32) (*segmentWriter, error) {
	now := l.now()
	name := l.fileNamePrefix + formatSegmentName(seg, now, l.writerID) + l.fileNameSuffix

	f, err := l.fs.Create(l.fs.PathJoin(l.dir, name))
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(l.fs, l.fs.PathJoin(l.dir, name), f, &ok)

	sw := &segmentWriter{
		f:    f,
		seg:  seg,
		size: segmentHeaderSize,
	}

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], seg, unixSeconds(now), xxhash.Sum64String(l.writerID))

	_, err = f.Write(hbuf[:])
	if err != nil {
		return nil, err
	}

	l.readLock.Lock()
	l.segNames[seg] = name
	l.readLock.Unlock()

	if l.verbose {
		l.logger.LogAttrs(l.context, slog.LevelDebug, "valuelog: new segment", slog.String("vlog", l.debugName), slog.String("file", name))
	}
	ok = true
	return sw, nil
}

// Read returns the bytes stored at loc.
func (l *Log) Read(loc Location) ([]byte, error) {
	f, err := l.reader(loc.Segment)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, int(loc.Length)+checksumSize)
	n, err := f.ReadAt(buf, loc.Offset)
	if n < len(buf) {
		if err == nil {
			err = ErrCorrupted
		}
		return nil, fmt.Errorf("%v: reading %v: %w", l.debugName, loc, err)
	}
	data := buf[:loc.Length]
	if binary.LittleEndian.Uint64(buf[loc.Length:]) != xxhash.Sum64(data) {
		return nil, fmt.Errorf("%v: reading %v: %w", l.debugName, loc, ErrCorrupted)
	}
	return data, nil
}

func (l *Log) reader(seg uint32) (vfs.File, error) {
	l.readLock.Lock()
	defer l.readLock.Unlock()
	if f := l.readers[seg]; f != nil {
		return f, nil
	}
	name := l.segNames[seg]
	if name == "" {
		names, err := l.fs.List(l.dir)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if !l.ownsName(n) {
				continue
			}
			s, _, _, err := parseSegmentName(n[len(l.fileNamePrefix) : len(n)-len(l.fileNameSuffix)])
			if err == nil && s == seg {
				name = n
				l.segNames[seg] = n
				break
			}
		}
		if name == "" {
			return nil, fmt.Errorf("%v: segment %d: %w", l.debugName, seg, ErrUnknownSegment)
		}
	}
	f, err := l.fs.Open(l.fs.PathJoin(l.dir, name))
	if err != nil {
		return nil, err
	}
	var hbuf [segmentHeaderSize]byte
	var h segmentHeader
	if _, err := f.ReadAt(hbuf[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%v: segment %s: %w", l.debugName, name, ErrCorrupted)
	}
	if err := readSegmentHeader(hbuf[:], &h); err != nil || h.SegmentOrdinal != seg {
		f.Close()
		if err == nil {
			err = ErrCorrupted
		}
		return nil, fmt.Errorf("%v: segment %s: %w", l.debugName, name, err)
	}
	l.readers[seg] = f
	return f, nil
}

// Segments returns the names of segment files known to this log, in ordinal order.
func (l *Log) Segments() []string {
	l.readLock.Lock()
	defer l.readLock.Unlock()
	seqs := make([]uint32, 0, len(l.segNames))
	for seq := range l.segNames {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	names := make([]string, len(seqs))
	for i, seq := range seqs {
		names[i] = l.segNames[seq]
	}
	return names
}

// Close closes the current segment and all read handles.
func (l *Log) Close() error {
	l.writeLock.Lock()
	l.closed = true
	var err error
	if l.segWriter != nil {
		err = l.segWriter.close()
		l.segWriter = nil
	}
	l.writeLock.Unlock()

	l.readLock.Lock()
	defer l.readLock.Unlock()
	for seg, f := range l.readers {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
		delete(l.readers, seg)
	}
	return err
}

type segmentWriter struct {
	f    vfs.File
	seg  uint32
	size int64
}

const maxRecHeaderLen = binary.MaxVarintLen64

func (sw *segmentWriter) writeRecord(data []byte) (Location, error) {
	buf := make([]byte, 0, maxRecHeaderLen+len(data)+checksumSize)
	buf = binary.AppendUvarint(buf, uint64(len(data)))
	hlen := len(buf)
	buf = append(buf, data...)
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(data))

	// A single write per record keeps a failed append from leaving a header without its data.
	n, err := sw.f.Write(buf)
	if err != nil {
		return Location{}, err
	}
	if n != len(buf) {
		return Location{}, fmt.Errorf("short write: %d of %d bytes", n, len(buf))
	}

	loc := Location{
		Segment: sw.seg,
		Offset:  sw.size + int64(hlen),
		Length:  uint32(len(data)),
	}
	sw.size += int64(len(buf))
	return loc, nil
}

func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	err := sw.f.Close()
	sw.f = nil
	return err
}

func closeAndDeleteUnlessOK(fs vfs.FS, name string, f vfs.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	fs.Remove(name)
}

func unixSeconds(t time.Time) uint32 {
	v := t.Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

func fillSegmentHeader(buf []byte, seg, ts uint32, writerHash uint64) {
	h := segmentHeader{
		Magic:          magic,
		Version:        version0,
		SegmentOrdinal: seg,
		Timestamp:      ts,
		WriterHash:     writerHash,
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], xxhash.Sum64(buf[:segmentHeaderSize-8]))
}

func readSegmentHeader(buf []byte, h *segmentHeader) error {
	if len(buf) < segmentHeaderSize {
		return ErrCorrupted
	}
	if _, err := binary.Decode(buf[:segmentHeaderSize], binary.LittleEndian, h); err != nil {
		return err
	}
	if h.Magic != magic || h.Checksum != xxhash.Sum64(buf[:segmentHeaderSize-8]) {
		return ErrCorrupted
	}
	if h.Version > version0 {
		return fmt.Errorf("unsupported value log version %d", h.Version)
	}
	return nil
}

func formatSegmentName(seq uint32, t time.Time, writerID string) string {
	return fmt.Sprintf("%012d-%s-%s", seq, t.UTC().Format(timestampFmt), writerID)
}

func parseSegmentName(name string) (seq uint32, t time.Time, writerID string, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, time.Time{}, "", fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, time.Time{}, "", fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, writerID, ok := strings.Cut(rem, "-")
	if !ok || writerID == "" {
		return seq, time.Time{}, "", fmt.Errorf("invalid segment file name %q", name)
	}
	t, err = time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, time.Time{}, "", fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	return seq, t, writerID, nil
}
