// Package queuefile implements the on-disk spillover log of a muxer: an
// append-only sequence of framed events split over numbered segments, with a
// commit point stored separately that only moves when events are acknowledged.
package queuefile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultMaxFileSize is the segment size after which a new segment is started.
const DefaultMaxFileSize = 100 << 20

// Config holds the queue file settings.
type Config struct {
	// MaxFileSize is the size a segment may reach before the next one is
	// started. A single frame larger than this still goes into one segment.
	MaxFileSize int64
	// SyncOnWrite fsyncs after every Add. Without it, data survives a process
	// crash but not necessarily an OS crash.
	SyncOnWrite bool
}

// mark records the end of a frame that was read but not yet acknowledged.
type mark struct {
	end       Position
	delivered bool // handed to the caller, as opposed to skipped
	entry     bool // counted in pending when it was read
}

// File is a FIFO of events backed by segment files. It is safe for
// concurrent use.
type File struct {
	mu      sync.Mutex
	dir     string
	name    string
	base    string
	cfg     Config
	offsets OffsetStore
	logger  zerolog.Logger

	commit Position
	read   Position
	marks  []mark

	reader    *os.File
	readerBuf *bufio.Reader
	readerSeg uint32
	writer    *os.File
	writeSeg  uint32
	writeSize int64
	firstSeg  uint32
	pending   int
	closed    bool
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func fileBase(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

func segmentPath(dir, base string, seg uint32) string {
	if seg == 0 {
		return filepath.Join(dir, base+".queue")
	}
	return filepath.Join(dir, fmt.Sprintf("%s.queue.%d", base, seg))
}

// listSegments returns the ids of the existing segments of base, sorted.
func listSegments(dir, base string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	prefix := base + ".queue"
	var segs []uint32
	for _, e := range entries {
		n := e.Name()
		if n == prefix {
			segs = append(segs, 0)
			continue
		}
		if !strings.HasPrefix(n, prefix+".") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(n, prefix+"."), 10, 32)
		if err != nil {
			continue
		}
		segs = append(segs, uint32(id))
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

// Exists reports whether a queue named name has segments in dir.
func Exists(dir, name string) bool {
	segs, err := listSegments(dir, fileBase(name))
	return err == nil && len(segs) > 0
}

// RemoveWithPrefix deletes the segments of every queue in dir whose name
// starts with prefix and returns the number of files removed. It is meant
// for queues whose names do not survive a restart, and does not touch
// commit points.
func RemoveWithPrefix(dir, prefix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: listing %s: %v", types.ErrPersistence, dir, err)
	}
	prefix = fileBase(prefix)
	removed := 0
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, prefix) {
			continue
		}
		if !strings.HasSuffix(n, ".queue") && !strings.Contains(n, ".queue.") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, n)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("%w: removing %s: %v", types.ErrPersistence, n, err)
		}
		removed++
	}
	return removed, nil
}

// Open attaches to the queue named name in dir, creating the directory if
// needed. An existing backlog is reattached from its stored commit point.
func Open(dir, name string, cfg Config, offsets OffsetStore, logger zerolog.Logger) (*File, error) {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if offsets == nil {
		offsets = NewMemoryOffsetStore()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating queue directory %s: %v", types.ErrPersistence, dir, err)
	}

	f := &File{
		dir:     dir,
		name:    name,
		base:    fileBase(name),
		cfg:     cfg,
		offsets: offsets,
		logger:  logger.With().Str("component", "QueueFile").Str("queue", name).Logger(),
	}

	commit, _, err := offsets.Load(name)
	if err != nil {
		return nil, fmt.Errorf("%w: loading offset of %s: %v", types.ErrPersistence, name, err)
	}

	segs, err := listSegments(dir, f.base)
	if err != nil {
		return nil, fmt.Errorf("%w: listing segments of %s: %v", types.ErrPersistence, name, err)
	}
	if len(segs) == 0 {
		f.commit = Position{}
		f.read = f.commit
		return f, nil
	}

	f.firstSeg = segs[0]
	f.writeSeg = segs[len(segs)-1]
	if commit.Segment < f.firstSeg || commit.Segment > f.writeSeg {
		commit = Position{Segment: f.firstSeg}
	}
	f.commit = commit
	f.read = commit

	if err := f.scan(); err != nil {
		return nil, err
	}
	f.logger.Info().Int("pending", f.pending).Uint32("segment", f.commit.Segment).Int64("offset", f.commit.Offset).Msg("Reattached queue file backlog.")
	return f, nil
}

// scan counts the frames between the commit point and the end of the queue
// and truncates a torn frame at the end of the write segment.
func (f *File) scan() error {
	for seg := f.commit.Segment; seg <= f.writeSeg; seg++ {
		path := segmentPath(f.dir, f.base, seg)
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%w: opening %s: %v", types.ErrPersistence, path, err)
		}
		var offset int64
		if seg == f.commit.Segment {
			offset = f.commit.Offset
			if _, err := file.Seek(offset, io.SeekStart); err != nil {
				file.Close()
				return fmt.Errorf("%w: seeking %s: %v", types.ErrPersistence, path, err)
			}
		}
		r := bufio.NewReader(file)
		good := offset
		for {
			_, n, err := types.ReadFrame(r)
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, types.ErrCorruptHeader) {
				f.logger.Warn().Str("segment", path).Int64("offset", good).Msg("Queue segment ends with an unreadable frame.")
				break
			}
			// Malformed frames still count: Get skips them.
			good += int64(n)
			f.pending++
		}
		file.Close()

		if seg == f.writeSeg {
			info, err := os.Stat(path)
			if err == nil && info.Size() > good {
				if err := os.Truncate(path, good); err != nil {
					return fmt.Errorf("%w: truncating torn tail of %s: %v", types.ErrPersistence, path, err)
				}
			}
			f.writeSize = good
		}
	}
	return nil
}

// Add appends ev at the tail of the queue.
func (f *File) Add(ev *types.Event) error {
	frame, err := types.EncodeFrame(ev)
	if err != nil {
		return err
	}
	return f.AddFrame(frame)
}

// AddFrame appends a frame produced by types.EncodeFrame.
func (f *File) AddFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("%w: queue %s is closed", types.ErrPersistence, f.name)
	}

	if f.writer == nil {
		if err := f.openWriter(); err != nil {
			return err
		}
	}
	if f.writeSize > 0 && f.writeSize+int64(len(frame)) > f.cfg.MaxFileSize {
		_ = f.writer.Close()
		f.writer = nil
		f.writeSeg++
		if err := f.openWriter(); err != nil {
			return err
		}
	}

	// One write call per frame so that a completed Add is in the kernel.
	if _, err := f.writer.Write(frame); err != nil {
		_ = f.writer.Truncate(f.writeSize)
		return fmt.Errorf("%w: writing to %s: %v", types.ErrPersistence, f.writer.Name(), err)
	}
	if f.cfg.SyncOnWrite {
		if err := f.writer.Sync(); err != nil {
			return fmt.Errorf("%w: syncing %s: %v", types.ErrPersistence, f.writer.Name(), err)
		}
	}
	f.writeSize += int64(len(frame))
	f.pending++
	return nil
}

// Get returns the oldest unread event, or nil when every frame has been
// read. Only the in-memory read cursor moves; the commit point moves on Ack.
// Malformed frames are logged and skipped.
func (f *File) Get() (*types.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("%w: queue %s is closed", types.ErrPersistence, f.name)
	}

	for f.pending > 0 {
		if err := f.openReader(); err != nil {
			return nil, err
		}
		ev, n, err := types.ReadFrame(f.readerBuf)
		switch {
		case err == nil:
			f.read.Offset += int64(n)
			f.pending--
			f.marks = append(f.marks, mark{end: f.read, delivered: true, entry: true})
			return ev, nil

		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, types.ErrCorruptHeader):
			if f.read.Segment >= f.writeSeg {
				f.logger.Error().Err(err).Int("pending", f.pending).Msg("Queue write segment ended before all pending frames were read.")
				f.pending = 0
				return nil, nil
			}
			if !errors.Is(err, io.EOF) {
				f.logger.Warn().Err(err).Uint32("segment", f.read.Segment).Msg("Skipping unreadable tail of queue segment.")
			}
			f.closeReader()
			f.read = Position{Segment: f.read.Segment + 1}
			f.marks = append(f.marks, mark{end: f.read})

		case errors.Is(err, types.ErrMalformedEvent):
			f.read.Offset += int64(n)
			f.pending--
			f.marks = append(f.marks, mark{end: f.read, entry: true})
			f.logger.Warn().Err(err).Uint32("segment", f.read.Segment).Int64("offset", f.read.Offset).Msg("Skipping malformed event in queue file.")

		default:
			return nil, fmt.Errorf("%w: reading queue %s: %v", types.ErrPersistence, f.name, err)
		}
	}
	return nil, nil
}

func (f *File) openWriter() error {
	path := segmentPath(f.dir, f.base, f.writeSeg)
	w, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", types.ErrPersistence, path, err)
	}
	info, err := w.Stat()
	if err != nil {
		w.Close()
		return fmt.Errorf("%w: stat %s: %v", types.ErrPersistence, path, err)
	}
	f.writer = w
	f.writeSize = info.Size()
	return nil
}

func (f *File) openReader() error {
	if f.reader != nil && f.readerSeg == f.read.Segment {
		return nil
	}
	f.closeReader()
	path := segmentPath(f.dir, f.base, f.read.Segment)
	r, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", types.ErrPersistence, path, err)
	}
	if _, err := r.Seek(f.read.Offset, io.SeekStart); err != nil {
		r.Close()
		return fmt.Errorf("%w: seeking %s: %v", types.ErrPersistence, path, err)
	}
	f.reader = r
	f.readerSeg = f.read.Segment
	f.readerBuf = bufio.NewReader(r)
	return nil
}

func (f *File) closeReader() {
	if f.reader != nil {
		_ = f.reader.Close()
		f.reader = nil
		f.readerBuf = nil
	}
}

// Ack commits the n oldest delivered events, together with any skipped
// frames around them, and persists the new commit point. Segments that are
// entirely behind the commit point are deleted, and a fully drained queue
// is compacted back to an empty state.
func (f *File) Ack(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > f.unackedLocked() {
		return fmt.Errorf("ack of %d events exceeds %d unacknowledged in queue %s", n, f.unackedLocked(), f.name)
	}

	i, acked := 0, 0
	for i < len(f.marks) {
		if f.marks[i].delivered {
			if acked == n {
				break
			}
			acked++
		}
		f.commit = f.marks[i].end
		i++
	}
	f.marks = f.marks[i:]

	if f.pending == 0 && len(f.marks) == 0 {
		return f.compactLocked()
	}

	if err := f.offsets.Save(f.name, f.commit); err != nil {
		return fmt.Errorf("%w: saving offset of %s: %v", types.ErrPersistence, f.name, err)
	}
	for f.firstSeg < f.commit.Segment {
		path := segmentPath(f.dir, f.base, f.firstSeg)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn().Err(err).Str("segment", path).Msg("Failed to remove consumed queue segment.")
			break
		}
		f.firstSeg++
	}
	return nil
}

// compactLocked removes every segment once the queue is drained and acked.
func (f *File) compactLocked() error {
	f.closeReader()
	if f.writer != nil {
		_ = f.writer.Close()
		f.writer = nil
	}
	// The commit point goes first: a stale one must never outlive the
	// segments it points into.
	if err := f.offsets.Delete(f.name); err != nil {
		return fmt.Errorf("%w: clearing offset of %s: %v", types.ErrPersistence, f.name, err)
	}
	if err := f.removeSegmentsLocked(); err != nil {
		return err
	}
	f.commit = Position{}
	f.read = Position{}
	f.firstSeg, f.writeSeg, f.writeSize = 0, 0, 0
	f.logger.Debug().Msg("Queue file drained and compacted.")
	return nil
}

func (f *File) removeSegmentsLocked() error {
	segs, err := listSegments(f.dir, f.base)
	if err != nil {
		return fmt.Errorf("%w: listing segments of %s: %v", types.ErrPersistence, f.name, err)
	}
	for _, seg := range segs {
		if err := os.Remove(segmentPath(f.dir, f.base, seg)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: removing segment %d of %s: %v", types.ErrPersistence, seg, f.name, err)
		}
	}
	return nil
}

// Rewind moves the read cursor back to the commit point so that every
// unacknowledged event is returned again by Get.
func (f *File) Rewind() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.marks {
		if m.entry {
			f.pending++
		}
	}
	f.marks = nil
	f.read = f.commit
	f.closeReader()
}

// Len returns the number of frames not yet read.
func (f *File) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// Unacked returns the number of delivered events awaiting Ack.
func (f *File) Unacked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unackedLocked()
}

func (f *File) unackedLocked() int {
	n := 0
	for _, m := range f.marks {
		if m.delivered {
			n++
		}
	}
	return n
}

// Name returns the logical queue name.
func (f *File) Name() string { return f.name }

// Path returns the path of the first segment, for statistics.
func (f *File) Path() string { return segmentPath(f.dir, f.base, 0) }

// Close releases the file handles. Data and commit point are kept.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.closeReader()
	if f.writer != nil {
		err := f.writer.Close()
		f.writer = nil
		if err != nil {
			return fmt.Errorf("%w: closing queue %s: %v", types.ErrPersistence, f.name, err)
		}
	}
	return nil
}

// Remove closes the queue and deletes its segments and commit point.
func (f *File) Remove() error {
	if err := f.Close(); err != nil {
		f.logger.Warn().Err(err).Msg("Error closing queue before removal.")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.offsets.Delete(f.name); err != nil {
		return fmt.Errorf("%w: clearing offset of %s: %v", types.ErrPersistence, f.name, err)
	}
	return f.removeSegmentsLocked()
}
