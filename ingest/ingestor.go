package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const (
	DefaultPollInterval = time.Second
	DefaultRetryMin     = time.Second
	DefaultRetryMax     = 30 * time.Second

	// MaxLineSize bounds a single record. Longer records are discarded.
	MaxLineSize = 1 << 20

	// tailSize is how much of the consumed stream is re-read to confirm the
	// file was not truncated and regrown between polls.
	tailSize = 4096
)

var errSourceReplaced = errors.New("event source replaced")

// FailureSink receives the addresses of failed authentications.
type FailureSink interface {
	RecordFailure(ctx context.Context, address string) (bool, error)
}

// Ingestor follows an append-only file of JSON event records and forwards
// failure events to a FailureSink.
type Ingestor struct {
	path string
	sink FailureSink

	pollInterval time.Duration
	retryMin     time.Duration
	retryMax     time.Duration
	kindField    string
	addrField    string
	failureKinds map[string]struct{}
	successKinds map[string]struct{}
	watch        bool
	logger       *log.Logger
	open         func(name string) (*os.File, error)
	pos          position

	readyOnce sync.Once
	ready     chan struct{}
}

type Option func(*Ingestor)

func WithPollInterval(d time.Duration) Option {
	return func(in *Ingestor) { in.pollInterval = d }
}

// WithRetry sets the backoff bounds used while the source is unavailable.
func WithRetry(lo, hi time.Duration) Option {
	return func(in *Ingestor) {
		in.retryMin = lo
		in.retryMax = hi
	}
}

func WithFields(kindField, addressField string) Option {
	return func(in *Ingestor) {
		in.kindField = kindField
		in.addrField = addressField
	}
}

func WithFailureEvents(kinds ...string) Option {
	return func(in *Ingestor) { in.failureKinds = kindSet(kinds) }
}

func WithSuccessEvents(kinds ...string) Option {
	return func(in *Ingestor) { in.successKinds = kindSet(kinds) }
}

// WithWatcher toggles fsnotify wake-ups. Polling is always on.
func WithWatcher(enabled bool) Option {
	return func(in *Ingestor) { in.watch = enabled }
}

func WithLogger(l *log.Logger) Option {
	return func(in *Ingestor) { in.logger = l }
}

func New(path string, sink FailureSink, opts ...Option) (*Ingestor, error) {
	if path == "" {
		return nil, errors.New("ingest: empty source path")
	}
	if sink == nil {
		return nil, errors.New("ingest: nil sink")
	}
	in := &Ingestor{
		path:         filepath.Clean(path),
		sink:         sink,
		pollInterval: DefaultPollInterval,
		retryMin:     DefaultRetryMin,
		retryMax:     DefaultRetryMax,
		kindField:    DefaultKindField,
		addrField:    DefaultAddressField,
		failureKinds: kindSet([]string{DefaultFailureEvent}),
		successKinds: kindSet([]string{DefaultSuccessEvent}),
		watch:        true,
		logger:       log.Default(),
		open:         os.Open,
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.pollInterval <= 0 {
		return nil, fmt.Errorf("ingest: poll interval must be positive, got %s", in.pollInterval)
	}
	if in.retryMin <= 0 || in.retryMax < in.retryMin {
		return nil, fmt.Errorf("ingest: invalid retry bounds %s..%s", in.retryMin, in.retryMax)
	}
	if len(in.failureKinds) == 0 {
		return nil, errors.New("ingest: no failure event kinds configured")
	}
	return in, nil
}

// Ready is closed once the ingestor has positioned itself at the end of the
// source, or has found the source missing.
func (in *Ingestor) Ready() <-chan struct{} {
	return in.ready
}

// Run follows the source until ctx is cancelled and then returns ctx.Err().
// Records already in the source when Run starts are not replayed.
func (in *Ingestor) Run(ctx context.Context) error {
	wake := in.startWatcher(ctx)

	fromEnd := true
	backoff := in.retryMin
	for {
		f, err := in.open(in.path)
		if err != nil {
			sourceRetries.Inc()
			if errors.Is(err, fs.ErrNotExist) {
				// Anything that shows up later was appended after start.
				fromEnd = false
				in.markReady()
				in.logger.Warn("event source unavailable, retrying", "path", in.path, "retry_in", backoff)
			} else {
				// The file may exist with history, keep fromEnd as it is.
				in.logger.Error("open event source", "path", in.path, "error", err, "retry_in", backoff)
			}
			if !in.wait(ctx, wake, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > in.retryMax {
				backoff = in.retryMax
			}
			continue
		}
		backoff = in.retryMin

		err = in.follow(ctx, f, fromEnd, wake)
		_ = f.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errSourceReplaced) {
			in.logger.Info("event source replaced, reopening", "path", in.path)
			fromEnd = false
			continue
		}
		// Reopening at the end skips records rather than replaying them.
		in.logger.Error("reading event source", "path", in.path, "error", err, "retry_in", in.retryMin)
		fromEnd = true
		if !in.wait(ctx, nil, in.retryMin) {
			return ctx.Err()
		}
	}
}

// follow reads records from f until ctx is done, the path stops pointing at
// f, or a read fails.
func (in *Ingestor) follow(ctx context.Context, f *os.File, fromEnd bool, wake <-chan struct{}) error {
	var offset int64
	var tail []byte
	if fromEnd {
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return fmt.Errorf("seek to end: %w", err)
		}
		offset = end
		if tail, err = readTail(f, end); err != nil {
			return err
		}
	}
	in.pos.reset(in.path, offset)
	in.markReady()
	in.logger.Info("following event source", "path", in.path, "offset", offset)

	reader := bufio.NewReader(f)
	var pending []byte
	discarding := false
	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			offset += int64(len(chunk))
			tail = appendTail(tail, chunk)
			in.pos.advance(offset)
		}
		if err == nil {
			switch {
			case discarding:
				// the newline ends an oversized record
				discarding = false
			case len(pending)+len(chunk) > MaxLineSize:
				in.dropOversized(len(pending) + len(chunk))
			default:
				if len(pending) > 0 {
					chunk = append(pending, chunk...)
				}
				in.handleLine(ctx, chunk)
			}
			pending = nil
			continue
		}
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("read: %w", err)
		}
		// A record without its newline yet is finished on a later read.
		if !discarding {
			pending = append(pending, chunk...)
			if len(pending) > MaxLineSize {
				in.dropOversized(len(pending))
				pending = nil
				discarding = true
			}
		}

		truncated, replaced, err := in.checkSource(f, offset, tail)
		if err != nil {
			return err
		}
		if replaced {
			if len(pending) > 0 {
				in.handleLine(ctx, pending)
			}
			return errSourceReplaced
		}
		if !truncated {
			if !in.wait(ctx, wake, in.pollInterval) {
				return ctx.Err()
			}
			// Check again before reading, so bytes of a regrown file are
			// never read from the stale offset.
			if truncated, _, err = in.checkSource(f, offset, tail); err != nil {
				return err
			}
		}
		if truncated {
			in.logger.Info("event source truncated, rewinding", "path", in.path, "offset", offset)
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind: %w", err)
			}
			reader.Reset(f)
			offset = 0
			tail = nil
			pending = nil
			discarding = false
			in.pos.reset(in.path, 0)
		}
	}
}

func (in *Ingestor) dropOversized(size int) {
	eventsTotal.WithLabelValues("malformed").Inc()
	in.logger.Warn("skipping oversized event", "path", in.path, "bytes", size, "limit", MaxLineSize)
}

// checkSource reports whether f was truncated under offset or whether the
// path now names a different file (or none). A file that was truncated and
// then regrown past offset is caught by comparing the bytes just before
// offset with tail, the last bytes consumed.
func (in *Ingestor) checkSource(f *os.File, offset int64, tail []byte) (truncated, replaced bool, err error) {
	cur, err := f.Stat()
	if err != nil {
		return false, false, fmt.Errorf("stat open source: %w", err)
	}
	onDisk, err := os.Stat(in.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, true, nil
		}
		return false, false, fmt.Errorf("stat source path: %w", err)
	}
	if !os.SameFile(cur, onDisk) {
		return false, true, nil
	}
	if cur.Size() < offset || in.pos.takeSuspect() {
		return true, false, nil
	}
	if len(tail) == 0 {
		return false, false, nil
	}
	buf := make([]byte, len(tail))
	if _, err := f.ReadAt(buf, offset-int64(len(tail))); err != nil {
		if errors.Is(err, io.EOF) {
			// shrank between Stat and ReadAt
			return true, false, nil
		}
		return false, false, fmt.Errorf("verify source: %w", err)
	}
	return !bytes.Equal(buf, tail), false, nil
}

func (in *Ingestor) handleLine(ctx context.Context, line []byte) {
	ev, err := decodeEvent(line, in.kindField, in.addrField)
	if errors.Is(err, errEmptyLine) {
		return
	}
	if err != nil {
		eventsTotal.WithLabelValues("malformed").Inc()
		in.logger.Warn("skipping malformed event", "path", in.path, "error", err)
		return
	}

	if _, ok := in.successKinds[ev.Kind]; ok {
		eventsTotal.WithLabelValues("success").Inc()
		in.logger.Debug("authentication success observed", "addr", ev.Address)
		return
	}
	if _, ok := in.failureKinds[ev.Kind]; !ok {
		eventsTotal.WithLabelValues("ignored").Inc()
		return
	}
	if ev.Address == "" {
		eventsTotal.WithLabelValues("no_address").Inc()
		in.logger.Warn("failure event without address", "field", in.addrField)
		return
	}

	eventsTotal.WithLabelValues("failure").Inc()
	banned, err := in.sink.RecordFailure(ctx, ev.Address)
	if err != nil {
		sinkErrors.Inc()
		in.logger.Error("record failure", "addr", ev.Address, "error", err)
		return
	}
	if banned {
		bansTriggered.Inc()
		in.logger.Info("address banned from event source", "addr", ev.Address)
	}
}

// wait sleeps for d, returning early on a watcher wake-up. It returns false
// once ctx is done.
func (in *Ingestor) wait(ctx context.Context, wake <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-wake:
	}
	return true
}

// startWatcher watches the source's directory so that writes, creations and
// renames cut the poll wait short. It returns nil when watching is off or
// unavailable; a nil channel never fires.
func (in *Ingestor) startWatcher(ctx context.Context) <-chan struct{} {
	if !in.watch {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		in.logger.Warn("file watcher unavailable, polling only", "error", err)
		return nil
	}
	dir := filepath.Dir(in.path)
	if err := watcher.Add(dir); err != nil {
		in.logger.Warn("cannot watch event source directory, polling only", "dir", dir, "error", err)
		_ = watcher.Close()
		return nil
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != in.path {
					continue
				}
				if ev.Has(fsnotify.Write) {
					in.pos.checkSize()
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				in.logger.Warn("file watcher error", "error", err)
			}
		}
	}()
	return wake
}

func (in *Ingestor) markReady() {
	in.readyOnce.Do(func() { close(in.ready) })
}

func kindSet(kinds []string) map[string]struct{} {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// readTail returns the last bytes of f before end, at most tailSize.
func readTail(f *os.File, end int64) ([]byte, error) {
	n := min(end, tailSize)
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, end-n); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read tail: %w", err)
	}
	return buf, nil
}

func appendTail(tail, chunk []byte) []byte {
	if len(chunk) >= tailSize {
		return append(tail[:0], chunk[len(chunk)-tailSize:]...)
	}
	if over := len(tail) + len(chunk) - tailSize; over > 0 {
		tail = append(tail[:0], tail[over:]...)
	}
	return append(tail, chunk...)
}

// position shares the read offset with the watcher goroutine, so a write
// notification that finds the file shorter than what was already consumed
// marks the stream as truncated even if it regrows before the next poll.
type position struct {
	mu      sync.Mutex
	path    string
	offset  int64
	suspect bool
}

func (p *position) reset(path string, offset int64) {
	p.mu.Lock()
	p.path = path
	p.offset = offset
	p.suspect = false
	p.mu.Unlock()
}

func (p *position) advance(offset int64) {
	p.mu.Lock()
	p.offset = offset
	p.mu.Unlock()
}

// checkSize stats the file under the lock, so the size and the offset it is
// compared with are observed together.
func (p *position) checkSize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.path == "" {
		return
	}
	fi, err := os.Stat(p.path)
	if err == nil && fi.Size() < p.offset {
		p.suspect = true
	}
}

func (p *position) takeSuspect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.suspect
	p.suspect = false
	return s
}
