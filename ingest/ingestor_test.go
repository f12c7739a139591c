package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []string
	err   error
	banOn int // report a ban on this call number, 0 = never
}

func (s *recordingSink) RecordFailure(_ context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, address)
	if s.err != nil {
		return false, s.err
	}
	return s.banOn != 0 && len(s.calls) == s.banOn, nil
}

func (s *recordingSink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

const failureLine = `{"eventid":"cowrie.login.failed","src_ip":"X","username":"root","password":"123456"}` + "\n"

func appendTo(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// startIngestor runs an ingestor in the background and waits until it has
// positioned itself on the source.
func startIngestor(t *testing.T, path string, sink FailureSink, opts ...Option) (stop func() error) {
	t.Helper()
	opts = append([]Option{
		WithPollInterval(10 * time.Millisecond),
		WithRetry(10*time.Millisecond, 40*time.Millisecond),
		WithWatcher(false),
	}, opts...)
	in, err := New(path, sink, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	select {
	case <-in.Ready():
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("ingestor never became ready")
	}

	var once sync.Once
	var runErr error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(2 * time.Second):
				runErr = errors.New("ingestor did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestIngestorSkipsHistoryAndMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowrie.json")
	appendTo(t, path, failureLine+failureLine+failureLine)

	sink := &recordingSink{}
	stop := startIngestor(t, path, sink)

	appendTo(t, path, failureLine+"{not json at all\n"+failureLine)

	require.Eventually(t, func() bool { return len(sink.Calls()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.ErrorIs(t, stop(), context.Canceled)
	assert.Equal(t, []string{"X", "X"}, sink.Calls())
}

func TestIngestorFiltersEventKinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowrie.json")
	appendTo(t, path, "")

	sink := &recordingSink{}
	startIngestor(t, path, sink)

	appendTo(t, path,
		`{"eventid":"cowrie.session.connect","src_ip":"10.0.0.1"}`+"\n"+
			`{"eventid":"cowrie.login.success","src_ip":"10.0.0.2"}`+"\n"+
			`{"eventid":"cowrie.login.failed"}`+"\n"+
			`{"eventid":"cowrie.login.failed","src_ip":42}`+"\n"+
			`{"eventid":"cowrie.login.failed","src_ip":"  "}`+"\n"+
			`["cowrie.login.failed"]`+"\n"+
			"\n"+
			`{"eventid":"cowrie.login.failed","src_ip":"10.0.0.3"}`+"\n")

	require.Eventually(t, func() bool { return len(sink.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"10.0.0.3"}, sink.Calls())
}

func TestIngestorCustomFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	appendTo(t, path, "")

	sink := &recordingSink{}
	startIngestor(t, path, sink,
		WithFields("event", "peer"),
		WithFailureEvents("auth.failed", "auth.rejected"))

	appendTo(t, path,
		`{"event":"auth.failed","peer":"192.0.2.1"}`+"\n"+
			`{"event":"auth.rejected","peer":"192.0.2.2"}`+"\n"+
			`{"eventid":"cowrie.login.failed","src_ip":"192.0.2.3"}`+"\n")

	require.Eventually(t, func() bool { return len(sink.Calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.2"}, sink.Calls())
}

func TestIngestorCompletesPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowrie.json")
	appendTo(t, path, "")

	sink := &recordingSink{}
	startIngestor(t, path, sink)

	appendTo(t, path, `{"eventid":"cowrie.login.failed",`)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.Calls())

	appendTo(t, path, `"src_ip":"198.51.100.4"}`+"\n")
	require.Eventually(t, func() bool { return len(sink.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"198.51.100.4"}, sink.Calls())
}

func TestIngestorWaitsForMissingSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.json")

	sink := &recordingSink{}
	startIngestor(t, path, sink)
	time.Sleep(60 * time.Millisecond)

	// Everything in a source created after start is new.
	appendTo(t, path, failureLine+failureLine)
	require.Eventually(t, func() bool { return len(sink.Calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestIngestorHandlesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowrie.json")
	appendTo(t, path, failureLine+failureLine)

	sink := &recordingSink{}
	startIngestor(t, path, sink)

	require.NoError(t, os.Truncate(path, 0))
	time.Sleep(50 * time.Millisecond)
	appendTo(t, path, `{"eventid":"cowrie.login.failed","src_ip":"203.0.113.8"}`+"\n")

	require.Eventually(t, func() bool { return len(sink.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"203.0.113.8"}, sink.Calls())
}

func TestIngestorCatchesTruncateThenRegrow(t *testing.T) {
	regrown := `{"eventid":"cowrie.login.failed","src_ip":"203.0.113.10","username":"admin"}` + "\n"

	for _, tc := range []struct {
		name  string
		watch bool
		poll  time.Duration
	}{
		{"polling", false, 200 * time.Millisecond},
		{"watcher", true, time.Hour},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cowrie.json")
			appendTo(t, path, failureLine+failureLine)

			sink := &recordingSink{}
			startIngestor(t, path, sink, WithPollInterval(tc.poll), WithWatcher(tc.watch))

			// copytruncate followed by writes that pass the old offset
			require.NoError(t, os.Truncate(path, 0))
			appendTo(t, path, regrown+regrown+regrown)

			require.Eventually(t, func() bool { return len(sink.Calls()) == 3 }, 2*time.Second, 5*time.Millisecond)
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, []string{"203.0.113.10", "203.0.113.10", "203.0.113.10"}, sink.Calls())
		})
	}
}

func TestIngestorFollowsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cowrie.json")
	appendTo(t, path, failureLine)

	sink := &recordingSink{}
	startIngestor(t, path, sink)

	require.NoError(t, os.Rename(path, filepath.Join(dir, "cowrie.json.1")))
	appendTo(t, path, `{"eventid":"cowrie.login.failed","src_ip":"203.0.113.9"}`+"\n")

	require.Eventually(t, func() bool { return len(sink.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"203.0.113.9"}, sink.Calls())
}

func TestIngestorSurvivesSinkErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowrie.json")
	appendTo(t, path, "")

	sink := &recordingSink{err: errors.New("storage unavailable")}
	stop := startIngestor(t, path, sink)

	appendTo(t, path, failureLine+failureLine+failureLine)
	require.Eventually(t, func() bool { return len(sink.Calls()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, stop(), context.Canceled)
}

func TestIngestorWithWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowrie.json")
	appendTo(t, path, failureLine)

	sink := &recordingSink{banOn: 1}
	// A long poll interval means only the watcher can deliver in time.
	startIngestor(t, path, sink, WithPollInterval(time.Hour), WithWatcher(true))

	appendTo(t, path, failureLine)
	require.Eventually(t, func() bool { return len(sink.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func withOpener(open func(string) (*os.File, error)) Option {
	return func(in *Ingestor) { in.open = open }
}

func TestIngestorDoesNotReplayAfterOpenError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowrie.json")
	appendTo(t, path, failureLine+failureLine+failureLine)

	var attempts atomic.Int32
	flaky := func(name string) (*os.File, error) {
		if attempts.Add(1) <= 2 {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
		}
		return os.Open(name)
	}

	sink := &recordingSink{}
	startIngestor(t, path, sink, withOpener(flaky))
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))

	appendTo(t, path, `{"eventid":"cowrie.login.failed","src_ip":"198.51.100.7"}`+"\n")
	require.Eventually(t, func() bool { return len(sink.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"198.51.100.7"}, sink.Calls())
}

func TestIngestorDropsOversizedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowrie.json")
	appendTo(t, path, "")

	sink := &recordingSink{}
	startIngestor(t, path, sink)

	junk := strings.Repeat("a", MaxLineSize+1)
	// complete oversized record
	appendTo(t, path, junk+"\n")
	// unterminated oversized record, finished later
	appendTo(t, path, junk)
	time.Sleep(50 * time.Millisecond)
	appendTo(t, path, `","src_ip":"192.0.2.200"}`+"\n")
	appendTo(t, path, `{"eventid":"cowrie.login.failed","src_ip":"192.0.2.201"}`+"\n")

	require.Eventually(t, func() bool { return len(sink.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"192.0.2.201"}, sink.Calls())
}

func TestPositionFlagsShrunkFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowrie.json")
	appendTo(t, path, "0123456789")

	var p position
	p.checkSize()
	assert.False(t, p.takeSuspect(), "no path yet")

	p.reset(path, 10)
	p.checkSize()
	assert.False(t, p.takeSuspect())

	p.advance(20)
	p.checkSize()
	assert.True(t, p.takeSuspect())
	assert.False(t, p.takeSuspect(), "flag is consumed")

	p.checkSize()
	p.reset(path, 0)
	assert.False(t, p.takeSuspect(), "reset clears the flag")
}

func TestAppendTailKeepsLastBytes(t *testing.T) {
	var tail []byte
	tail = appendTail(tail, []byte("abc"))
	assert.Equal(t, "abc", string(tail))

	big := strings.Repeat("x", tailSize-1) + "yz"
	tail = appendTail(tail, []byte(big))
	require.Len(t, tail, tailSize)
	assert.Equal(t, big[len(big)-tailSize:], string(tail))

	tail = appendTail(tail, []byte("!"))
	require.Len(t, tail, tailSize)
	assert.Equal(t, byte('!'), tail[tailSize-1])
	assert.Equal(t, big[len(big)-tailSize+1:], string(tail[:tailSize-1]))
}

func TestNewValidatesOptions(t *testing.T) {
	sink := &recordingSink{}
	_, err := New("", sink)
	assert.Error(t, err)
	_, err = New("x.json", nil)
	assert.Error(t, err)
	_, err = New("x.json", sink, WithPollInterval(0))
	assert.Error(t, err)
	_, err = New("x.json", sink, WithRetry(time.Second, time.Millisecond))
	assert.Error(t, err)
	_, err = New("x.json", sink, WithFailureEvents())
	assert.Error(t, err)
}

func TestDecodeEvent(t *testing.T) {
	ev, err := decodeEvent([]byte(`  {"eventid":"cowrie.login.failed","src_ip":" 10.1.1.1 "}  `), DefaultKindField, DefaultAddressField)
	require.NoError(t, err)
	assert.Equal(t, Event{Kind: DefaultFailureEvent, Address: "10.1.1.1"}, ev)

	_, err = decodeEvent([]byte("null"), DefaultKindField, DefaultAddressField)
	assert.Error(t, err)
	_, err = decodeEvent([]byte("   "), DefaultKindField, DefaultAddressField)
	assert.ErrorIs(t, err, errEmptyLine)
	_, err = decodeEvent([]byte(`{"eventid":`), DefaultKindField, DefaultAddressField)
	assert.Error(t, err)
}
