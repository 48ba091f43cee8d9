package valuelog_test

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/mdt/valuelog"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func writable(t testing.TB, fs vfs.FS, o valuelog.Options) *valuelog.Log {
	o.FileName = "v*.data"
	if o.WriterID == "" {
		o.WriterID = "w1"
	}
	if o.Now == nil {
		o.Now = func() time.Time { return start }
	}
	o.NoSync = true
	o.Verbose = true
	o.Logger = slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l := valuelog.New(fs, "vlog", o)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLog_trivial(t *testing.T) {
	l := writable(t, vfs.NewMem(), valuelog.Options{})
	l1 := must(l.Append([]byte("hello")))
	l2 := must(l.Append([]byte("w")))
	l3 := must(l.Append([]byte("orld")))

	deepEq(t, l.Segments(), []string{"v000000000001-20240101T000000.000000-w1.data"})

	// 128-byte header, then uvarint size, data, 8-byte checksum.
	deepEq(t, l1, valuelog.Location{Segment: 1, Offset: 129, Length: 5})
	deepEq(t, l2, valuelog.Location{Segment: 1, Offset: 129 + 5 + 8 + 1, Length: 1})
	deepEq(t, l3, valuelog.Location{Segment: 1, Offset: 129 + 5 + 8 + 1 + 1 + 8 + 1, Length: 4})

	bytesEq(t, must(l.Read(l1)), []byte("hello"))
	bytesEq(t, must(l.Read(l2)), []byte("w"))
	bytesEq(t, must(l.Read(l3)), []byte("orld"))
}

func TestLog_emptyPayload(t *testing.T) {
	l := writable(t, vfs.NewMem(), valuelog.Options{})
	a := must(l.Append(nil))
	b := must(l.Append(nil))
	if a == b {
		t.Errorf("** two empty appends returned the same location %v", a)
	}
	bytesEq(t, must(l.Read(a)), []byte{})
}

func TestLog_rotation(t *testing.T) {
	l := writable(t, vfs.NewMem(), valuelog.Options{MaxFileSize: 256})
	payload := bytes.Repeat([]byte("x"), 100)
	var locs []valuelog.Location
	for i := 0; i < 5; i++ {
		locs = append(locs, must(l.Append(payload)))
	}
	if n := len(l.Segments()); n != 5 {
		t.Errorf("** got %d segments, wanted 5: %v", n, l.Segments())
	}
	for i, loc := range locs {
		if loc.Segment != uint32(i+1) {
			t.Errorf("** locs[%d].Segment = %d, wanted %d", i, loc.Segment, i+1)
		}
		bytesEq(t, must(l.Read(loc)), payload)
	}
}

func TestLog_continuesOrdinals(t *testing.T) {
	fs := vfs.NewMem()
	l := writable(t, fs, valuelog.Options{})
	old := must(l.Append([]byte("first")))
	ensure(l.Close())

	if _, err := l.Append([]byte("x")); !errors.Is(err, valuelog.ErrClosed) {
		t.Errorf("** Append after Close = %v, wanted ErrClosed", err)
	}

	l2 := writable(t, fs, valuelog.Options{WriterID: "w2", Now: func() time.Time { return start.Add(time.Second) }})
	loc := must(l2.Append([]byte("second")))
	if loc.Segment != 2 {
		t.Errorf("** second log started at segment %d, wanted 2", loc.Segment)
	}
	deepEq(t, l2.Segments(), []string{
		"v000000000001-20240101T000000.000000-w1.data",
		"v000000000002-20240101T000001.000000-w2.data",
	})
	bytesEq(t, must(l2.Read(old)), []byte("first"))
	bytesEq(t, must(l2.Read(loc)), []byte("second"))

	if _, err := l2.Read(valuelog.Location{Segment: 9, Offset: 129, Length: 1}); !errors.Is(err, valuelog.ErrUnknownSegment) {
		t.Errorf("** Read of missing segment = %v, wanted ErrUnknownSegment", err)
	}
}

func TestLog_concurrentAppends(t *testing.T) {
	l := writable(t, vfs.NewMem(), valuelog.Options{MaxFileSize: 4096})

	const writers, perWriter = 16, 40
	locs := make([][]valuelog.Location, writers)
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				loc, err := l.Append(payloadFor(w, i))
				if err != nil {
					return err
				}
				locs[w] = append(locs[w], loc)
			}
			return nil
		})
	}
	ensure(g.Wait())

	var all []valuelog.Location
	for w := range locs {
		for i, loc := range locs[w] {
			bytesEq(t, must(l.Read(loc)), payloadFor(w, i))
			all = append(all, loc)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Segment != all[j].Segment {
			return all[i].Segment < all[j].Segment
		}
		return all[i].Offset < all[j].Offset
	})
	for i := 1; i < len(all); i++ {
		if all[i-1].Overlaps(all[i]) {
			t.Fatalf("** %v overlaps %v", all[i-1], all[i])
		}
	}
}

func payloadFor(w, i int) []byte {
	return []byte(fmt.Sprintf("writer %d record %d %s", w, i, bytes.Repeat([]byte{'.'}, i)))
}

func TestLog_createFailure(t *testing.T) {
	fs := &faultyFS{FS: vfs.NewMem()}
	l := writable(t, fs, valuelog.Options{})

	fs.failCreate.Store(true)
	if _, err := l.Append([]byte("x")); !errors.Is(err, errInjected) {
		t.Fatalf("** Append = %v, wanted injected error", err)
	}
	if n := len(l.Segments()); n != 0 {
		t.Errorf("** got %d segments after failed create, wanted 0", n)
	}

	fs.failCreate.Store(false)
	loc := must(l.Append([]byte("x")))
	bytesEq(t, must(l.Read(loc)), []byte("x"))
}

func TestLog_writeFailureStartsNewSegment(t *testing.T) {
	fs := &faultyFS{FS: vfs.NewMem()}
	l := writable(t, fs, valuelog.Options{})

	first := must(l.Append([]byte("ok")))
	fs.failWrite.Store(true)
	if _, err := l.Append([]byte("lost")); !errors.Is(err, errInjected) {
		t.Fatalf("** Append = %v, wanted injected error", err)
	}
	fs.failWrite.Store(false)
	next := must(l.Append([]byte("later")))
	if next.Segment != first.Segment+1 {
		t.Errorf("** append after failure went to segment %d, wanted %d", next.Segment, first.Segment+1)
	}
	bytesEq(t, must(l.Read(first)), []byte("ok"))
	bytesEq(t, must(l.Read(next)), []byte("later"))
}

func TestLog_detectsCorruption(t *testing.T) {
	dir := t.TempDir()
	o := valuelog.Options{FileName: "v*.data", WriterID: "w1", NoSync: true, Now: func() time.Time { return start }}
	l := valuelog.New(vfs.Default, dir, o)
	loc := must(l.Append([]byte("hello")))
	ensure(l.Close())

	name := filepath.Join(dir, "v000000000001-20240101T000000.000000-w1.data")
	data := must(os.ReadFile(name))
	data[loc.Offset] ^= 0xFF
	ensure(os.WriteFile(name, data, 0o644))

	l = valuelog.New(vfs.Default, dir, o)
	defer l.Close()
	if _, err := l.Read(loc); !errors.Is(err, valuelog.ErrCorrupted) {
		t.Errorf("** Read of corrupted record = %v, wanted ErrCorrupted", err)
	}
	if _, err := l.Read(valuelog.Location{Segment: 1, Offset: loc.Offset, Length: 1 << 20}); err == nil {
		t.Errorf("** Read past end of segment succeeded")
	}
}

func TestProperty_AppendReadRoundTrip(t *testing.T) {
	l := writable(t, vfs.NewMem(), valuelog.Options{MaxFileSize: 1024})

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	var prev []valuelog.Location
	properties.Property("Read(Append(p)) == p and locations never alias", prop.ForAll(
		func(payload []byte) bool {
			loc, err := l.Append(payload)
			if err != nil {
				return false
			}
			got, err := l.Read(loc)
			if err != nil || !bytes.Equal(got, payload) {
				return false
			}
			for _, p := range prev {
				if p == loc || p.Overlaps(loc) {
					return false
				}
			}
			prev = append(prev, loc)
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

var errInjected = errors.New("injected error")

type faultyFS struct {
	vfs.FS
	failCreate atomic.Bool
	failWrite  atomic.Bool
}

func (fs *faultyFS) Create(name string) (vfs.File, error) {
	if fs.failCreate.Load() {
		return nil, errInjected
	}
	f, err := fs.FS.Create(name)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: f, fs: fs}, nil
}

type faultyFile struct {
	vfs.File
	fs *faultyFS
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if f.fs.failWrite.Load() {
		return 0, errInjected
	}
	return f.File.Write(p)
}

type logWriter struct {
	t testing.TB
}

func (w *logWriter) Write(b []byte) (int, error) {
	w.t.Log(string(bytes.TrimSuffix(b, []byte{'\n'})))
	return len(b), nil
}

func bytesEq(t testing.TB, a, e []byte) {
	if !bytes.Equal(a, e) {
		t.Helper()
		t.Errorf("** got %q, wanted %q", a, e)
	}
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
