package sharedmem

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

func testKey(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test.%s.%d", t.Name(), time.Now().UnixNano())
}

func mustCreate(t *testing.T, capacity, startOffset int64) *Array {
	t.Helper()
	a, err := Create(testKey(t), capacity, startOffset)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { a.Destroy() })
	return a
}

func bar(ts int64, px float64) OHLCV {
	return OHLCV{Time: ts, Open: px, High: px, Low: px, Close: px, Volume: 1}
}

func TestCreateAndRoundTrip(t *testing.T) {
	a := mustCreate(t, 100, 50)

	if a.Len() != 0 {
		t.Fatalf("expected empty buffer, got len %d", a.Len())
	}
	if a.First() != 50 || a.Index() != 50 {
		t.Fatalf("cursors not at start offset: first=%d last=%d", a.First(), a.Index())
	}

	in := []OHLCV{
		bar(1000, 10.5),
		bar(1001, 11.25),
		bar(1002, 9.75),
	}
	if err := a.Push(in, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	out := a.Array()
	if len(out) != len(in) {
		t.Fatalf("expected %d records, got %d", len(in), len(out))
	}
	for i, r := range out {
		if r.Time != in[i].Time || r.Close != in[i].Close || r.Volume != in[i].Volume {
			t.Errorf("record %d mismatch: got %+v want %+v", i, r, in[i])
		}
		if r.Index != 50+int64(i) {
			t.Errorf("record %d index = %d, want %d", i, r.Index, 50+int64(i))
		}
	}
}

func TestPrependDoesNotOverlap(t *testing.T) {
	a := mustCreate(t, 100, 50)

	live := []OHLCV{bar(2000, 20), bar(2001, 21)}
	if err := a.Push(live, false); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	hist := []OHLCV{bar(1000, 10), bar(1001, 11), bar(1002, 12)}
	if err := a.Push(hist, true); err != nil {
		t.Fatalf("prepend failed: %v", err)
	}

	out := a.Array()
	if len(out) != 5 {
		t.Fatalf("expected 5 records, got %d", len(out))
	}
	// history first, live data untouched after it
	wantTimes := []int64{1000, 1001, 1002, 2000, 2001}
	for i, r := range out {
		if r.Time != wantTimes[i] {
			t.Errorf("record %d time = %d, want %d", i, r.Time, wantTimes[i])
		}
	}
	if a.First() != 47 {
		t.Errorf("first cursor = %d, want 47", a.First())
	}
}

func TestPushCapacityExceeded(t *testing.T) {
	a := mustCreate(t, 10, 5)

	big := make([]OHLCV, 6)
	if err := a.Push(big, false); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("append overflow: got %v, want ErrCapacityExceeded", err)
	}
	if err := a.Push(big, true); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("prepend overflow: got %v, want ErrCapacityExceeded", err)
	}

	// failed pushes must not move the cursors
	if a.First() != 5 || a.Index() != 5 {
		t.Errorf("cursors moved on failed push: first=%d last=%d", a.First(), a.Index())
	}
}

func TestWriteAtUpdatesInPlace(t *testing.T) {
	a := mustCreate(t, 10, 0)

	if err := a.Push([]OHLCV{bar(1000, 10)}, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	updated := bar(1000, 10)
	updated.High = 12
	updated.Close = 11.5
	updated.Volume = 42
	if err := a.WriteAt(0, updated); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	got, ok := a.Last()
	if !ok {
		t.Fatal("Last returned no record")
	}
	if got.High != 12 || got.Close != 11.5 || got.Volume != 42 {
		t.Errorf("in-place update not visible: %+v", got)
	}
	if a.Len() != 1 {
		t.Errorf("WriteAt changed length: %d", a.Len())
	}

	if err := a.WriteAt(5, updated); err == nil {
		t.Error("WriteAt outside written region should fail")
	}
}

func TestAttachByToken(t *testing.T) {
	a := mustCreate(t, 50, 10)

	in := []OHLCV{bar(3000, 30), bar(3001, 31)}
	if err := a.Push(in, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	r, err := Attach(a.Token(), true)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer r.Close()

	out := r.Array()
	if len(out) != 2 || out[0].Time != 3000 || out[1].Time != 3001 {
		t.Fatalf("reader sees wrong data: %+v", out)
	}

	// writer appends, reader observes without reattaching
	if err := a.Push([]OHLCV{bar(3002, 32)}, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if r.Len() != 3 {
		t.Errorf("reader len = %d after writer append, want 3", r.Len())
	}

	if err := r.Push([]OHLCV{bar(1, 1)}, false); !errors.Is(err, ErrReadOnly) {
		t.Errorf("readonly push: got %v, want ErrReadOnly", err)
	}
	if err := r.WriteAt(10, OHLCV{}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("readonly write: got %v, want ErrReadOnly", err)
	}
}

func TestAttachRejectsBadToken(t *testing.T) {
	a := mustCreate(t, 50, 10)

	badDtype := a.Token()
	badDtype.DtypeDescr = [][2]string{{"index", "i8"}, {"time", "i4"}}
	if _, err := Attach(badDtype, true); !errors.Is(err, ErrDtypeMismatch) {
		t.Errorf("mismatched dtype: got %v, want ErrDtypeMismatch", err)
	}

	badSize := a.Token()
	badSize.Size = 9999
	if _, err := Attach(badSize, true); !errors.Is(err, ErrBadSegment) {
		t.Errorf("mismatched size: got %v, want ErrBadSegment", err)
	}

	missing := a.Token()
	missing.Key = "test.does.not.exist"
	if _, err := Attach(missing, true); err == nil {
		t.Error("attach to missing segment should fail")
	}
}

func TestMaybeOpenCreateThenReattach(t *testing.T) {
	key := testKey(t)

	a, created, err := MaybeOpen(key, 100)
	if err != nil {
		t.Fatalf("MaybeOpen failed: %v", err)
	}
	defer os.Remove(segmentPath(key))
	if !created {
		t.Fatal("first MaybeOpen should create")
	}
	if err := a.Push([]OHLCV{bar(4000, 40)}, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	a.Close()

	b, created, err := MaybeOpen(key, 100)
	if err != nil {
		t.Fatalf("second MaybeOpen failed: %v", err)
	}
	defer b.Close()
	if created {
		t.Fatal("second MaybeOpen should attach, not create")
	}
	if b.Len() != 1 {
		t.Errorf("reattached buffer lost data: len=%d", b.Len())
	}
}

func TestDestroyRemovesSegment(t *testing.T) {
	key := testKey(t)
	a, err := Create(key, 10, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := a.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := os.Stat(segmentPath(key)); !os.IsNotExist(err) {
		t.Errorf("segment file still present after Destroy: %v", err)
	}
}

func TestDuplicateCreateFails(t *testing.T) {
	a := mustCreate(t, 10, 0)
	if _, err := Create(a.Key(), 10, 0); !errors.Is(err, os.ErrExist) {
		t.Errorf("duplicate create: got %v, want ErrExist", err)
	}
}

// TestConcurrentFoldAndRollover exercises the access pattern a live buffer
// sees in the daemon: one goroutine rewrites the open bar in place while
// another reads the newest record and appends the next bar seeded from its
// close. Every write keeps all five price/volume fields equal, so any
// internally inconsistent record observed by either side is a torn
// read/write slipping past the per-Array lock.
func TestConcurrentFoldAndRollover(t *testing.T) {
	a := mustCreate(t, 1024, 0)
	if err := a.Push([]OHLCV{{Time: 1, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}}, false); err != nil {
		t.Fatalf("seed push failed: %v", err)
	}

	uniform := func(r OHLCV) bool {
		return r.Open == r.High && r.High == r.Low && r.Low == r.Close && r.Close == r.Volume
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v := 2.0
		for {
			select {
			case <-done:
				return
			default:
			}
			last, ok := a.Last()
			if !ok {
				continue
			}
			rec := OHLCV{Time: last.Time, Open: v, High: v, Low: v, Close: v, Volume: v}
			if err := a.WriteAt(last.Index, rec); err != nil {
				return
			}
			v++
		}
	}()

	for i := 0; i < 500; i++ {
		last, ok := a.Last()
		if !ok {
			t.Fatal("buffer empty mid-test")
		}
		if !uniform(last) {
			t.Fatalf("torn record observed: %+v", last)
		}
		c := last.Close
		next := OHLCV{Time: last.Time + 1, Open: c, High: c, Low: c, Close: c, Volume: c}
		if err := a.Push([]OHLCV{next}, false); err != nil {
			t.Fatalf("rollover push failed: %v", err)
		}
	}
	close(done)
	wg.Wait()

	for _, r := range a.Array() {
		if !uniform(r) {
			t.Fatalf("torn record in final scan: %+v", r)
		}
	}
}
