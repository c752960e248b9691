package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// newTestStore opens a store in a temporary directory closed at test end.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)

	key := []byte("t:idalloc:0")
	value := []byte("state")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}
}

func TestGetNonExistent(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}
}

// TestApplyMixesSetsAndDeletes tests that a batch can write and delete together.
func TestApplyMixesSetsAndDeletes(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set([]byte("old"), []byte("x")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	muts := []Mutation{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("old")},
	}
	if err := s.Apply(muts, true); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if got, _ := s.Get([]byte("b")); !bytes.Equal(got, []byte("2")) {
		t.Errorf("b = %q, want 2", got)
	}

	if got, _ := s.Get([]byte("old")); got != nil {
		t.Errorf("old = %q, want deleted", got)
	}
}

// TestIterateAndDeletePrefix tests prefix scans stay within their prefix.
func TestIterateAndDeletePrefix(t *testing.T) {
	s := newTestStore(t)

	for _, k := range []string{"j:1", "j:2", "j:3", "jh", "k:1"} {
		if err := s.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	var keys []string
	err := s.IteratePrefix([]byte("j:"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(keys) != 3 || keys[0] != "j:1" || keys[2] != "j:3" {
		t.Errorf("keys = %v, want [j:1 j:2 j:3]", keys)
	}

	if err := s.DeletePrefix([]byte("j:")); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}

	if got, _ := s.Get([]byte("jh")); got == nil {
		t.Error("jh was deleted with the j: prefix")
	}

	if got, _ := s.Get([]byte("j:2")); got != nil {
		t.Error("j:2 survived DeletePrefix")
	}
}

// TestIterateStopsOnError tests that a callback error ends iteration.
func TestIterateStopsOnError(t *testing.T) {
	s := newTestStore(t)
	s.Set([]byte("p1"), []byte("1"))
	s.Set([]byte("p2"), []byte("2"))

	stop := errors.New("stop")
	n := 0
	err := s.IteratePrefix([]byte("p"), func(_, _ []byte) error {
		n++
		return stop
	})

	if !errors.Is(err, stop) || n != 1 {
		t.Errorf("err = %v after %d calls, want stop after 1", err, n)
	}
}

// TestSubmitRunsInOrder tests that jobs run FIFO and report their errors.
func TestSubmitRunsInOrder(t *testing.T) {
	s := newTestStore(t)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	boom := errors.New("boom")
	for i := range 5 {
		wg.Add(1)
		s.Submit(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 3 {
				return boom
			}
			return nil
		}, func(err error) {
			defer wg.Done()
			if (i == 3) != errors.Is(err, boom) {
				t.Errorf("job %d got err %v", i, err)
			}
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

// TestSubmitAfterClose tests that late jobs complete asynchronously with ErrClosed.
func TestSubmitAfterClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got := make(chan error, 1)
	s.Submit(func() error { return nil }, func(err error) { got <- err })

	select {
	case err := <-got:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("done was never called")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		in   []byte
		want []byte
	}{
		{[]byte("j:"), []byte("j;")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
	}

	for _, tt := range tests {
		if got := prefixUpperBound(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}
}
