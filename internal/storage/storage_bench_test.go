package storage

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
)

// benchStore opens a store for benchmarks.
func benchStore(b *testing.B) *Store {
	b.Helper()

	s, err := Open(filepath.Join(b.TempDir(), "db"))
	if err != nil {
		b.Fatalf("failed to open store: %v", err)
	}

	b.Cleanup(func() { s.Close() })

	return s
}

// makeKey creates a journal-style key for index i.
func makeKey(i int) []byte {
	key := make([]byte, 10)
	copy(key, "j:")
	binary.BigEndian.PutUint64(key[2:], uint64(i))

	return key
}

func BenchmarkApply(b *testing.B) {
	s := benchStore(b)
	value := make([]byte, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		muts := []Mutation{
			{Key: makeKey(i), Value: value},
			{Key: []byte("jh"), Value: value[:16]},
		}
		if err := s.Apply(muts, false); err != nil {
			b.Fatalf("Apply failed: %v", err)
		}
	}
}

func BenchmarkSubmit(b *testing.B) {
	s := benchStore(b)
	value := make([]byte, 256)

	var wg sync.WaitGroup

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wg.Add(1)
		key := makeKey(i)
		s.Submit(func() error { return s.Set(key, value) }, func(error) { wg.Done() })
	}
	wg.Wait()
}
