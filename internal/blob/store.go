// Package blob holds binary payloads that the wire representation cannot
// carry. Only the coordinator context owns a Store; every other locus
// exchanges bytes for references through the bus.
package blob

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"

	"github.com/contextmesh/crossbus/internal/infrastructure/monitoring"
	"github.com/contextmesh/crossbus/internal/shared/id"
)

// DefaultTTL bounds how long an unresolved reference stays resident.
const DefaultTTL = 30 * time.Second

// compressThreshold is the payload size above which entries are
// gzip-compressed at rest.
const compressThreshold = 4 * 1024

// sweepInterval is how often expired entries are collected.
const sweepInterval = time.Second

type entry struct {
	data       []byte
	compressed bool
	mime       string
	expiresAt  time.Time
}

// Store is a TTL-bounded, single-use reference store. References are
// consumed by their first successful resolution; unresolved references
// are collected when their TTL elapses.
type Store struct {
	mu      sync.Mutex
	entries map[id.BlobID]*entry
	bytes   int64
	ttl     time.Duration
	metrics *monitoring.Metrics
	done    chan struct{}
	closed  bool
}

// NewStore creates a store and starts its expiry sweep.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		entries: make(map[id.BlobID]*entry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// WithMetrics attaches a metrics collector.
func (s *Store) WithMetrics(m *monitoring.Metrics) *Store {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
	return s
}

// Put stores the bytes and returns a reference valid for one resolution
// within the TTL. Concurrent writers never collide: every reference is a
// fresh ULID.
func (s *Store) Put(data []byte) (id.BlobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("blob store closed")
	}

	e := &entry{
		mime:      mimetype.Detect(data).String(),
		expiresAt: time.Now().Add(s.ttl),
	}
	if len(data) > compressThreshold {
		compressed, err := compress(data)
		if err != nil {
			return "", fmt.Errorf("compress blob: %w", err)
		}
		e.data = compressed
		e.compressed = true
	} else {
		e.data = append([]byte(nil), data...)
	}

	ref := id.NewBlobID()
	s.entries[ref] = e
	s.bytes += int64(len(e.data))
	s.report()
	return ref, nil
}

// Resolve exchanges a reference for the original bytes. The entry is
// consumed: a second resolution of the same reference fails.
func (s *Store) Resolve(ref id.BlobID) ([]byte, error) {
	s.mu.Lock()
	e, ok := s.entries[ref]
	if ok {
		s.remove(ref, e)
	}
	s.report()
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown or expired blob reference: %s", ref)
	}
	if e.compressed {
		return decompress(e.data)
	}
	return e.data, nil
}

// ContentType returns the sniffed MIME type of a resident entry without
// consuming it.
func (s *Store) ContentType(ref id.BlobID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ref]
	if !ok {
		return "", false
	}
	return e.mime, true
}

// Len returns the number of resident entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the sweep and drops all entries.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	s.entries = make(map[id.BlobID]*entry)
	s.bytes = 0
	s.report()
}

// remove must be called with the lock held.
func (s *Store) remove(ref id.BlobID, e *entry) {
	delete(s.entries, ref)
	s.bytes -= int64(len(e.data))
}

// report must be called with the lock held.
func (s *Store) report() {
	if s.metrics != nil {
		s.metrics.SetBlobStore(len(s.entries), s.bytes)
	}
}

func (s *Store) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for ref, e := range s.entries {
				if now.After(e.expiresAt) {
					s.remove(ref, e)
				}
			}
			s.report()
			s.mu.Unlock()
		}
	}
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
