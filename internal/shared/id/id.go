// Package id provides centralized ID generation for the bus.
//
// Routing identifiers are prefixed ULIDs: lexicographically sortable,
// unique across loci, and readable in logs (req_*, fwd_*, conn_*). Blob
// references are prefixed random UUIDs instead; they act as single-use
// capabilities, so they get full random entropy and no embedded mint
// time.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// RequestID pairs an outgoing call with its eventual reply
type RequestID string

// BlobID identifies an entry in the coordinator blob store
type BlobID string

// ForwardTag identifies the proxy hop that created a forwarding handler
type ForwardTag string

// ConnID identifies a relay attachment (one hosted document or process)
type ConnID string

// ID prefixes
const (
	RequestPrefix = "req"
	BlobPrefix    = "blob"
	ForwardPrefix = "fwd"
	ConnPrefix    = "conn"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source
// Useful for testing with deterministic entropy
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewRequestID generates a new request correlation ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewBlobID generates a new blob reference ID
func NewBlobID() BlobID {
	return BlobID(fmt.Sprintf("%s_%s", BlobPrefix, uuid.NewString()))
}

// NewForwardTag generates a new forwarding tag
func NewForwardTag() ForwardTag {
	return ForwardTag(Default().GenerateWithPrefix(ForwardPrefix))
}

// NewConnID generates a new attachment ID
func NewConnID() ConnID {
	return ConnID(Default().GenerateWithPrefix(ConnPrefix))
}

// String methods for ID types
func (id RequestID) String() string  { return string(id) }
func (id BlobID) String() string     { return string(id) }
func (id ForwardTag) String() string { return string(id) }
func (id ConnID) String() string     { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Parse parses a ULID string
func Parse(id string) (ulid.ULID, error) {
	return ulid.Parse(id)
}

// Timestamp extracts the timestamp from a ULID
func Timestamp(id string) (time.Time, error) {
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
