package bus

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/contextmesh/crossbus/internal/blob"
	"github.com/contextmesh/crossbus/internal/infrastructure/resilience"
	"github.com/contextmesh/crossbus/internal/shared/id"
)

// Reserved events for the blob side-channel. Only the coordinator holds
// real binary payloads; every other locus tunnels bytes through the bus
// and works with references.
const (
	blobPutEvent     = "bus.blob.put"
	blobResolveEvent = "bus.blob.resolve"
)

// localBlobs backs the coordinator codec directly with the store.
type localBlobs struct {
	store *blob.Store
}

func (l *localBlobs) Mint(data []byte) (string, error) {
	ref, err := l.store.Put(data)
	if err != nil {
		return "", err
	}
	return ref.String(), nil
}

func (l *localBlobs) Fetch(ref string) ([]byte, error) {
	return l.store.Resolve(id.BlobID(ref))
}

// remoteBlobs tunnels bytes to the coordinator store eagerly at encode
// time and exchanges references back for bytes at decode time. Payloads
// ride base64-encoded so they pass through the wire codec untouched.
// A breaker keeps a dead coordinator from costing every binary payload
// a full call timeout.
type remoteBlobs struct {
	bus     *Bus
	breaker *resilience.Breaker
}

func newRemoteBlobs(b *Bus) *remoteBlobs {
	return &remoteBlobs{
		bus: b,
		breaker: resilience.New("blob-tunnel", resilience.Settings{
			MaxRequests: 1,
			Timeout:     b.timeout,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (r *remoteBlobs) call(event string, arg string) (string, error) {
	res, err := r.breaker.Execute(func() (any, error) {
		return r.bus.Call(context.Background(), event, arg)
	})
	if err != nil {
		return "", err
	}
	s, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("%s answered %T, want string", event, res)
	}
	return s, nil
}

func (r *remoteBlobs) Mint(data []byte) (string, error) {
	ref, err := r.call(blobPutEvent, base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return "", fmt.Errorf("tunnel blob: %w", err)
	}
	return ref, nil
}

func (r *remoteBlobs) Fetch(ref string) ([]byte, error) {
	enc, err := r.call(blobResolveEvent, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve blob %s: %w", ref, err)
	}
	return base64.StdEncoding.DecodeString(enc)
}

// registerBlobHandlers installs the coordinator-side owners of the
// reserved events.
func (b *Bus) registerBlobHandlers() {
	b.On(blobPutEvent, func(ctx context.Context, args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("blob put wants one payload argument")
		}
		enc, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("blob put payload is %T, want string", args[0])
		}
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("blob put payload: %w", err)
		}
		ref, err := b.store.Put(data)
		if err != nil {
			return nil, err
		}
		return ref.String(), nil
	})

	b.On(blobResolveEvent, func(ctx context.Context, args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("blob resolve wants one reference argument")
		}
		ref, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("blob reference is %T, want string", args[0])
		}
		data, err := b.store.Resolve(id.BlobID(ref))
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.EncodeToString(data), nil
	})
}
