package envelope

import (
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"
)

// Markers for blob references and flattened errors nested inside plain
// structured data. A single-key object with one of these keys is never
// produced by Encode for ordinary values, so the substitution is
// unambiguous on decode.
const (
	blobMarker  = "$blob"
	errorMarker = "$error"
)

// maxEncodeDepth bounds the value-graph walk. A graph deeper than this is
// treated as cyclic and rejected.
const maxEncodeDepth = 32

// BlobPort exchanges binary payloads for references and back. On the
// coordinator it is the local store; elsewhere it tunnels through the bus.
type BlobPort interface {
	// Mint stores the bytes and returns a reference valid for one
	// resolution within the store's TTL.
	Mint(data []byte) (string, error)
	// Fetch exchanges a reference for the original bytes.
	Fetch(ref string) ([]byte, error)
}

// Codec converts call arguments and results between Go values and the
// transport-safe wire representation. Encode and Decode are symmetric for
// plain structured data; binary blobs and error values ride side channels.
type Codec struct {
	blobs BlobPort
}

// NewCodec creates a codec. blobs may be nil, in which case encoding a
// binary value fails with a ValidationError.
func NewCodec(blobs BlobPort) *Codec {
	return &Codec{blobs: blobs}
}

// Encode converts an argument list to wire values.
func (c *Codec) Encode(args []any) ([]Value, error) {
	out := make([]Value, len(args))
	for i, a := range args {
		v, err := c.EncodeOne(a)
		if err != nil {
			return nil, err
		}
		out[i] = *v
	}
	return out, nil
}

// EncodeOne converts a single value to its wire form.
func (c *Codec) EncodeOne(v any) (*Value, error) {
	switch t := v.(type) {
	case nil:
		return &Value{Kind: KindValue, Data: nil}, nil
	case []byte:
		ref, err := c.mint(t)
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindBlob, Ref: ref}, nil
	case error:
		return &Value{Kind: KindError, Message: t.Error()}, nil
	}

	data, err := c.encodeAny(v, 0)
	if err != nil {
		return nil, err
	}
	return &Value{Kind: KindValue, Data: data}, nil
}

// Decode converts wire values back to an argument list, resolving every
// blob reference it finds before returning.
func (c *Codec) Decode(vals []Value) ([]any, error) {
	out := make([]any, len(vals))
	for i := range vals {
		v, err := c.DecodeOne(&vals[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// DecodeOne converts a single wire value back to a Go value.
func (c *Codec) DecodeOne(v *Value) (any, error) {
	switch v.Kind {
	case KindValue:
		return c.decodeAny(v.Data)
	case KindError:
		return &RemoteError{Message: v.Message}, nil
	case KindBlob:
		return c.fetch(v.Ref)
	}
	return nil, fmt.Errorf("unknown wire value kind: %q", v.Kind)
}

func (c *Codec) mint(data []byte) (string, error) {
	if c.blobs == nil {
		return "", &ValidationError{Reason: "binary value with no blob channel"}
	}
	return c.blobs.Mint(data)
}

func (c *Codec) fetch(ref string) ([]byte, error) {
	if c.blobs == nil {
		return nil, fmt.Errorf("blob reference %s with no blob channel", ref)
	}
	return c.blobs.Fetch(ref)
}

// encodeAny walks the value graph, substituting nested blobs and errors
// with markers and rejecting anything the wire cannot carry.
func (c *Codec) encodeAny(v any, depth int) (any, error) {
	if depth > maxEncodeDepth {
		return nil, &ValidationError{Reason: "value graph too deep (cyclic?)"}
	}
	if v == nil {
		return nil, nil
	}

	switch t := v.(type) {
	case []byte:
		ref, err := c.mint(t)
		if err != nil {
			return nil, err
		}
		return map[string]any{blobMarker: ref}, nil
	case error:
		return map[string]any{errorMarker: t.Error()}, nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return t, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return c.encodeAny(rv.Elem().Interface(), depth+1)
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			enc, err := c.encodeAny(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &ValidationError{Reason: fmt.Sprintf("map key type %s", rv.Type().Key())}
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			enc, err := c.encodeAny(iter.Value().Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = enc
		}
		return out, nil
	case reflect.Struct:
		// Structs go through JSON once; the marshaller rejects cycles
		// and unsupported field types, and the re-walk catches markers.
		raw, err := sonic.Marshal(v)
		if err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
		var generic any
		if err := sonic.Unmarshal(raw, &generic); err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
		return c.encodeAny(generic, depth+1)
	case reflect.Func:
		return nil, &ValidationError{Reason: "function value"}
	case reflect.Chan:
		return nil, &ValidationError{Reason: "channel value"}
	}
	return nil, &ValidationError{Reason: fmt.Sprintf("unsupported kind %s", rv.Kind())}
}

// decodeAny walks decoded structured data, exchanging markers for real
// values. Blob references nested anywhere in arrays and objects are
// resolved in place.
func (c *Codec) decodeAny(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if ref, ok := t[blobMarker].(string); ok {
				return c.fetch(ref)
			}
			if msg, ok := t[errorMarker].(string); ok {
				return &RemoteError{Message: msg}, nil
			}
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			dec, err := c.decodeAny(val)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			dec, err := c.decodeAny(val)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	}
	return v, nil
}
