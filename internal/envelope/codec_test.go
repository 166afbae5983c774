package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

// memPort is an in-memory blob port for codec tests.
type memPort struct {
	refs map[string][]byte
	n    int
}

func newMemPort() *memPort {
	return &memPort{refs: make(map[string][]byte)}
}

func (p *memPort) Mint(data []byte) (string, error) {
	p.n++
	ref := fmt.Sprintf("blob_%d", p.n)
	p.refs[ref] = data
	return ref, nil
}

func (p *memPort) Fetch(ref string) ([]byte, error) {
	data, ok := p.refs[ref]
	if !ok {
		return nil, fmt.Errorf("unknown blob reference: %s", ref)
	}
	return data, nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := NewCodec(nil)

	tests := []any{
		nil,
		true,
		"hello",
		42,
		3.14,
		[]any{"a", float64(1), nil},
		map[string]any{"nested": map[string]any{"k": "v"}, "list": []any{true}},
	}

	for _, v := range tests {
		enc, err := c.EncodeOne(v)
		if err != nil {
			t.Fatalf("Encode(%v) failed: %v", v, err)
		}
		dec, err := c.DecodeOne(enc)
		if err != nil {
			t.Fatalf("Decode(%v) failed: %v", v, err)
		}
		if !reflect.DeepEqual(dec, v) {
			t.Errorf("round trip mismatch: sent %#v, got %#v", v, dec)
		}
	}
}

func TestEncodeError(t *testing.T) {
	c := NewCodec(nil)

	enc, err := c.EncodeOne(errors.New("boom"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if enc.Kind != KindError || enc.Message != "boom" {
		t.Fatalf("expected error value with message, got %+v", enc)
	}

	dec, err := c.DecodeOne(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	re, ok := dec.(*RemoteError)
	if !ok {
		t.Fatalf("expected *RemoteError, got %T", dec)
	}
	if re.Error() != "boom" {
		t.Errorf("only the message should survive, got %q", re.Error())
	}
}

func TestEncodeBlobTopLevel(t *testing.T) {
	port := newMemPort()
	c := NewCodec(port)
	payload := []byte{0x00, 0x01, 0xff, 0xfe}

	enc, err := c.EncodeOne(payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if enc.Kind != KindBlob || enc.Ref == "" {
		t.Fatalf("expected blob reference, got %+v", enc)
	}

	dec, err := c.DecodeOne(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(dec.([]byte), payload) {
		t.Errorf("blob round trip should be byte-identical")
	}
}

func TestEncodeBlobNested(t *testing.T) {
	port := newMemPort()
	c := NewCodec(port)
	payload := []byte("binary-bytes")

	v := map[string]any{
		"outer": []any{
			map[string]any{"data": payload},
		},
	}
	enc, err := c.EncodeOne(v)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(port.refs) != 1 {
		t.Fatalf("nested blob should mint exactly one reference, got %d", len(port.refs))
	}

	dec, err := c.DecodeOne(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	inner := dec.(map[string]any)["outer"].([]any)[0].(map[string]any)["data"]
	if !bytes.Equal(inner.([]byte), payload) {
		t.Errorf("nested blob should be substituted in place")
	}
}

func TestEncodeRejectsFunction(t *testing.T) {
	c := NewCodec(nil)

	_, err := c.EncodeOne(func() {})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for function, got %v", err)
	}

	_, err = c.EncodeOne(map[string]any{"cb": func() {}})
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for nested function, got %v", err)
	}
}

func TestEncodeRejectsCycle(t *testing.T) {
	c := NewCodec(nil)

	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	_, err := c.EncodeOne(cyclic)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for cycle, got %v", err)
	}
}

func TestEncodeBlobWithoutPort(t *testing.T) {
	c := NewCodec(nil)

	_, err := c.EncodeOne([]byte{1, 2, 3})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError without blob channel, got %v", err)
	}
}

func TestEncodeStruct(t *testing.T) {
	type payload struct {
		Provider string `json:"provider"`
		Count    int    `json:"count"`
	}
	c := NewCodec(nil)

	enc, err := c.EncodeOne(payload{Provider: "x", Count: 2})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	dec, err := c.DecodeOne(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	m, ok := dec.(map[string]any)
	if !ok {
		t.Fatalf("struct should decode as a map, got %T", dec)
	}
	if m["provider"] != "x" || m["count"] != float64(2) {
		t.Errorf("unexpected decoded struct: %#v", m)
	}
}

func TestFrameMarshalParse(t *testing.T) {
	env := &Envelope{
		Name:      "health.check",
		Args:      []Value{{Kind: KindValue, Data: map[string]any{"k": "v"}}},
		RequestID: "req_1",
		Origin:    "coordinator",
	}
	raw, err := NewEnvelopeFrame(env).Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	parsed, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if parsed.Type != FrameEnvelope || parsed.Envelope.Name != "health.check" {
		t.Errorf("unexpected parsed frame: %+v", parsed)
	}
	if parsed.Envelope.RequestID != "req_1" {
		t.Errorf("request id should survive the wire")
	}
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		[]byte("not json"),
		[]byte(`{"type":"bogus"}`),
		[]byte(`{"type":"envelope"}`),
		[]byte(`{"type":"reply","reply":{}}`),
	}
	for _, raw := range cases {
		if _, err := ParseFrame(raw); err == nil {
			t.Errorf("ParseFrame(%s) should fail", raw)
		}
	}
}

func TestDecodeProxyControlFromWire(t *testing.T) {
	env := NewProxyControl("token.extracted", "page", "relay", ProxyControlArgs{
		Op:         ProxyOpSubscribe,
		Tag:        "fwd_1",
		Subscriber: "page",
	})
	raw, err := NewEnvelopeFrame(env).Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	parsed, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}

	args, err := DecodeProxyControl(parsed.Envelope)
	if err != nil {
		t.Fatalf("DecodeProxyControl failed: %v", err)
	}
	if args.Op != ProxyOpSubscribe || args.Tag != "fwd_1" || args.Subscriber != "page" {
		t.Errorf("unexpected control args: %+v", args)
	}
}
