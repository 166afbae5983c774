// Package envelope defines the wire-level unit of a bus message and the
// codec that converts call arguments to and from their transport-safe
// representation.
package envelope

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/contextmesh/crossbus/internal/locus"
)

// Value kinds. Wire values are a tagged variant: plain structured data,
// a flattened error, or a blob reference standing in for binary bytes.
const (
	KindValue = "value"
	KindError = "error"
	KindBlob  = "blob"
)

// Value is one encoded argument or result.
type Value struct {
	Kind    string `json:"kind"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

// Envelope is the wire-level unit of a bus message.
type Envelope struct {
	Name         string      `json:"name"`
	Args         []Value     `json:"args,omitempty"`
	RequestID    string      `json:"request_id,omitempty"`
	Origin       locus.Locus `json:"origin"`
	Target       locus.Locus `json:"target,omitempty"`
	ProxyControl bool        `json:"proxy_control,omitempty"`
}

// Reply answers an envelope that carried a request id.
type Reply struct {
	RequestID string `json:"request_id"`
	Result    *Value `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Frame types carried on shared channels.
const (
	FrameEnvelope = "envelope"
	FrameReply    = "reply"
)

// Frame discriminates envelopes from replies on channels that carry both
// (the broadcast medium and cross-document messaging).
type Frame struct {
	Type     string    `json:"type"`
	Envelope *Envelope `json:"envelope,omitempty"`
	Reply    *Reply    `json:"reply,omitempty"`
}

// NewEnvelopeFrame wraps an envelope in a frame.
func NewEnvelopeFrame(e *Envelope) *Frame {
	return &Frame{Type: FrameEnvelope, Envelope: e}
}

// NewReplyFrame wraps a reply in a frame.
func NewReplyFrame(r *Reply) *Frame {
	return &Frame{Type: FrameReply, Reply: r}
}

// Marshal serializes the frame to wire JSON.
func (f *Frame) Marshal() ([]byte, error) {
	return sonic.Marshal(f)
}

// ParseFrame deserializes and validates a wire frame.
func ParseFrame(data []byte) (*Frame, error) {
	if err := CheckFrameSize(data); err != nil {
		return nil, err
	}
	var f Frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Type {
	case FrameEnvelope:
		if f.Envelope == nil {
			return nil, fmt.Errorf("envelope frame without envelope")
		}
		if f.Envelope.Name == "" {
			return nil, fmt.Errorf("envelope without event name")
		}
	case FrameReply:
		if f.Reply == nil {
			return nil, fmt.Errorf("reply frame without reply")
		}
		if f.Reply.RequestID == "" {
			return nil, fmt.Errorf("reply without request id")
		}
	default:
		return nil, fmt.Errorf("unknown frame type: %q", f.Type)
	}
	return &f, nil
}

// Proxy-control operations, carried in the single argument of an envelope
// flagged ProxyControl.
const (
	ProxyOpSubscribe   = "subscribe"
	ProxyOpUnsubscribe = "unsubscribe"
)

// ProxyControlArgs is the payload of a subscription-management envelope.
type ProxyControlArgs struct {
	Op         string      `json:"op"`
	Tag        string      `json:"tag"`
	Subscriber locus.Locus `json:"subscriber"`
	Owner      string      `json:"owner,omitempty"`
}

// NewProxyControl builds a proxy-control envelope for event name.
func NewProxyControl(name string, origin, target locus.Locus, args ProxyControlArgs) *Envelope {
	return &Envelope{
		Name:         name,
		Args:         []Value{{Kind: KindValue, Data: args}},
		Origin:       origin,
		Target:       target,
		ProxyControl: true,
	}
}

// DecodeProxyControl extracts the control payload from a proxy-control
// envelope. The payload may arrive as a struct (same-process) or as a
// generic map (off the wire).
func DecodeProxyControl(e *Envelope) (ProxyControlArgs, error) {
	if !e.ProxyControl || len(e.Args) != 1 {
		return ProxyControlArgs{}, fmt.Errorf("not a proxy-control envelope")
	}
	if args, ok := e.Args[0].Data.(ProxyControlArgs); ok {
		return args, nil
	}
	raw, err := sonic.Marshal(e.Args[0].Data)
	if err != nil {
		return ProxyControlArgs{}, fmt.Errorf("malformed proxy-control payload: %w", err)
	}
	var args ProxyControlArgs
	if err := sonic.Unmarshal(raw, &args); err != nil {
		return ProxyControlArgs{}, fmt.Errorf("malformed proxy-control payload: %w", err)
	}
	if args.Op != ProxyOpSubscribe && args.Op != ProxyOpUnsubscribe {
		return ProxyControlArgs{}, fmt.Errorf("unknown proxy-control op: %q", args.Op)
	}
	return args, nil
}
