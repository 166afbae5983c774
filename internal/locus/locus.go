// Package locus identifies the fixed execution contexts of the host
// application and the transports reachable from each.
package locus

import "fmt"

// Locus is the fixed identity of an execution context.
type Locus string

const (
	// Coordinator is the privileged central context. It owns the blob
	// store and is the root every forwarding chain points toward.
	Coordinator Locus = "coordinator"
	// Page is a script injected into a hosted page. It reaches only its
	// relay.
	Page Locus = "page"
	// Relay sits between a page and the coordinator and reaches both.
	Relay Locus = "relay"
	// Worker is a sandboxed background worker document.
	Worker Locus = "worker"
	// Frame is a sandboxed iframe hosted by a worker document. It reaches
	// only its parent.
	Frame Locus = "frame"
	// Surface is a UI surface (popup, options, devtools panel).
	Surface Locus = "surface"
)

// Kind names a low-level transport channel.
type Kind string

const (
	// KindRuntime is the privileged-extension messaging channel. Delivery
	// is synchronous: the recipient's answer comes back in-line.
	KindRuntime Kind = "runtime"
	// KindBroadcast is the shared broadcast medium. It has no reply
	// channel; answers arrive as separate correlated frames.
	KindBroadcast Kind = "broadcast"
	// KindWindow is cross-document messaging between a document and the
	// pages or frames it hosts. Replies are asynchronous and correlated.
	KindWindow Kind = "window"
)

// All is the set of valid loci.
var All = []Locus{Coordinator, Page, Relay, Worker, Frame, Surface}

// Valid reports whether l is one of the fixed loci.
func (l Locus) Valid() bool {
	switch l {
	case Coordinator, Page, Relay, Worker, Frame, Surface:
		return true
	}
	return false
}

func (l Locus) String() string { return string(l) }

// Parse converts a string to a Locus.
func Parse(s string) (Locus, error) {
	l := Locus(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown locus: %q", s)
	}
	return l, nil
}

// Descriptor describes one execution context: its locus, the ordered
// transports its sends are attempted on, and the upstream locus its
// subscriptions propagate to. Built once per context and immutable.
type Descriptor struct {
	Locus      Locus
	Transports []Kind
	upstream   Locus
}

// sendStrategy is fixed per locus. Order matters: the racing layer
// attempts transports in this order.
var sendStrategy = map[Locus][]Kind{
	Coordinator: {KindRuntime, KindBroadcast, KindWindow},
	Relay:       {KindRuntime, KindWindow},
	Page:        {KindWindow},
	Worker:      {KindBroadcast, KindWindow},
	Frame:       {KindWindow},
	Surface:     {KindRuntime, KindBroadcast},
}

// subscribeUpstream maps each locus to the intermediary its subscriptions
// are propagated to. Leaves propagate to their host document; documents
// reachable from the coordinator propagate nowhere.
var subscribeUpstream = map[Locus]Locus{
	Page:  Relay,
	Frame: Worker,
}

// Describe returns the immutable descriptor for l.
func Describe(l Locus) (Descriptor, error) {
	strategy, ok := sendStrategy[l]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown locus: %q", l)
	}
	ts := make([]Kind, len(strategy))
	copy(ts, strategy)
	return Descriptor{
		Locus:      l,
		Transports: ts,
		upstream:   subscribeUpstream[l],
	}, nil
}

// MustDescribe is Describe for loci known to be valid.
func MustDescribe(l Locus) Descriptor {
	d, err := Describe(l)
	if err != nil {
		panic(err)
	}
	return d
}

// ProxyUpstream returns the locus that forwarding subscriptions for this
// context are installed in, if any.
func (d Descriptor) ProxyUpstream() (Locus, bool) {
	return d.upstream, d.upstream != ""
}

// Reaches reports whether the descriptor's send strategy includes k.
func (d Descriptor) Reaches(k Kind) bool {
	for _, t := range d.Transports {
		if t == k {
			return true
		}
	}
	return false
}

// TowardCoordinator returns the next hop from l toward the coordinator.
// The step is strictly upward, so forwarding chains cannot loop.
func TowardCoordinator(l Locus) (Locus, bool) {
	switch l {
	case Page:
		return Relay, true
	case Frame:
		return Worker, true
	case Relay, Worker, Surface:
		return Coordinator, true
	}
	return "", false
}

// DownwardKind returns the transport kind an intermediary uses to reach a
// more local locus it hosts (relay -> page, worker -> frame).
func DownwardKind(host, hosted Locus) (Kind, bool) {
	if host == Relay && hosted == Page {
		return KindWindow, true
	}
	if host == Worker && hosted == Frame {
		return KindWindow, true
	}
	return "", false
}
