// Package policy enforces the wire security rules of the relay: which
// event shapes a client may cause to reach the upstream backend, and
// whether raw upstream traffic may be mirrored to the client.
package policy

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Checker is the interface the session layer uses to gate traffic.
type Checker interface {
	// AllowUpstreamSend reports whether an event of this type may leave
	// the server toward the upstream backend.
	AllowUpstreamSend(eventType string) bool
	// MirrorUpstream reports whether raw upstream events are forwarded to
	// the client as debug events.
	MirrorUpstream() bool
	PolicyVersion() string
}

// clientForwardable is the allow-list of upstream event types a client
// message may translate into. Everything else a client asks for is a
// protocol violation. Server-generated events (session configuration,
// tool outputs, continuation requests) are listed separately because the
// client can never request them directly.
var clientForwardable = map[string]struct{}{
	"input_audio_buffer.append":  {},
	"input_audio_buffer.commit":  {},
	"response.create":            {},
	"response.cancel":            {},
	"conversation.item.truncate": {},
}

// serverGenerated are events only the relay itself constructs.
var serverGenerated = map[string]struct{}{
	"session.update":           {},
	"conversation.item.create": {},
}

// Policy is the active wire policy. The zero value denies mirroring and
// allows exactly the built-in event allow-list.
type Policy struct {
	DebugMirror bool
}

func New(debugMirror bool) Policy {
	return Policy{DebugMirror: debugMirror}
}

func (p Policy) AllowUpstreamSend(eventType string) bool {
	if _, ok := clientForwardable[eventType]; ok {
		return true
	}
	_, ok := serverGenerated[eventType]
	return ok
}

func (p Policy) MirrorUpstream() bool {
	return p.DebugMirror
}

// PolicyVersion is a stable fingerprint of the active allow-list, used
// in audit records.
func (p Policy) PolicyVersion() string {
	names := make([]string, 0, len(clientForwardable)+len(serverGenerated))
	for name := range clientForwardable {
		names = append(names, name)
	}
	for name := range serverGenerated {
		names = append(names, name)
	}
	sort.Strings(names)
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|mirror=%t", strings.Join(names, ","), p.DebugMirror)
	return fmt.Sprintf("wire-%x", h.Sum64())
}
