package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/parla/internal/audit"
	"github.com/basket/parla/internal/persistence"
	"github.com/basket/parla/internal/upstream"
)

func TestManager_ReadyAfterUpstreamConnects(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)

	hello := h.client.waitForWrite(t, ServerHello, 1)
	if hello[0]["degraded"] != false {
		t.Fatalf("degraded = %v, want false", hello[0]["degraded"])
	}
	if hello[0]["session_id"] != "sess-test" {
		t.Fatalf("session_id = %v, want sess-test", hello[0]["session_id"])
	}

	// The handshake must be the first thing the provider sees.
	updates := h.up.writesOfType(upstream.TypeSessionUpdate)
	if len(updates) != 1 {
		t.Fatalf("session.update count = %d, want 1", len(updates))
	}
}

func TestManager_DegradedWhenDialFails(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Dialer = fakeDialer{err: errors.New("dial refused")}
	})
	h.waitState(StateActive)

	hello := h.client.waitForWrite(t, ServerHello, 1)
	if hello[0]["degraded"] != true {
		t.Fatalf("degraded = %v, want true", hello[0]["degraded"])
	}
}

func TestManager_UnknownTypeRejectedWithoutClosing(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)
	before := len(h.up.allWrites())

	h.client.sendText(t, `{"type":"client.hack_the_planet"}`)
	errs := h.client.waitForWrite(t, ServerError, 1)
	if errs[0]["code"] != "unknown_type" {
		t.Fatalf("code = %v, want unknown_type", errs[0]["code"])
	}

	// Still serving: a ping round-trips.
	h.client.sendText(t, `{"type":"client.ping"}`)
	h.client.waitForWrite(t, ServerPong, 1)

	// Nothing leaked upstream.
	if got := len(h.up.allWrites()); got != before {
		t.Fatalf("upstream writes = %d, want %d", got, before)
	}
	if h.m.State() != StateActive {
		t.Fatalf("state = %v, want %v", h.m.State(), StateActive)
	}
}

func TestManager_BinaryFrameRejected(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)

	h.client.sendBinary(t, []byte{0x01, 0x02})
	errs := h.client.waitForWrite(t, ServerError, 1)
	if errs[0]["code"] != "binary_frame" {
		t.Fatalf("code = %v, want binary_frame", errs[0]["code"])
	}
	if h.m.State() != StateActive {
		t.Fatalf("state = %v, want %v", h.m.State(), StateActive)
	}
}

func TestManager_MalformedJSONRejected(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)

	h.client.sendText(t, `{"type":`)
	h.client.waitForWrite(t, ServerError, 1)
	h.client.sendText(t, `{"no_type":"here"}`)
	h.client.waitForWrite(t, ServerError, 2)
	if h.m.State() != StateActive {
		t.Fatalf("state = %v, want %v", h.m.State(), StateActive)
	}
}

func TestManager_TextCreatesItemThenResponse(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)

	h.client.sendText(t, `{"type":"client.text","text":"hola"}`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.up.allWrites()) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	writes := h.up.allWrites()
	if len(writes) < 3 {
		t.Fatalf("upstream writes = %d, want at least 3", len(writes))
	}
	// Handshake, then item create, then response create, in order.
	if writes[1]["type"] != upstream.TypeItemCreate {
		t.Fatalf("writes[1] = %v, want %v", writes[1]["type"], upstream.TypeItemCreate)
	}
	if writes[2]["type"] != upstream.TypeResponseCreate {
		t.Fatalf("writes[2] = %v, want %v", writes[2]["type"], upstream.TypeResponseCreate)
	}

	// The utterance lands in the transcript as the user.
	entries, err := h.store.ListTranscript(context.Background(), "sess-test")
	if err != nil {
		t.Fatalf("list transcript: %v", err)
	}
	if len(entries) != 1 || entries[0].Role != "user" || entries[0].Text != "hola" {
		t.Fatalf("transcript = %+v, want one user entry %q", entries, "hola")
	}
}

func TestManager_EmptyTextRejected(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)

	h.client.sendText(t, `{"type":"client.text","text":"   "}`)
	errs := h.client.waitForWrite(t, ServerError, 1)
	if errs[0]["code"] != "empty_text" {
		t.Fatalf("code = %v, want empty_text", errs[0]["code"])
	}
}

func TestManager_AudioForwardedAndCounted(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)

	h.client.sendText(t, `{"type":"client.audio.append","audio":"cGNtMTY="}`)
	h.client.sendText(t, `{"type":"client.audio.append","audio":"cGNtMTY="}`)
	h.client.sendText(t, `{"type":"client.audio.commit"}`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.up.writesOfType(upstream.TypeAudioCommit)) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(h.up.writesOfType(upstream.TypeAudioAppend)); got != 2 {
		t.Fatalf("audio appends = %d, want 2", got)
	}
	if got := len(h.up.writesOfType(upstream.TypeAudioCommit)); got != 1 {
		t.Fatalf("audio commits = %d, want 1", got)
	}
}

func TestManager_HelloBindsScenarioOnce(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)

	h.client.sendText(t, `{"type":"client.hello","scenario_id":"cafe"}`)
	h.client.waitForWrite(t, ServerHello, 2)

	rec, err := h.store.GetSession(context.Background(), "sess-test")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.ScenarioID != "cafe" {
		t.Fatalf("scenario_id = %q, want cafe", rec.ScenarioID)
	}

	// A second hello is acknowledged but does not rebind.
	h.client.sendText(t, `{"type":"client.hello","scenario_id":"other"}`)
	h.client.waitForWrite(t, ServerHello, 3)
	rec, err = h.store.GetSession(context.Background(), "sess-test")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.ScenarioID != "cafe" {
		t.Fatalf("scenario_id after second hello = %q, want cafe", rec.ScenarioID)
	}
}

func TestManager_HelloUnknownScenarioRejected(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)

	h.client.sendText(t, `{"type":"client.hello","scenario_id":"missing"}`)
	errs := h.client.waitForWrite(t, ServerError, 1)
	if errs[0]["code"] != "unknown_scenario" {
		t.Fatalf("code = %v, want unknown_scenario", errs[0]["code"])
	}
}

func TestManager_ResponseLimitTerminates(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxResponses = 2
	})
	h.waitState(StateActive)

	for i := 0; i < 3; i++ {
		h.client.sendText(t, `{"type":"client.response.create"}`)
	}
	h.waitClosed()

	if got := h.endReason(); got != persistence.ReasonResponseLimit {
		t.Fatalf("end reason = %q, want %q", got, persistence.ReasonResponseLimit)
	}
	ended := h.client.writesOfType(ServerCallEnded)
	if len(ended) != 1 {
		t.Fatalf("call_ended count = %d, want 1", len(ended))
	}
	if ended[0]["reason"] != persistence.ReasonResponseLimit {
		t.Fatalf("call_ended reason = %v, want %q", ended[0]["reason"], persistence.ReasonResponseLimit)
	}
}

func TestManager_UpstreamResponsesCountTowardLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxResponses = 2
	})
	h.waitState(StateActive)

	for i := 0; i < 3; i++ {
		h.up.emit(t, upstream.Event{Type: upstream.TypeResponseCreated, ResponseID: "r"})
	}
	h.waitClosed()

	if got := h.endReason(); got != persistence.ReasonResponseLimit {
		t.Fatalf("end reason = %q, want %q", got, persistence.ReasonResponseLimit)
	}
}

func TestManager_TimeLimitTerminates(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxCallDuration = 50 * time.Millisecond
		c.CheckInterval = 10 * time.Millisecond
	})
	h.waitState(StateActive)
	h.waitClosed()

	if got := h.endReason(); got != persistence.ReasonTimeLimit {
		t.Fatalf("end reason = %q, want %q", got, persistence.ReasonTimeLimit)
	}
}

func TestManager_ClientDisconnectClosesSession(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)

	close(h.client.in)
	h.waitClosed()

	if got := h.endReason(); got != persistence.ReasonSocketClosed {
		t.Fatalf("end reason = %q, want %q", got, persistence.ReasonSocketClosed)
	}
}

func TestManager_UpstreamLossTerminates(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)

	close(h.up.events)
	h.waitClosed()

	if got := h.endReason(); got != persistence.ReasonUpstreamError {
		t.Fatalf("end reason = %q, want %q", got, persistence.ReasonUpstreamError)
	}
}

func TestManager_StatsFlushedWhileCallIsLive(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.StatsFlushInterval = 20 * time.Millisecond
	})
	h.waitState(StateActive)

	h.client.sendText(t, `{"type":"client.audio.append","audio":"cGNtMTY="}`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.store.GetSession(context.Background(), "sess-test")
		if err == nil && rec.Stats.AudioChunksIn == 1 {
			if rec.EndedAt != nil {
				t.Fatal("session ended during flush test")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stats never flushed while live")
}

func TestManager_FirstEndReasonWins(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxResponses = 1
	})
	h.waitState(StateActive)

	h.client.sendText(t, `{"type":"client.response.create"}`)
	h.client.sendText(t, `{"type":"client.response.create"}`)
	h.waitClosed()

	// A late disconnect cannot overwrite the recorded reason.
	close(h.client.in)
	time.Sleep(20 * time.Millisecond)
	if got := h.endReason(); got != persistence.ReasonResponseLimit {
		t.Fatalf("end reason = %q, want %q", got, persistence.ReasonResponseLimit)
	}
}

func TestManager_EchoRoundTripsWithDefaultPolicy(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)

	h.client.sendText(t, `{"type":"client.echo","note":"hi","n":7}`)
	echoes := h.client.waitForWrite(t, ServerEcho, 1)

	payload, ok := echoes[0]["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload = %T, want object", echoes[0]["payload"])
	}
	if payload["note"] != "hi" || payload["n"] != float64(7) {
		t.Fatalf("payload = %v", payload)
	}
	if _, present := payload["type"]; present {
		t.Fatal("type tag echoed back")
	}
	if got := len(h.client.writesOfType(ServerError)); got != 0 {
		t.Fatalf("server.error count = %d, want 0", got)
	}
}

func TestManager_GuardrailTripRecordedInAudit(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxResponses = 1
	})
	h.waitState(StateActive)
	before := audit.DenyCount()

	h.client.sendText(t, `{"type":"client.response.create"}`)
	h.client.sendText(t, `{"type":"client.response.create"}`)
	h.waitClosed()

	if got := h.endReason(); got != persistence.ReasonResponseLimit {
		t.Fatalf("end reason = %q, want %q", got, persistence.ReasonResponseLimit)
	}
	if got := audit.DenyCount(); got <= before {
		t.Fatalf("deny count = %d, want > %d", got, before)
	}
}

func TestManager_TruncateForwardedUpstream(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)

	h.client.sendText(t, `{"type":"client.truncate","item_id":"item_1","audio_end_ms":1500}`)
	waitForUpstreamWrite(t, h.up, upstream.TypeItemTruncate, 1)

	truncs := h.up.writesOfType(upstream.TypeItemTruncate)
	if truncs[0]["item_id"] != "item_1" {
		t.Fatalf("item_id = %v, want item_1", truncs[0]["item_id"])
	}
	if truncs[0]["audio_end_ms"] != float64(1500) {
		t.Fatalf("audio_end_ms = %v, want 1500", truncs[0]["audio_end_ms"])
	}
}

func TestManager_TruncateWithoutItemRejected(t *testing.T) {
	h := newHarness(t)
	h.waitState(StateActive)
	before := len(h.up.allWrites())

	h.client.sendText(t, `{"type":"client.truncate"}`)
	errs := h.client.waitForWrite(t, ServerError, 1)
	if errs[0]["code"] != "missing_item" {
		t.Fatalf("code = %v, want missing_item", errs[0]["code"])
	}
	if got := len(h.up.allWrites()); got != before {
		t.Fatalf("upstream writes = %d, want %d", got, before)
	}
}

// lockedBuffer lets the actor goroutine and the test share one log sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestManager_LogLinesCarrySessionAndTraceIDs(t *testing.T) {
	var sink lockedBuffer
	h := newHarness(t, func(c *Config) {
		c.Logger = slog.New(slog.NewJSONHandler(&sink, nil))
	})
	h.waitState(StateActive)

	h.client.sendText(t, `{"type":"client.end_call"}`)
	h.waitClosed()

	out := sink.String()
	line, _, ok := strings.Cut(out, "\n")
	if !ok {
		t.Fatalf("no log lines captured: %q", out)
	}
	if !strings.Contains(line, `"session_id":"sess-test"`) {
		t.Fatalf("first log line missing session_id: %s", line)
	}
	if !strings.Contains(out, `"trace_id"`) {
		t.Fatalf("log output missing trace_id: %s", out)
	}
}
