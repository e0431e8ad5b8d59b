package policy

import "testing"

func TestAllowUpstreamSend(t *testing.T) {
	p := New(false)

	allowed := []string{
		"input_audio_buffer.append",
		"input_audio_buffer.commit",
		"response.create",
		"response.cancel",
		"conversation.item.truncate",
		"session.update",
		"conversation.item.create",
	}
	for _, typ := range allowed {
		if !p.AllowUpstreamSend(typ) {
			t.Fatalf("AllowUpstreamSend(%q) = false, want true", typ)
		}
	}

	denied := []string{
		"session.delete",
		"conversation.item.delete",
		"response.create ",
		"",
		"transcription_session.update",
	}
	for _, typ := range denied {
		if p.AllowUpstreamSend(typ) {
			t.Fatalf("AllowUpstreamSend(%q) = true, want false", typ)
		}
	}
}

func TestMirrorUpstream(t *testing.T) {
	if New(false).MirrorUpstream() {
		t.Fatal("mirror on without debug")
	}
	if !New(true).MirrorUpstream() {
		t.Fatal("mirror off with debug")
	}
}

func TestPolicyVersion_StableAndMirrorSensitive(t *testing.T) {
	a := New(false).PolicyVersion()
	b := New(false).PolicyVersion()
	if a != b {
		t.Fatalf("version not stable: %q vs %q", a, b)
	}
	if a == "" {
		t.Fatal("version empty")
	}
	if debug := New(true).PolicyVersion(); debug == a {
		t.Fatal("version ignores the mirror flag")
	}
}
