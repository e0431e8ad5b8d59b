package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecord_AppendsJSONL(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Close()

	before := DenyCount()
	Record("deny", "client_message", "type not in allow-list: client.hack", "s1")
	Record("allow", "ws_connect", "", "s2")
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := DenyCount() - before; got != 1 {
		t.Fatalf("deny count delta = %d, want 1", got)
	}

	f, err := os.Open(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad jsonl line: %v", err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[0]["decision"] != "deny" || lines[0]["session_id"] != "s1" {
		t.Fatalf("first line = %v", lines[0])
	}
	if lines[1]["action"] != "ws_connect" {
		t.Fatalf("second line = %v", lines[1])
	}
}

func TestRecord_RedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	Record("deny", "ws_connect", "rejected key sk-live1234567890abcdefghij", "")
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if strings.Contains(string(data), "sk-live") {
		t.Fatalf("secret reached disk: %s", data)
	}
}

func TestRecord_NoopBeforeInit(t *testing.T) {
	Close()
	// Must not panic or create files when uninitialized.
	Record("deny", "client_message", "x", "")
}
