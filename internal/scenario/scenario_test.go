package scenario

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validScenario = `id: cafe
title: Ordering coffee
language: es
level: beginner
instructions: You are a barista in Madrid.
voice: verse
tools: [grade_lesson, run_quiz]
auto_quiz: true
quiz:
  - prompt: How do you ask for a coffee?
    choices: ["Un cafe, por favor", "La cuenta"]
    answer: 0
`

func TestParse_Valid(t *testing.T) {
	sc, err := Parse([]byte(validScenario))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sc.ID != "cafe" || sc.Language != "es" || sc.Voice != "verse" {
		t.Fatalf("decoded = %+v", sc)
	}
	if !sc.AutoQuiz || len(sc.Quiz) != 1 {
		t.Fatalf("quiz = %+v, auto_quiz = %v", sc.Quiz, sc.AutoQuiz)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing id", "title: x\ninstructions: y\n"},
		{"missing instructions", "id: a\ntitle: x\n"},
		{"bad id pattern", "id: 'Has Spaces'\ntitle: x\ninstructions: y\n"},
		{"empty title", "id: a\ntitle: \"\"\ninstructions: y\n"},
		{"quiz missing choices", "id: a\ntitle: x\ninstructions: y\nquiz:\n  - prompt: p\n    answer: 0\n"},
		{"quiz one choice", "id: a\ntitle: x\ninstructions: y\nquiz:\n  - prompt: p\n    choices: [only]\n    answer: 0\n"},
		{"not yaml", "{{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected error for %q", tc.name)
			}
		})
	}
}

func TestParse_AnswerIndexOutOfRange(t *testing.T) {
	bad := strings.Replace(validScenario, "answer: 0", "answer: 5", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected out-of-range answer to fail")
	}
}

func TestLoadDir_SkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cafe.yaml"), []byte(validScenario), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	scenarios, errs := LoadDir(dir)
	if len(scenarios) != 1 {
		t.Fatalf("scenarios = %d, want 1", len(scenarios))
	}
	if _, ok := scenarios["cafe"]; !ok {
		t.Fatal("cafe scenario missing")
	}
	if len(errs) != 1 {
		t.Fatalf("errors = %d, want 1 (for broken.yaml)", len(errs))
	}
}
