package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/callsync/callsync/pkg/engine"
)

const declineShortScript = `
def classify(entry):
    if entry.direction in ("rejected", "blocked"):
        return "declined"
    if entry.number.startswith("7800"):
        return "declined"
    return "no_answer"
`

func writeScript(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "classify.star")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	return path
}

func entry(number string, dir engine.Direction) engine.CallLogEntry {
	return engine.CallLogEntry{
		Number:    number,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Direction: dir,
	}
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{"valid", declineShortScript, ""},
		{"syntax error", "def classify(entry)\n    return 1\n", "failed to compile"},
		{"missing function", "x = 1\n", "does not define classify"},
		{"not a function", "classify = 3\n", "does not define classify"},
		{"no params", "def classify():\n    return \"declined\"\n", "must accept one argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile("test.star", []byte(tt.src))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Compile() error = %v", err)
				}
				if p.Digest == "" {
					t.Error("Expected a digest")
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Compile() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestClassifierBuiltinRules(t *testing.T) {
	c := NewClassifier(ClassifierOptions{Logger: zerolog.Nop()})

	kind, err := c.Classify(context.Background(), entry("79001234567", engine.DirectionRejected))
	if err != nil || kind != engine.OutcomeDeclined {
		t.Errorf("Classify(rejected) = %s, %v; want declined", kind, err)
	}

	kind, err = c.Classify(context.Background(), entry("79001234567", engine.DirectionOutgoing))
	if err != nil || kind != engine.OutcomeNoAnswer {
		t.Errorf("Classify(outgoing) = %s, %v; want no_answer", kind, err)
	}
}

func TestClassifierScript(t *testing.T) {
	p, err := Compile("test.star", []byte(declineShortScript))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	c := NewClassifier(ClassifierOptions{Logger: zerolog.Nop()})
	if prev := c.Swap(p); prev != nil {
		t.Error("Expected no previous program")
	}

	tests := []struct {
		number string
		dir    engine.Direction
		want   engine.OutcomeKind
	}{
		{"78001112233", engine.DirectionOutgoing, engine.OutcomeDeclined},
		{"79001112233", engine.DirectionOutgoing, engine.OutcomeNoAnswer},
		{"79001112233", engine.DirectionBlocked, engine.OutcomeDeclined},
	}
	for _, tt := range tests {
		got, err := c.Classify(context.Background(), entry(tt.number, tt.dir))
		if err != nil {
			t.Fatalf("Classify(%s) error = %v", tt.number, err)
		}
		if got != tt.want {
			t.Errorf("Classify(%s, %s) = %s, want %s", tt.number, tt.dir, got, tt.want)
		}
	}
}

func TestClassifierRejectsBadResults(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown outcome", "def classify(entry):\n    return \"completed\"\n"},
		{"non-string", "def classify(entry):\n    return 1\n"},
		{"runtime error", "def classify(entry):\n    return entry.missing\n"},
		{"runaway loop", "def classify(entry):\n    n = 0\n    for i in range(100000000):\n        n += i\n    return \"declined\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile("bad.star", []byte(tt.src))
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			c := NewClassifier(ClassifierOptions{Logger: zerolog.Nop(), MaxSteps: 10000})
			c.Swap(p)

			if kind, err := c.Classify(context.Background(), entry("1", engine.DirectionOutgoing)); err == nil {
				t.Errorf("Classify() = %s, want error", kind)
			}
		})
	}
}

func TestClassifierCancelledContext(t *testing.T) {
	p, err := Compile("slow.star", []byte("def classify(entry):\n    for i in range(100000000):\n        pass\n    return \"declined\"\n"))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	c := NewClassifier(ClassifierOptions{Logger: zerolog.Nop(), Timeout: 20 * time.Millisecond, MaxSteps: 1 << 40})
	c.Swap(p)

	start := time.Now()
	if _, err := c.Classify(context.Background(), entry("1", engine.DirectionOutgoing)); err == nil {
		t.Fatal("Expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Classify took %v after timeout", elapsed)
	}
}

func TestLoaderLoad(t *testing.T) {
	path := writeScript(t, t.TempDir(), declineShortScript)

	c := NewClassifier(ClassifierOptions{Logger: zerolog.Nop()})
	loader := NewLoader(path, c, zerolog.Nop())

	p, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Program() != p {
		t.Error("Loaded program was not installed")
	}
}

func TestLoaderLoadMissingFile(t *testing.T) {
	c := NewClassifier(ClassifierOptions{Logger: zerolog.Nop()})
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.star"), c, zerolog.Nop())

	if _, err := loader.Load(); err == nil {
		t.Fatal("Expected error for missing script")
	}
	if c.Program() != nil {
		t.Error("Expected no program after failed load")
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "def classify(entry):\n    return \"no_answer\"\n")

	c := NewClassifier(ClassifierOptions{Logger: zerolog.Nop()})
	loader := NewLoader(path, c, zerolog.Nop())
	loader.reloadDelay = 10 * time.Millisecond
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	reloads := make(chan error, 8)
	loader.OnReload(func(_ *Program, err error) { reloads <- err })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register
	time.Sleep(50 * time.Millisecond)

	// A broken script is rejected and the old program stays active
	writeScript(t, dir, "def classify(entry)\n")
	select {
	case err := <-reloads:
		if err == nil {
			t.Fatal("Expected broken script to be rejected")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
	if kind, _ := c.Classify(context.Background(), entry("1", engine.DirectionOutgoing)); kind != engine.OutcomeNoAnswer {
		t.Errorf("Classify() after rejected reload = %s, want no_answer", kind)
	}

	writeScript(t, dir, "def classify(entry):\n    return \"declined\"\n")
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-reloads:
			if err != nil {
				continue
			}
			if kind, _ := c.Classify(context.Background(), entry("1", engine.DirectionOutgoing)); kind != engine.OutcomeDeclined {
				t.Errorf("Classify() after reload = %s, want declined", kind)
			}
			return
		case <-deadline:
			t.Fatal("Timed out waiting for successful reload")
		}
	}
}
