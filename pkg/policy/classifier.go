package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/callsync/callsync/pkg/engine"
)

// ClassifyFunc is the name of the function a script must define.
const ClassifyFunc = "classify"

// DefaultMaxSteps bounds the work one classify call may do.
const DefaultMaxSteps = 100000

// Program is a compiled classifier script.
type Program struct {
	// Name is the script file name used in error positions.
	Name string

	// Digest identifies the script content.
	Digest string

	// LoadedAt is when the script was compiled.
	LoadedAt time.Time

	fn *starlark.Function
}

// Compile executes src once and checks that it defines classify(entry).
// Top-level statements run at compile time and their globals are frozen.
func Compile(name string, src []byte) (*Program, error) {
	thread := &starlark.Thread{
		Name:  "compile:" + name,
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(DefaultMaxSteps)

	globals, err := starlark.ExecFile(thread, name, src, predeclared())
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}

	fn, ok := globals[ClassifyFunc].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s does not define %s(entry)", name, ClassifyFunc)
	}
	if fn.NumParams() < 1 {
		return nil, fmt.Errorf("%s: %s must accept one argument", name, ClassifyFunc)
	}
	globals.Freeze()

	sum := sha256.Sum256(src)
	return &Program{
		Name:     name,
		Digest:   hex.EncodeToString(sum[:8]),
		LoadedAt: time.Now(),
		fn:       fn,
	}, nil
}

// CompileFile reads and compiles the script at path.
func CompileFile(path string) (*Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return Compile(path, src)
}

// Classifier decides whether a matched zero-duration call was declined or
// went unanswered by running a Starlark script. It implements
// engine.OutcomeClassifier. Without a program it applies the built-in
// direction rules.
type Classifier struct {
	program  atomic.Pointer[Program]
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

var _ engine.OutcomeClassifier = (*Classifier)(nil)

// ClassifierOptions configures a Classifier.
type ClassifierOptions struct {
	// Timeout bounds a single classify call. Defaults to one second.
	Timeout time.Duration

	// MaxSteps bounds the Starlark steps of a single call.
	MaxSteps uint64

	Logger zerolog.Logger
}

// NewClassifier creates a classifier with no program loaded.
func NewClassifier(opts ClassifierOptions) *Classifier {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	return &Classifier{
		timeout:  opts.Timeout,
		maxSteps: opts.MaxSteps,
		logger:   opts.Logger.With().Str("component", "outcome-classifier").Logger(),
	}
}

// Swap installs p and returns the previously active program. A nil p
// restores the built-in rules.
func (c *Classifier) Swap(p *Program) *Program {
	return c.program.Swap(p)
}

// Program returns the active program, or nil.
func (c *Classifier) Program() *Program {
	return c.program.Load()
}

// Classify implements engine.OutcomeClassifier.
func (c *Classifier) Classify(ctx context.Context, entry engine.CallLogEntry) (engine.OutcomeKind, error) {
	p := c.program.Load()
	if p == nil {
		return engine.DefaultClassifier{}.Classify(ctx, entry)
	}

	arg := entryValue(entry)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "classify",
		Print: func(_ *starlark.Thread, msg string) {
			c.logger.Debug().Str("script", p.Name).Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(c.maxSteps)

	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	result, err := starlark.Call(thread, p.fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", ClassifyFunc, err)
	}

	out, ok := starlark.AsString(result)
	if !ok {
		return "", fmt.Errorf("%s returned %s, want a string", ClassifyFunc, result.Type())
	}

	kind := engine.OutcomeKind(out)
	switch kind {
	case engine.OutcomeDeclined, engine.OutcomeNoAnswer:
		return kind, nil
	default:
		return "", fmt.Errorf("%s returned %q, want %q or %q", ClassifyFunc, out, engine.OutcomeDeclined, engine.OutcomeNoAnswer)
	}
}
