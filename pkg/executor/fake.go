package executor

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/getbetter-ro/epok/pkg/batch"
	"github.com/getbetter-ro/epok/pkg/rules"
)

// Fake is an in-memory executor that simulates a host's nat PREROUTING
// chain, including the comment quoting iptables-save applies. It backs
// tests and development on machines without iptables.
type Fake struct {
	mu    sync.Mutex
	lines []string

	// ApplyCalls and SaveCalls count executor invocations.
	ApplyCalls int
	SaveCalls  int
	// Applied records every command ever applied, in order.
	Applied []rules.Command

	// FailTransport and FailCommand make the next n Apply calls fail with
	// the corresponding error class before touching state.
	FailTransport int
	FailCommand   int
}

// NewFake returns an empty fake host.
func NewFake() *Fake {
	return &Fake{}
}

// Seed installs a raw iptables-save line directly, bypassing the command
// path. Tests use it to plant pre-existing or foreign rules.
func (f *Fake) Seed(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
}

// Apply mutates the simulated chain.
func (f *Fake) Apply(ctx context.Context, b batch.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ApplyCalls++
	if f.FailTransport > 0 {
		f.FailTransport--
		return &TransportError{Err: errors.New("fake transport down")}
	}
	if f.FailCommand > 0 {
		f.FailCommand--
		return &CommandError{Instruction: b.Rendered(), Err: errors.New("fake non-zero exit")}
	}

	for _, cmd := range b.Commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(cmd.Args) == 0 {
			return &MalformedError{Instruction: cmd.Rendered}
		}
		switch cmd.Kind {
		case rules.Add:
			line := "-A " + rules.Chain + " " + renderSaved(cmd.Args)
			if !f.hasLine(line) {
				f.lines = append(f.lines, line)
			}
		case rules.Remove:
			line := "-A " + rules.Chain + " " + renderSaved(cmd.Args)
			f.deleteLine(line)
		default:
			return &MalformedError{Instruction: cmd.Rendered}
		}
		f.Applied = append(f.Applied, cmd)
	}
	return nil
}

// SaveRules returns the simulated chain in iptables-save form.
func (f *Fake) SaveRules(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.SaveCalls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out := []string{"-P " + rules.Chain + " ACCEPT"}
	out = append(out, f.lines...)
	return strings.Join(out, "\n"), nil
}

// Close is a no-op.
func (f *Fake) Close() error { return nil }

// Lines returns a copy of the simulated chain.
func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out
}

func (f *Fake) hasLine(line string) bool {
	for _, l := range f.lines {
		if l == line {
			return true
		}
	}
	return false
}

func (f *Fake) deleteLine(line string) {
	kept := f.lines[:0]
	for _, l := range f.lines {
		if l != line {
			kept = append(kept, l)
		}
	}
	f.lines = kept
}

// renderSaved joins a rule spec the way iptables-save prints it: comment
// values wrapped in double quotes.
func renderSaved(args []string) string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "--comment" {
			out[i+1] = `"` + out[i+1] + `"`
		}
	}
	return strings.Join(out, " ")
}
