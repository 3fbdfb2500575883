// Package batch packs ordered mutation commands into size-bounded batches,
// so a remote transport can ship many instructions per round-trip without
// ever exceeding the target shell's argument limit.
package batch

import (
	"github.com/getbetter-ro/epok/pkg/rules"
)

// Separator joins a batch's rendered commands into a single shell line.
// Byte accounting uses the same separator, so a batch's Size is exactly the
// length of the line the remote transport will run.
const Separator = "; "

// DefaultSizeLimit is 80% of the common 2 MiB ARG_MAX, leaving headroom for
// the shell invocation around the batched instructions.
const DefaultSizeLimit = 1677722

// Batch is an ordered group of commands whose joined rendered form stays
// within the configured size limit, except when a single command alone
// exceeds it: such a command becomes its own batch rather than being dropped
// or truncated.
type Batch struct {
	Commands []rules.Command
}

// Size returns the byte length of the batch's rendered shell line.
func (b Batch) Size() int {
	size := 0
	for i, cmd := range b.Commands {
		if i > 0 {
			size += len(Separator)
		}
		size += len(cmd.Rendered)
	}
	return size
}

// Rendered returns the batch as one shell line.
func (b Batch) Rendered() string {
	line := ""
	for i, cmd := range b.Commands {
		if i > 0 {
			line += Separator
		}
		line += cmd.Rendered
	}
	return line
}

// Pack splits commands into batches of at most limit bytes, preserving
// order within and across batches. When batching is disabled every command
// travels alone.
func Pack(commands []rules.Command, limit int, enabled bool) []Batch {
	if !enabled {
		batches := make([]Batch, 0, len(commands))
		for _, cmd := range commands {
			batches = append(batches, Batch{Commands: []rules.Command{cmd}})
		}
		return batches
	}

	var (
		batches []Batch
		current Batch
		size    int
	)
	for _, cmd := range commands {
		added := len(cmd.Rendered)
		if len(current.Commands) > 0 {
			added += len(Separator)
		}
		if len(current.Commands) > 0 && size+added > limit {
			batches = append(batches, current)
			current = Batch{}
			size = 0
			added = len(cmd.Rendered)
		}
		current.Commands = append(current.Commands, cmd)
		size += added
	}
	if len(current.Commands) > 0 {
		batches = append(batches, current)
	}
	return batches
}
