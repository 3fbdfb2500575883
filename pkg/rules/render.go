package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Chain is the table and chain every epok rule lives in.
const (
	Table = "nat"
	Chain = "PREROUTING"
)

// CommandKind distinguishes rule additions from removals.
type CommandKind int

const (
	Add CommandKind = iota
	Remove
)

// String returns the kind's wire-log name.
func (k CommandKind) String() string {
	if k == Remove {
		return "remove"
	}
	return "add"
}

// Command is one firewall mutation. Args carries the structured rule spec
// for executors that talk to iptables directly; Rendered carries the full
// shell instruction for executors that ship command lines to a remote host.
type Command struct {
	Kind        CommandKind
	Fingerprint string
	Args        []string
	Rendered    string
}

// RuleSpec returns the iptables rule-spec arguments for installing r in the
// nat PREROUTING chain, comment tag included.
func (r DesiredRule) RuleSpec() []string {
	args := []string{
		"-i", r.Interface,
		"-p", string(r.Protocol),
		"-m", string(r.Protocol),
		"--dport", strconv.Itoa(int(r.ExternalPort)),
	}
	if r.AllowRange != "" {
		args = append(args, "-s", r.AllowRange)
	}
	args = append(args,
		"-m", "state", "--state", "NEW",
		"-m", "comment", "--comment", commentToken(r.Fingerprint()),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", r.NodeAddress, r.NodePort),
	)
	return args
}

// AddCommand renders the command that installs r. The rendered form checks
// with -C before appending: a remote transport replays the whole batch line
// on retry, so a rule that already committed must not be appended twice.
func AddCommand(r DesiredRule) Command {
	args := r.RuleSpec()
	spec := strings.Join(args, " ")
	return Command{
		Kind:        Add,
		Fingerprint: r.Fingerprint(),
		Args:        args,
		Rendered: "iptables -w -t nat -C " + Chain + " " + spec +
			" || iptables -w -t nat -A " + Chain + " " + spec,
	}
}

// RemoveCommand renders the command that uninstalls a live rule by replaying
// its installed form with -D.
func RemoveCommand(r LiveRule) Command {
	raw := strings.TrimSpace(r.Raw)
	rest := strings.TrimPrefix(raw, "-A ")
	fields := splitQuoted(rest)
	var args []string
	if len(fields) > 1 {
		args = fields[1:]
	}
	return Command{
		Kind:        Remove,
		Fingerprint: r.FP,
		Args:        args,
		Rendered:    "iptables -w -t nat -D " + rest,
	}
}

func commentToken(fp string) string {
	return RuleMarker + ":" + fp
}

// splitQuoted splits an iptables-save line into fields, honoring the double
// quotes iptables puts around comment values.
func splitQuoted(s string) []string {
	var (
		fields   []string
		current  strings.Builder
		inQuotes bool
		started  bool
	)
	for _, c := range s {
		switch {
		case c == '"':
			inQuotes = !inQuotes
			started = true
		case c == ' ' && !inQuotes:
			if started {
				fields = append(fields, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(c)
			started = true
		}
	}
	if started {
		fields = append(fields, current.String())
	}
	return fields
}
