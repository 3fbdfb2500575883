package rules

// Diff compares the desired and live rulesets and returns the ordered
// mutation commands: every removal first, then every addition. Removing
// before adding guarantees no two installed rules ever match the same
// traffic, at the cost of a brief unreachable window when a mapping moves.
func Diff(desired, live *RuleSet) []Command {
	var commands []Command

	for _, r := range live.Subtract(desired).Rules() {
		commands = append(commands, RemoveCommand(r.(LiveRule)))
	}
	for _, r := range desired.Subtract(live).Rules() {
		commands = append(commands, AddCommand(r.(DesiredRule)))
	}

	return commands
}

// RemovalCommands renders a removal for every rule in the set, in order.
// The teardown utility uses it to uninstall everything epok owns.
func RemovalCommands(live *RuleSet) []Command {
	var commands []Command
	for _, r := range live.Rules() {
		if lr, ok := r.(LiveRule); ok {
			commands = append(commands, RemoveCommand(lr))
		}
	}
	return commands
}
