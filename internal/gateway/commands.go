package gateway

import (
	"strings"
)

// Trigger is the comment prefix that addresses the bot.
const Trigger = "gorkon"

// Action is what a parsed comment asks for.
type Action string

const (
	ActionRun       Action = "run"
	ActionRunRemote Action = "run-remote"
	ActionCancel    Action = "cancel"
)

// Command is a parsed bot comment: the command line plus the KEY=VALUE
// environment lines that follow it.
type Command struct {
	Action Action
	Path   string
	Args   []string
	Env    map[string]string
}

// ParseCommand extracts a bot command from a comment body. The first line
// must be "gorkon <action> [command...]"; subsequent KEY=VALUE lines become
// the task environment. Anything else is not a command and reports false.
func ParseCommand(body string) (*Command, bool) {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return nil, false
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 || fields[0] != Trigger {
		return nil, false
	}

	cmd := &Command{}
	switch Action(fields[1]) {
	case ActionCancel:
		cmd.Action = ActionCancel
		return cmd, true
	case ActionRun:
		cmd.Action = ActionRun
	case ActionRunRemote:
		cmd.Action = ActionRunRemote
	default:
		return nil, false
	}
	if len(fields) < 3 {
		return nil, false
	}
	cmd.Path = fields[2]
	cmd.Args = fields[3:]

	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		if cmd.Env == nil {
			cmd.Env = make(map[string]string)
		}
		cmd.Env[key] = value
	}
	return cmd, true
}
