package usecase

import (
	"strconv"
	"strings"
)

// CommandKind is the closed set of commands the orchestrator dispatches on.
type CommandKind string

const (
	CommandChat    CommandKind = "chat"
	CommandIdea    CommandKind = "idea"
	CommandPlan    CommandKind = "plan"
	CommandTask    CommandKind = "task"
	CommandApprove CommandKind = "approve"
	CommandDeny    CommandKind = "deny"
	CommandStatus  CommandKind = "status"
	CommandHistory CommandKind = "history"
	CommandLogs    CommandKind = "logs"
	CommandUsage   CommandKind = "usage"
	CommandSystem  CommandKind = "system"
	CommandClear   CommandKind = "clear_context"
)

// Command is the typed result of parsing one raw message.
type Command struct {
	Kind           CommandKind
	Payload        string
	WorkspaceAlias string
	// RequestID and Extra are populated for approve/deny.
	RequestID string
	Extra     string
	// LogLines is populated for logs.
	LogLines int
}

// clearAliases are full-text commands that reset the sender's thread.
var clearAliases = map[string]struct{}{
	"clear context": {},
	"clear chat":    {},
	"reset context": {},
	"new chat":      {},
	"new context":   {},
}

// ParseCommand maps raw message text to a typed command. It is pure and never
// fails: malformed input degrades to a chat command carrying the full text.
func ParseCommand(text string) Command {
	text = strings.TrimSpace(text)
	cmd := Command{Kind: CommandChat, Payload: text}
	if text == "" {
		return cmd
	}

	// Optional leading @alias workspace selector on any command.
	if strings.HasPrefix(text, "@") {
		alias, rest, _ := strings.Cut(text, " ")
		if len(alias) > 1 {
			cmd.WorkspaceAlias = alias[1:]
			text = strings.TrimSpace(rest)
			cmd.Payload = text
		}
	}

	lower := strings.ToLower(text)
	if _, ok := clearAliases[lower]; ok {
		cmd.Kind = CommandClear
		cmd.Payload = ""
		return cmd
	}

	if rest, ok := cutPrefix(text, "task:"); ok {
		cmd.Kind = CommandTask
		cmd.Payload = rest
		return cmd
	}
	if rest, ok := cutPrefix(text, "idea:"); ok {
		cmd.Kind = CommandIdea
		cmd.Payload = rest
		return cmd
	}
	if rest, ok := cutPrefix(text, "plan:"); ok {
		cmd.Kind = CommandPlan
		cmd.Payload = rest
		return cmd
	}
	if rest, ok := cutPrefix(text, "system:"); ok {
		cmd.Kind = CommandSystem
		cmd.Payload = rest
		return cmd
	}

	fields := strings.Fields(text)
	switch strings.ToLower(fields[0]) {
	case "approve":
		if len(fields) < 2 {
			return cmd // no request id, keep as chat
		}
		cmd.Kind = CommandApprove
		cmd.RequestID = fields[1]
		cmd.Extra = strings.TrimSpace(strings.Join(fields[2:], " "))
		cmd.Payload = ""
		return cmd
	case "deny":
		if len(fields) < 2 {
			return cmd
		}
		cmd.Kind = CommandDeny
		cmd.RequestID = fields[1]
		cmd.Payload = ""
		return cmd
	case "status":
		cmd.Kind = CommandStatus
		cmd.Payload = strings.TrimSpace(strings.Join(fields[1:], " "))
		return cmd
	}

	if lower == "history" {
		cmd.Kind = CommandHistory
		cmd.Payload = ""
		return cmd
	}
	if rest, ok := cutPrefix(text, "history:"); ok {
		cmd.Kind = CommandHistory
		cmd.Payload = rest
		return cmd
	}
	if lower == "logs" {
		cmd.Kind = CommandLogs
		cmd.LogLines = 50
		cmd.Payload = ""
		return cmd
	}
	if rest, ok := cutPrefix(text, "logs:"); ok {
		cmd.Kind = CommandLogs
		cmd.LogLines = 50
		if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil && n > 0 {
			cmd.LogLines = n
		}
		cmd.Payload = ""
		return cmd
	}
	if lower == "usage" {
		cmd.Kind = CommandUsage
		cmd.Payload = "today"
		return cmd
	}
	if rest, ok := cutPrefix(text, "usage:"); ok {
		cmd.Kind = CommandUsage
		switch p := strings.ToLower(strings.TrimSpace(rest)); p {
		case "today", "monthly", "blocks":
			cmd.Payload = p
		default:
			cmd.Payload = "today"
		}
		return cmd
	}

	return cmd
}

// cutPrefix matches a case-insensitive command prefix and returns the trimmed
// remainder.
func cutPrefix(text, prefix string) (string, bool) {
	if len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(text[len(prefix):]), true
}

// mutatingVerbs flag natural-language requests that likely change files or
// system state and therefore need approval even without a task: prefix.
var mutatingVerbs = []string{
	"create", "make", "add", "write", "build",
	"deploy", "release", "publish", "push",
	"delete", "remove", "drop", "uninstall",
	"install", "upgrade", "update", "migrate",
	"refactor", "rename", "move", "rewrite",
	"fix", "change", "modify", "edit",
	"run tests", "run the tests", "commit", "merge", "revert",
}

// IsLikelyMutating reports whether unprefixed text reads like a request to
// mutate files or system state. Questions are treated as read-only.
func IsLikelyMutating(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" || strings.HasSuffix(t, "?") {
		return false
	}
	for _, v := range mutatingVerbs {
		if strings.HasPrefix(t, v+" ") || strings.Contains(t, " "+v+" ") || t == v {
			return true
		}
	}
	return false
}
