package usecase

import "testing"

func TestParseCommand_Prefixes(t *testing.T) {
	cases := []struct {
		in      string
		kind    CommandKind
		payload string
	}{
		{"task: fix the login bug", CommandTask, "fix the login bug"},
		{"Task:   deploy the site", CommandTask, "deploy the site"},
		{"idea: a CLI that renames photos", CommandIdea, "a CLI that renames photos"},
		{"plan: migrate to pgx v5", CommandPlan, "migrate to pgx v5"},
		{"system: restart", CommandSystem, "restart"},
		{"how does DNS work?", CommandChat, "how does DNS work?"},
		{"", CommandChat, ""},
	}
	for _, tc := range cases {
		got := ParseCommand(tc.in)
		if got.Kind != tc.kind {
			t.Errorf("ParseCommand(%q).Kind = %s, want %s", tc.in, got.Kind, tc.kind)
		}
		if got.Payload != tc.payload {
			t.Errorf("ParseCommand(%q).Payload = %q, want %q", tc.in, got.Payload, tc.payload)
		}
	}
}

func TestParseCommand_ApproveDeny(t *testing.T) {
	got := ParseCommand("approve req-123 also run the tests")
	if got.Kind != CommandApprove {
		t.Fatalf("Kind = %s, want approve", got.Kind)
	}
	if got.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want req-123", got.RequestID)
	}
	if got.Extra != "also run the tests" {
		t.Errorf("Extra = %q", got.Extra)
	}

	got = ParseCommand("deny req-456")
	if got.Kind != CommandDeny || got.RequestID != "req-456" {
		t.Errorf("deny parse = %+v", got)
	}

	// A bare "approve" with no id is not a command.
	got = ParseCommand("approve")
	if got.Kind != CommandChat {
		t.Errorf("bare approve Kind = %s, want chat", got.Kind)
	}
}

func TestParseCommand_WorkspaceAlias(t *testing.T) {
	got := ParseCommand("@blog task: publish the draft")
	if got.WorkspaceAlias != "blog" {
		t.Errorf("WorkspaceAlias = %q, want blog", got.WorkspaceAlias)
	}
	if got.Kind != CommandTask || got.Payload != "publish the draft" {
		t.Errorf("parse = %+v", got)
	}

	// Alias works on plain chat too.
	got = ParseCommand("@api what does the handler do?")
	if got.WorkspaceAlias != "api" || got.Kind != CommandChat {
		t.Errorf("parse = %+v", got)
	}
}

func TestParseCommand_ClearAliases(t *testing.T) {
	for _, in := range []string{"clear context", "Clear Chat", "new chat", "reset context"} {
		got := ParseCommand(in)
		if got.Kind != CommandClear {
			t.Errorf("ParseCommand(%q).Kind = %s, want clear_context", in, got.Kind)
		}
	}
	// Substring is not enough; only the full phrase clears.
	if got := ParseCommand("please clear context for me"); got.Kind == CommandClear {
		t.Error("embedded clear phrase should stay chat")
	}
}

func TestParseCommand_StatusLogsUsage(t *testing.T) {
	if got := ParseCommand("status"); got.Kind != CommandStatus || got.Payload != "" {
		t.Errorf("status parse = %+v", got)
	}
	if got := ParseCommand("status run-1"); got.Kind != CommandStatus || got.Payload != "run-1" {
		t.Errorf("status id parse = %+v", got)
	}
	if got := ParseCommand("logs"); got.Kind != CommandLogs || got.LogLines != 50 {
		t.Errorf("logs parse = %+v", got)
	}
	if got := ParseCommand("logs: 10"); got.LogLines != 10 {
		t.Errorf("logs:10 LogLines = %d", got.LogLines)
	}
	if got := ParseCommand("logs: nope"); got.LogLines != 50 {
		t.Errorf("bad logs count LogLines = %d, want default 50", got.LogLines)
	}
	if got := ParseCommand("usage"); got.Kind != CommandUsage || got.Payload != "today" {
		t.Errorf("usage parse = %+v", got)
	}
	if got := ParseCommand("usage: monthly"); got.Payload != "monthly" {
		t.Errorf("usage monthly parse = %+v", got)
	}
	if got := ParseCommand("usage: weekly"); got.Payload != "today" {
		t.Errorf("unknown usage period should default to today, got %q", got.Payload)
	}
	if got := ParseCommand("history: deploy"); got.Kind != CommandHistory || got.Payload != "deploy" {
		t.Errorf("history parse = %+v", got)
	}
}

func TestIsLikelyMutating(t *testing.T) {
	mutating := []string{
		"fix the flaky test in ci",
		"please delete the old branches",
		"commit",
		"Rename the config package",
	}
	for _, in := range mutating {
		if !IsLikelyMutating(in) {
			t.Errorf("IsLikelyMutating(%q) = false, want true", in)
		}
	}
	readonly := []string{
		"what would it take to fix the flaky test?",
		"tell me about the codebase",
		"",
	}
	for _, in := range readonly {
		if IsLikelyMutating(in) {
			t.Errorf("IsLikelyMutating(%q) = true, want false", in)
		}
	}
}
