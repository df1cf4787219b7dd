package usecase

import (
	"testing"
	"time"
)

func TestPolicyEngine_SenderAllowlist(t *testing.T) {
	p := NewPolicyEngine([]string{"alice", " bob "}, nil, 0)
	if !p.IsSenderAllowed("alice") {
		t.Error("alice should be allowed")
	}
	if !p.IsSenderAllowed("bob") {
		t.Error("bob should be allowed (whitespace trimmed)")
	}
	if p.IsSenderAllowed("mallory") {
		t.Error("mallory should be rejected")
	}

	open := NewPolicyEngine(nil, nil, 0)
	if !open.IsSenderAllowed("anyone") {
		t.Error("empty allowlist should allow everyone")
	}
}

func TestPolicyEngine_WorkspaceRoots(t *testing.T) {
	p := NewPolicyEngine(nil, []string{"/home/me/projects"}, 0)

	if !p.IsWorkspaceAllowed("/home/me/projects/site") {
		t.Error("child of root should be allowed")
	}
	if !p.IsWorkspaceAllowed("/home/me/projects") {
		t.Error("root itself should be allowed")
	}
	if p.IsWorkspaceAllowed("/home/me/other") {
		t.Error("sibling should be rejected")
	}
	if p.IsWorkspaceAllowed("/home/me/projects/../secrets") {
		t.Error("traversal escaping the root should be rejected")
	}

	empty := NewPolicyEngine(nil, nil, 0)
	if empty.IsWorkspaceAllowed("/anything") {
		t.Error("no configured roots means no workspace is allowed")
	}
}

func TestPolicyEngine_RateLimit(t *testing.T) {
	p := NewPolicyEngine(nil, nil, 3)
	now := time.Now()
	p.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !p.IsUnderRateLimit("alice") {
			t.Fatalf("call %d should be under the limit", i+1)
		}
	}
	if p.IsUnderRateLimit("alice") {
		t.Error("fourth call in the window should be rejected")
	}
	// Another sender has an independent window.
	if !p.IsUnderRateLimit("bob") {
		t.Error("bob should not be affected by alice's window")
	}

	// The window resets after a minute.
	now = now.Add(61 * time.Second)
	if !p.IsUnderRateLimit("alice") {
		t.Error("alice should be allowed again after the window lapses")
	}
}

func TestPolicyEngine_RateLimitDisabled(t *testing.T) {
	p := NewPolicyEngine(nil, nil, 0)
	for i := 0; i < 100; i++ {
		if !p.IsUnderRateLimit("alice") {
			t.Fatal("zero ceiling should disable rate limiting")
		}
	}
}
