package usecase

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// PolicyEngine holds per-process admission rules: sender allowlist, workspace
// allowlist and a fixed-window rate limit per sender. Rate-limit state is a
// soft signal; it lives in memory and resets on restart.
type PolicyEngine struct {
	allowedSenders map[string]struct{}
	workspaceRoots []string
	perMinute      int

	mu      sync.Mutex
	windows map[string]*rateWindow
	lastGC  time.Time

	now func() time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

func NewPolicyEngine(allowedSenders []string, workspaceRoots []string, perMinute int) *PolicyEngine {
	allow := make(map[string]struct{}, len(allowedSenders))
	for _, s := range allowedSenders {
		if s = strings.TrimSpace(s); s != "" {
			allow[s] = struct{}{}
		}
	}
	roots := make([]string, 0, len(workspaceRoots))
	for _, r := range workspaceRoots {
		if r = strings.TrimSpace(r); r != "" {
			roots = append(roots, filepath.Clean(r))
		}
	}
	return &PolicyEngine{
		allowedSenders: allow,
		workspaceRoots: roots,
		perMinute:      perMinute,
		windows:        make(map[string]*rateWindow),
		now:            time.Now,
	}
}

// IsSenderAllowed reports whether sender may talk to the gateway. An empty
// allowlist allows everyone.
func (p *PolicyEngine) IsSenderAllowed(sender string) bool {
	if len(p.allowedSenders) == 0 {
		return true
	}
	_, ok := p.allowedSenders[sender]
	return ok
}

// IsWorkspaceAllowed reports whether path resolves under one of the
// configured workspace roots.
func (p *PolicyEngine) IsWorkspaceAllowed(path string) bool {
	if len(p.workspaceRoots) == 0 {
		return false
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return false
	}
	for _, root := range p.workspaceRoots {
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}

// IsUnderRateLimit counts this check against the sender's current 60-second
// window and reports whether the configured ceiling is still respected.
func (p *PolicyEngine) IsUnderRateLimit(sender string) bool {
	if p.perMinute <= 0 {
		return true
	}
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.gcLocked(now)

	w, ok := p.windows[sender]
	if !ok || now.Sub(w.start) >= time.Minute {
		w = &rateWindow{start: now}
		p.windows[sender] = w
	}
	w.count++
	return w.count <= p.perMinute
}

// gcLocked drops windows that lapsed more than a minute ago so the map stays
// bounded by active senders.
func (p *PolicyEngine) gcLocked(now time.Time) {
	if now.Sub(p.lastGC) < time.Minute {
		return
	}
	p.lastGC = now
	for sender, w := range p.windows {
		if now.Sub(w.start) >= 2*time.Minute {
			delete(p.windows, sender)
		}
	}
}
