package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/adapter"
	"personal-agent-gateway/internal/domain/ports/repository"
)

// ThreadContextCache is the per-sender conversation window cache: a
// newline-joined list of recent message lines, read on every chat turn and
// cleared on clear-context. Process-local or redis-backed; losing it is
// harmless, the window is rebuilt from the message store on a miss.
type ThreadContextCache interface {
	Get(ctx context.Context, sender string) (string, error)
	Put(ctx context.Context, sender, window string) error
	Clear(ctx context.Context, sender string) error
}

// OrchestratorConfig tunes the state machine. Zero values disable the
// corresponding behavior.
type OrchestratorConfig struct {
	DefaultWorkspace string
	// Workspaces maps @alias selectors to workspace paths. Unknown aliases
	// silently fall back to DefaultWorkspace.
	Workspaces map[string]string

	ApprovalTTL       time.Duration
	MaxResumeAttempts int
	CheckpointEnabled bool

	StreamingEnabled    bool
	ProgressMinInterval time.Duration

	// TeamContext, when set, is injected into chat/plan prompts.
	TeamContext string
	// MemoryWindow is how many recent messages to fold into chat prompts.
	MemoryWindow int
}

// HandleResult is the synchronous outcome of handling one inbound message.
type HandleResult struct {
	Kind      CommandKind
	Response  string
	RunID     string
	RequestID string
	// Duplicate is set when the message id was already recorded and the call
	// short-circuited with no side effects.
	Duplicate bool
	// Rejected names the policy gate that refused the message, empty otherwise.
	Rejected string
}

// Orchestrator consumes one inbound message per call: it resolves the
// workspace, applies policy, classifies the command, advances runs and
// approvals, talks to the Connector, and writes outbound text through the
// Egress. All lifecycle transitions are committed to the store before any
// notification is attempted.
type Orchestrator struct {
	messages  repository.MessageRepository
	sessions  repository.SessionRepository
	runs      repository.RunRepository
	approvals repository.ApprovalRepository
	events    repository.EventRepository
	// jobs, when non-nil, routes approved executions through the durable
	// queue instead of executing inline.
	jobs  repository.RunJobRepository
	state repository.StateRepository
	tm    repository.TransactionManager

	connector adapter.Connector
	egress    adapter.Egress
	policy    *PolicyEngine
	threadCtx ThreadContextCache
	// followUps, when non-nil, books approval reminders so pending requests
	// nudge the requester before they expire.
	followUps FollowUpUseCase

	// shutdown is invoked by system: stop / restart. restart=true asks the
	// supervisor to bring the process back up.
	shutdown func(restart bool)

	cfg OrchestratorConfig
	log *zerolog.Logger

	progMu       sync.Mutex
	lastProgress map[string]time.Time
}

type OrchestratorDeps struct {
	Messages  repository.MessageRepository
	Sessions  repository.SessionRepository
	Runs      repository.RunRepository
	Approvals repository.ApprovalRepository
	Events    repository.EventRepository
	Jobs      repository.RunJobRepository
	State     repository.StateRepository
	TM        repository.TransactionManager
	Connector adapter.Connector
	Egress    adapter.Egress
	Policy    *PolicyEngine
	ThreadCtx ThreadContextCache
	FollowUps FollowUpUseCase
	Shutdown  func(restart bool)
}

func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig, logger *zerolog.Logger) *Orchestrator {
	if cfg.MaxResumeAttempts <= 0 {
		cfg.MaxResumeAttempts = 3
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 24 * time.Hour
	}
	if cfg.ProgressMinInterval <= 0 {
		cfg.ProgressMinInterval = 10 * time.Second
	}
	if cfg.MemoryWindow <= 0 {
		cfg.MemoryWindow = 5
	}
	l := logger.With().Str("component", "Orchestrator").Logger()
	return &Orchestrator{
		messages:     deps.Messages,
		sessions:     deps.Sessions,
		runs:         deps.Runs,
		approvals:    deps.Approvals,
		events:       deps.Events,
		jobs:         deps.Jobs,
		state:        deps.State,
		tm:           deps.TM,
		connector:    deps.Connector,
		egress:       deps.Egress,
		policy:       deps.Policy,
		threadCtx:    deps.ThreadCtx,
		followUps:    deps.FollowUps,
		shutdown:     deps.Shutdown,
		cfg:          cfg,
		log:          &l,
		lastProgress: make(map[string]time.Time),
	}
}

// HandleMessage is the synchronous ingress path. It is reentrant per call;
// correctness under concurrent calls relies on store-level atomicity of the
// dedupe insert and approval transitions.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg *model.Message) (*HandleResult, error) {
	if msg == nil {
		return nil, domain.ErrInvalidArgument
	}
	if msg.IsFromMe || (o.egress != nil && o.egress.WasRecentOutbound(ctx, msg.Sender, msg.Text)) {
		return &HandleResult{Kind: CommandChat, Duplicate: true}, nil
	}
	if msg.DedupeHash == "" {
		msg.DedupeHash = model.DedupeHash(msg.Sender, msg.Text)
	}

	inserted, err := o.messages.Record(ctx, nil, msg)
	if err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}
	if !inserted {
		return &HandleResult{Kind: CommandChat, Duplicate: true}, nil
	}

	if !o.policy.IsSenderAllowed(msg.Sender) {
		o.log.Warn().Str("sender", msg.Sender).Msg("sender not on allowlist")
		return o.reply(ctx, msg.Sender, &HandleResult{Kind: CommandChat, Rejected: "sender", Response: "You are not authorized to use this service."})
	}
	if !o.policy.IsUnderRateLimit(msg.Sender) {
		return o.reply(ctx, msg.Sender, &HandleResult{Kind: CommandChat, Rejected: "rate_limit", Response: "Rate limit exceeded. Please wait a minute and try again."})
	}

	cmd := ParseCommand(msg.Text)
	workDir := o.resolveWorkspace(cmd.WorkspaceAlias)

	switch cmd.Kind {
	case CommandChat, CommandIdea, CommandPlan:
		// Unprefixed text that reads like a mutation request is gated the
		// same way an explicit task: command is.
		if cmd.Kind == CommandChat && IsLikelyMutating(cmd.Payload) {
			return o.handleTask(ctx, msg, cmd, workDir)
		}
		return o.handleConversation(ctx, msg, cmd)
	case CommandTask:
		return o.handleTask(ctx, msg, cmd, workDir)
	case CommandApprove:
		return o.handleApprove(ctx, msg.Sender, cmd)
	case CommandDeny:
		return o.handleDeny(ctx, msg.Sender, cmd)
	case CommandStatus:
		return o.handleStatus(ctx, msg.Sender, cmd)
	case CommandHistory:
		return o.handleHistory(ctx, msg.Sender, cmd)
	case CommandLogs:
		return o.handleLogs(ctx, msg.Sender, cmd)
	case CommandUsage:
		return o.handleUsage(ctx, msg.Sender, cmd)
	case CommandSystem:
		return o.handleSystem(ctx, msg.Sender, cmd)
	case CommandClear:
		return o.handleClear(ctx, msg.Sender)
	}
	return o.handleConversation(ctx, msg, cmd)
}

// Replies above this many bytes are spilled into a file attachment when the
// egress can carry one; chat surfaces choke on multi-screen walls of text.
const maxInlineReply = 8000

// reply sends the result's response through egress (best effort) and returns
// the result. Delivery failures are logged, never propagated.
func (o *Orchestrator) reply(ctx context.Context, recipient string, res *HandleResult) (*HandleResult, error) {
	if res.Response != "" && o.egress != nil {
		if err := o.deliver(ctx, recipient, res.Response); err != nil {
			o.log.Error().Err(err).Str("recipient", recipient).Msg("egress send failed")
		}
	}
	return res, nil
}

// deliver writes text to the recipient. Oversized output goes out as a file
// attachment with a short inline preview when the egress supports it; on any
// attachment failure it falls back to plain (chunked) text.
func (o *Orchestrator) deliver(ctx context.Context, recipient, text string) error {
	o.egress.MarkOutbound(ctx, recipient, text)
	if len(text) > maxInlineReply {
		if ae, ok := o.egress.(adapter.AttachmentEgress); ok {
			if path, err := spoolAttachment(text); err == nil {
				defer os.Remove(path)
				if err := ae.SendAttachment(ctx, recipient, path); err == nil {
					preview := truncate(text, 500) + "\n\n(full output attached)"
					o.egress.MarkOutbound(ctx, recipient, preview)
					return o.egress.Send(ctx, recipient, preview)
				}
			}
		}
	}
	return o.egress.Send(ctx, recipient, text)
}

func spoolAttachment(text string) (string, error) {
	f, err := os.CreateTemp("", "run-output-*.txt")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func (o *Orchestrator) resolveWorkspace(alias string) string {
	if alias != "" {
		if path, ok := o.cfg.Workspaces[alias]; ok && o.policy.IsWorkspaceAllowed(path) {
			return path
		}
		o.log.Debug().Str("alias", alias).Msg("unknown workspace alias, falling back to default")
	}
	return o.cfg.DefaultWorkspace
}

// ensureThread returns (and persists) the sender's connector thread.
func (o *Orchestrator) ensureThread(ctx context.Context, sender string, mode model.SessionMode) (string, error) {
	if s, err := o.sessions.FindBySender(ctx, nil, sender); err == nil {
		if s.Mode != mode {
			s.Mode = mode
			s.UpdatedAt = time.Now()
			_ = o.sessions.Upsert(ctx, nil, s)
		}
		return s.ThreadID, nil
	}
	threadID, err := o.connector.GetOrCreateThread(ctx, sender)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	s := model.NewSession(sender, threadID)
	s.Mode = mode
	if err := o.sessions.Upsert(ctx, nil, s); err != nil {
		return "", err
	}
	return threadID, nil
}

func (o *Orchestrator) handleConversation(ctx context.Context, msg *model.Message, cmd Command) (*HandleResult, error) {
	mode := model.SessionModeChat
	switch cmd.Kind {
	case CommandIdea:
		mode = model.SessionModeIdea
	case CommandPlan:
		mode = model.SessionModePlan
	}
	threadID, err := o.ensureThread(ctx, msg.Sender, mode)
	if err != nil {
		return o.reply(ctx, msg.Sender, &HandleResult{Kind: cmd.Kind, Response: "Something went wrong starting your conversation. Please try again."})
	}

	prompt := o.buildConversationPrompt(ctx, msg, cmd)
	res, err := o.agentTurn(ctx, adapter.TurnModeChat, threadID, prompt)
	if err != nil {
		o.log.Error().Err(err).Str("sender", msg.Sender).Msg("connector turn failed")
		return o.reply(ctx, msg.Sender, &HandleResult{Kind: cmd.Kind, Response: "The agent could not answer right now. Please try again."})
	}
	if res.TimedOut {
		return o.reply(ctx, msg.Sender, &HandleResult{Kind: cmd.Kind, Response: "The agent timed out answering. Please try again."})
	}
	return o.reply(ctx, msg.Sender, &HandleResult{Kind: cmd.Kind, Response: res.Text})
}

// agentTurn runs one connector turn, bumping the usage counters and logging
// which role the turn played.
func (o *Orchestrator) agentTurn(ctx context.Context, mode adapter.TurnMode, threadID, prompt string) (adapter.TurnResult, error) {
	o.countUsage(ctx)
	start := time.Now()
	res, err := o.connector.RunTurn(ctx, threadID, prompt)
	o.log.Debug().Str("mode", string(mode)).Dur("took", time.Since(start)).Msg("connector turn")
	return res, err
}

func (o *Orchestrator) buildConversationPrompt(ctx context.Context, msg *model.Message, cmd Command) string {
	var b strings.Builder
	switch cmd.Kind {
	case CommandIdea:
		b.WriteString("Capture and refine the following idea. Suggest next steps.\n\n")
	case CommandPlan:
		b.WriteString("Draft a concrete plan for the following request. Do not execute anything.\n\n")
	}
	if o.cfg.TeamContext != "" {
		fmt.Fprintf(&b, "Team context: %s\n\n", o.cfg.TeamContext)
	}
	window := o.conversationWindow(ctx, msg)
	if len(window) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, line := range window {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		b.WriteString("\n")
	}
	if len(msg.Context.Attachments) > 0 {
		fmt.Fprintf(&b, "Attached files: %s\n\n", strings.Join(msg.Context.Attachments, ", "))
	}
	b.WriteString(cmd.Payload)
	o.rememberTurn(ctx, msg.Sender, window, cmd.Payload)
	return b.String()
}

// conversationWindow returns the sender's prior message lines, oldest first.
// The cache is authoritative when warm; on a miss the window is rebuilt from
// the message store.
func (o *Orchestrator) conversationWindow(ctx context.Context, msg *model.Message) []string {
	if o.cfg.MemoryWindow <= 0 {
		return nil
	}
	if o.threadCtx != nil {
		if w, err := o.threadCtx.Get(ctx, msg.Sender); err == nil && w != "" {
			return strings.Split(w, "\n")
		}
	}
	if o.messages == nil {
		return nil
	}
	recent, err := o.messages.Search(ctx, nil, msg.Sender, "", o.cfg.MemoryWindow+1)
	if err != nil || len(recent) < 2 {
		return nil
	}
	// Newest first from the store; skip the message being handled.
	var lines []string
	for i := len(recent) - 1; i >= 1; i-- {
		lines = append(lines, firstLine(recent[i].Text))
	}
	return lines
}

// rememberTurn folds the current message into the cached window, trimmed to
// the memory budget.
func (o *Orchestrator) rememberTurn(ctx context.Context, sender string, prior []string, text string) {
	if o.threadCtx == nil || o.cfg.MemoryWindow <= 0 || text == "" {
		return
	}
	lines := append(prior, firstLine(text))
	if len(lines) > o.cfg.MemoryWindow {
		lines = lines[len(lines)-o.cfg.MemoryWindow:]
	}
	if err := o.threadCtx.Put(ctx, sender, strings.Join(lines, "\n")); err != nil {
		o.log.Debug().Err(err).Str("sender", sender).Msg("thread context cache put failed")
	}
}

// firstLine keeps the cached window one line per message.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (o *Orchestrator) handleTask(ctx context.Context, msg *model.Message, cmd Command, workDir string) (*HandleResult, error) {
	if !o.policy.IsWorkspaceAllowed(workDir) {
		return o.reply(ctx, msg.Sender, &HandleResult{Kind: CommandTask, Response: "That workspace is not allowed."})
	}

	srcCtx, _ := json.Marshal(map[string]string{
		"channel":         string(msg.Channel),
		"workspace_alias": cmd.WorkspaceAlias,
		"message_id":      msg.ID,
	})
	run := model.NewRun(msg.Sender, cmd.Payload, workDir, model.RiskMutating, srcCtx)
	if err := o.runs.Save(ctx, nil, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.appendEvent(ctx, run.ID, "intake", model.EventRunCreated, map[string]any{"intent": run.Intent})

	threadID, err := o.ensureThread(ctx, msg.Sender, model.SessionModeTask)
	if err != nil {
		return o.failRun(ctx, run, "could not reach the agent", err)
	}

	planPrompt := fmt.Sprintf(
		"You are in %s mode. Working directory: %s\nSummarize, in a few sentences, the steps you would take for this task. Do not execute anything yet.\n\nTask: %s",
		adapter.TurnModePlanner, run.WorkDir, cmd.Payload)
	planRes, err := o.agentTurn(ctx, adapter.TurnModePlanner, threadID, planPrompt)
	if err != nil || planRes.TimedOut {
		if err == nil {
			err = errors.New("planner turn timed out")
		}
		return o.failRun(ctx, run, "planning failed", err)
	}

	approval := &model.Approval{
		ID:             uuid.NewString(),
		RunID:          run.ID,
		Sender:         msg.Sender,
		Summary:        planRes.Text,
		CommandPreview: cmd.Payload,
		Status:         model.ApprovalStatusPending,
		ExpiresAt:      time.Now().Add(o.cfg.ApprovalTTL),
		CreatedAt:      time.Now(),
	}
	if err := o.approvals.Save(ctx, nil, approval); err != nil {
		return o.failRun(ctx, run, "could not create the approval request", err)
	}
	if err := o.runs.UpdateState(ctx, nil, run.ID, model.RunStateAwaitingApproval); err != nil {
		return nil, err
	}
	o.appendEvent(ctx, run.ID, "plan", model.EventApprovalRequested, map[string]any{"request_id": approval.ID})
	o.scheduleApprovalNudge(ctx, approval)

	resp := fmt.Sprintf("Plan for run %s:\n%s\n\nReply `approve %s` to execute or `deny %s` to cancel.",
		run.ID, approval.Summary, approval.ID, approval.ID)
	return o.reply(ctx, msg.Sender, &HandleResult{Kind: CommandTask, Response: resp, RunID: run.ID, RequestID: approval.ID})
}

// actionApprovalReminder is the follow-up type booked for pending approvals.
const actionApprovalReminder = "approval_reminder"

// scheduleApprovalNudge books a reminder at half the approval TTL (capped at
// four hours) so a dormant request pings the requester before it expires.
func (o *Orchestrator) scheduleApprovalNudge(ctx context.Context, approval *model.Approval) {
	if o.followUps == nil {
		return
	}
	delay := o.cfg.ApprovalTTL / 2
	if delay > 4*time.Hour {
		delay = 4 * time.Hour
	}
	note := fmt.Sprintf("approval %s is still waiting. Reply `approve %s` or `deny %s`.",
		approval.ID, approval.ID, approval.ID)
	payload, _ := json.Marshal(map[string]string{"note": note})
	if _, err := o.followUps.Schedule(ctx, approval.RunID, approval.Sender, actionApprovalReminder, payload, delay); err != nil {
		o.log.Warn().Err(err).Str("run_id", approval.RunID).Msg("schedule approval reminder failed")
	}
}

// cancelRunFollowUps drops pending reminders for a run once its approval is
// resolved or the run reaches a terminal state.
func (o *Orchestrator) cancelRunFollowUps(ctx context.Context, sender, runID string) {
	if o.followUps == nil {
		return
	}
	pending, err := o.followUps.ListPending(ctx, sender)
	if err != nil {
		return
	}
	for _, a := range pending {
		if a.RunID == runID {
			_ = o.followUps.Cancel(ctx, a.ID)
		}
	}
}

func (o *Orchestrator) failRun(ctx context.Context, run *model.Run, userMsg string, cause error) (*HandleResult, error) {
	o.log.Error().Err(cause).Str("run_id", run.ID).Msg(userMsg)
	_ = o.runs.UpdateState(ctx, nil, run.ID, model.RunStateFailed)
	o.appendEvent(ctx, run.ID, "execute", model.EventExecutionFailed, map[string]any{"error": cause.Error()})
	return o.reply(ctx, run.Sender, &HandleResult{Kind: CommandTask, RunID: run.ID, Response: "Run " + run.ID + " failed: " + userMsg + "."})
}

func (o *Orchestrator) handleApprove(ctx context.Context, sender string, cmd Command) (*HandleResult, error) {
	approval, err := o.approvals.FindByID(ctx, nil, cmd.RequestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return o.reply(ctx, sender, &HandleResult{Kind: CommandApprove, Response: fmt.Sprintf("Unknown request %q.", cmd.RequestID)})
		}
		return nil, err
	}
	if approval.Sender != sender {
		return o.reply(ctx, sender, &HandleResult{Kind: CommandApprove, RequestID: approval.ID, Response: "Only the original requester can approve this request."})
	}
	if approval.IsPending() && time.Now().After(approval.ExpiresAt) {
		_, _ = o.approvals.Resolve(ctx, nil, approval.ID, model.ApprovalStatusExpired)
		o.cancelRunFollowUps(ctx, sender, approval.RunID)
		return o.reply(ctx, sender, &HandleResult{Kind: CommandApprove, RequestID: approval.ID, Response: "That request has expired. Please resubmit the task."})
	}

	var enqueued bool
	var run *model.Run
	err = o.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		won, err := o.approvals.Resolve(ctx, tx, approval.ID, model.ApprovalStatusApproved)
		if err != nil {
			return err
		}
		if !won {
			return domain.ErrAlreadyResolved
		}
		run, err = o.runs.FindByID(ctx, tx, approval.RunID)
		if err != nil {
			return err
		}
		if o.jobs != nil {
			job := &model.RunJob{
				ID:     uuid.NewString(),
				RunID:  run.ID,
				Sender: sender,
				Payload: model.RunJobPayload{
					RequestID:         approval.ID,
					ExtraInstructions: cmd.Extra,
					PlanSummary:       approval.Summary,
					Phase:             "execute",
				},
				Status:    model.RunJobStatusQueued,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			if err := o.jobs.Enqueue(ctx, tx, job); err != nil {
				return err
			}
			enqueued = true
			return o.runs.UpdateState(ctx, tx, run.ID, model.RunStateQueued)
		}
		return o.runs.UpdateState(ctx, tx, run.ID, model.RunStateExecuting)
	})
	if errors.Is(err, domain.ErrAlreadyResolved) {
		return o.reply(ctx, sender, &HandleResult{Kind: CommandApprove, RequestID: approval.ID, Response: "That request was already resolved."})
	}
	if err != nil {
		return nil, fmt.Errorf("approve %s: %w", approval.ID, err)
	}
	o.appendEvent(ctx, run.ID, "approval", model.EventApprovalResolved, map[string]any{"request_id": approval.ID, "status": "approved"})
	o.cancelRunFollowUps(ctx, sender, run.ID)

	if enqueued {
		o.appendEvent(ctx, run.ID, "queue", model.EventJobEnqueued, map[string]any{"request_id": approval.ID})
		resp := fmt.Sprintf("Approved. Run %s is queued for execution; I'll report back when it finishes.", run.ID)
		return o.reply(ctx, sender, &HandleResult{Kind: CommandApprove, RunID: run.ID, RequestID: approval.ID, Response: resp})
	}

	text, execErr := o.ExecuteApproved(ctx, run.ID, approval.ID, cmd.Extra)
	res := &HandleResult{Kind: CommandApprove, RunID: run.ID, RequestID: approval.ID, Response: text}
	if execErr != nil && text == "" {
		res.Response = "Run " + run.ID + " failed."
	}
	return o.reply(ctx, sender, res)
}

func (o *Orchestrator) handleDeny(ctx context.Context, sender string, cmd Command) (*HandleResult, error) {
	approval, err := o.approvals.FindByID(ctx, nil, cmd.RequestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return o.reply(ctx, sender, &HandleResult{Kind: CommandDeny, Response: fmt.Sprintf("Unknown request %q.", cmd.RequestID)})
		}
		return nil, err
	}
	if approval.Sender != sender {
		return o.reply(ctx, sender, &HandleResult{Kind: CommandDeny, RequestID: approval.ID, Response: "Only the original requester can deny this request."})
	}
	won, err := o.approvals.Resolve(ctx, nil, approval.ID, model.ApprovalStatusDenied)
	if err != nil {
		return nil, err
	}
	if !won {
		return o.reply(ctx, sender, &HandleResult{Kind: CommandDeny, RequestID: approval.ID, Response: "That request was already resolved."})
	}
	o.appendEvent(ctx, approval.RunID, "approval", model.EventApprovalResolved, map[string]any{"request_id": approval.ID, "status": "denied"})
	o.cancelRunFollowUps(ctx, sender, approval.RunID)
	// The run stays non-terminal; the sender may resubmit.
	resp := fmt.Sprintf("Denied request %s. The run was not executed; submit a new task to try again.", approval.ID)
	return o.reply(ctx, sender, &HandleResult{Kind: CommandDeny, RunID: approval.RunID, RequestID: approval.ID, Response: resp})
}

func (o *Orchestrator) handleStatus(ctx context.Context, sender string, cmd Command) (*HandleResult, error) {
	if cmd.Payload != "" {
		return o.statusForID(ctx, sender, cmd.Payload)
	}

	var b strings.Builder
	pending, err := o.approvals.ListPending(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		b.WriteString("Pending approvals:\n")
		for _, a := range pending {
			fmt.Fprintf(&b, "- %s (run %s): %s\n", a.ID, a.RunID, truncate(a.CommandPreview, 80))
		}
	}
	active, err := o.runs.ListActive(ctx, nil, sender)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		b.WriteString("Active runs:\n")
		for _, r := range active {
			fmt.Fprintf(&b, "- %s [%s]: %s\n", r.ID, r.State, truncate(r.Intent, 80))
		}
	}
	if b.Len() == 0 {
		b.WriteString("Nothing pending and no active runs.")
	}
	return o.reply(ctx, sender, &HandleResult{Kind: CommandStatus, Response: strings.TrimSpace(b.String())})
}

func (o *Orchestrator) statusForID(ctx context.Context, sender, id string) (*HandleResult, error) {
	runID := id
	if a, err := o.approvals.FindByID(ctx, nil, id); err == nil {
		runID = a.RunID
	}
	run, err := o.runs.FindByID(ctx, nil, runID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return o.reply(ctx, sender, &HandleResult{Kind: CommandStatus, Response: fmt.Sprintf("No run or request found for %q.", id)})
		}
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s [%s]\nIntent: %s\nWorkspace: %s\n", run.ID, run.State, truncate(run.Intent, 120), run.WorkDir)
	if pending, err := o.approvals.ListPendingByRun(ctx, nil, run.ID); err == nil && len(pending) > 0 {
		fmt.Fprintf(&b, "Awaiting approval %s (expires %s)\n", pending[0].ID, pending[0].ExpiresAt.Format(time.RFC822))
	}
	if events, err := o.events.ListByRun(ctx, nil, run.ID, 0); err == nil && len(events) > 0 {
		b.WriteString("Timeline:\n")
		start := 0
		if len(events) > 8 {
			start = len(events) - 8
		}
		for _, e := range events[start:] {
			fmt.Fprintf(&b, "- %s %s\n", e.CreatedAt.Format("15:04:05"), e.Type)
		}
	}
	return o.reply(ctx, sender, &HandleResult{Kind: CommandStatus, RunID: run.ID, Response: strings.TrimSpace(b.String())})
}

func (o *Orchestrator) handleHistory(ctx context.Context, sender string, cmd Command) (*HandleResult, error) {
	msgs, err := o.messages.Search(ctx, nil, sender, cmd.Payload, 20)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return o.reply(ctx, sender, &HandleResult{Kind: CommandHistory, Response: "No matching messages."})
	}
	var b strings.Builder
	b.WriteString("Recent messages:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "- %s %s\n", m.ReceivedAt.Format("Jan 02 15:04"), truncate(m.Text, 100))
	}
	return o.reply(ctx, sender, &HandleResult{Kind: CommandHistory, Response: strings.TrimSpace(b.String())})
}

func (o *Orchestrator) handleLogs(ctx context.Context, sender string, cmd Command) (*HandleResult, error) {
	n := cmd.LogLines
	if n <= 0 {
		n = 50
	}
	events, err := o.events.ListRecent(ctx, nil, n)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return o.reply(ctx, sender, &HandleResult{Kind: CommandLogs, Response: "No events recorded yet."})
	}
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%s run=%s %s\n", e.CreatedAt.Format("Jan 02 15:04:05"), e.RunID, e.Type)
	}
	return o.reply(ctx, sender, &HandleResult{Kind: CommandLogs, Response: strings.TrimSpace(b.String())})
}

func (o *Orchestrator) handleUsage(ctx context.Context, sender string, cmd Command) (*HandleResult, error) {
	if o.state == nil {
		return o.reply(ctx, sender, &HandleResult{Kind: CommandUsage, Response: "Usage tracking is not available."})
	}
	now := time.Now()
	var key, label string
	switch cmd.Payload {
	case "monthly":
		key, label = usageKeyMonth(now), "this month"
	case "blocks":
		key, label = usageKeyBlock(now), "this 5-hour block"
	default:
		key, label = usageKeyDay(now), "today"
	}
	v, err := o.state.GetState(ctx, nil, key)
	if err != nil || v == "" {
		v = "0"
	}
	return o.reply(ctx, sender, &HandleResult{Kind: CommandUsage, Response: fmt.Sprintf("%s agent turns %s.", v, label)})
}

func (o *Orchestrator) handleSystem(ctx context.Context, sender string, cmd Command) (*HandleResult, error) {
	fields := strings.Fields(strings.ToLower(cmd.Payload))
	if len(fields) == 0 {
		return o.reply(ctx, sender, &HandleResult{Kind: CommandSystem, Response: systemHelp})
	}
	switch fields[0] {
	case "stop":
		// Acknowledge before tearing the process down, or the reply races
		// the shutdown.
		res, err := o.reply(ctx, sender, &HandleResult{Kind: CommandSystem, Response: "Stopping."})
		if o.shutdown != nil {
			o.shutdown(false)
		}
		return res, err
	case "restart", "kill":
		res, err := o.reply(ctx, sender, &HandleResult{Kind: CommandSystem, Response: "Restarting."})
		if o.shutdown != nil {
			o.shutdown(true)
		}
		return res, err
	case "team":
		if len(fields) > 1 {
			o.cfg.TeamContext = strings.TrimSpace(cmd.Payload[len(fields[0]):])
			return o.reply(ctx, sender, &HandleResult{Kind: CommandSystem, Response: "Team context updated."})
		}
		return o.reply(ctx, sender, &HandleResult{Kind: CommandSystem, Response: "Team context: " + orDefault(o.cfg.TeamContext, "(none)")})
	}
	return o.reply(ctx, sender, &HandleResult{Kind: CommandSystem, Response: systemHelp})
}

const systemHelp = "System commands: `system: stop`, `system: restart`, `system: team <name>`."

func (o *Orchestrator) handleClear(ctx context.Context, sender string) (*HandleResult, error) {
	threadID, err := o.connector.ResetThread(ctx, sender)
	if err != nil {
		o.log.Error().Err(err).Str("sender", sender).Msg("reset thread failed")
		return o.reply(ctx, sender, &HandleResult{Kind: CommandClear, Response: "Could not reset the conversation. Please try again."})
	}
	s := model.NewSession(sender, threadID)
	if err := o.sessions.Upsert(ctx, nil, s); err != nil {
		return nil, err
	}
	if o.threadCtx != nil {
		if err := o.threadCtx.Clear(ctx, sender); err != nil {
			o.log.Warn().Err(err).Str("sender", sender).Msg("thread context cache clear failed")
		}
	}
	return o.reply(ctx, sender, &HandleResult{Kind: CommandClear, Response: "Context cleared. Starting fresh."})
}

func (o *Orchestrator) appendEvent(ctx context.Context, runID, step string, typ model.EventType, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	e := &model.Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Step:      step,
		Type:      typ,
		Payload:   raw,
		CreatedAt: time.Now(),
	}
	if err := o.events.Append(ctx, nil, e); err != nil {
		o.log.Error().Err(err).Str("run_id", runID).Str("type", string(typ)).Msg("event append failed")
	}
}

// countUsage bumps the per-day / per-month / per-block turn counters kept in
// app state. Best effort.
func (o *Orchestrator) countUsage(ctx context.Context) {
	if o.state == nil {
		return
	}
	now := time.Now()
	for _, key := range []string{usageKeyDay(now), usageKeyMonth(now), usageKeyBlock(now)} {
		n := 0
		if v, err := o.state.GetState(ctx, nil, key); err == nil && v != "" {
			fmt.Sscanf(v, "%d", &n)
		}
		_ = o.state.SetState(ctx, nil, key, fmt.Sprintf("%d", n+1))
	}
}

func usageKeyDay(t time.Time) string   { return "usage:day:" + t.Format("2006-01-02") }
func usageKeyMonth(t time.Time) string { return "usage:month:" + t.Format("2006-01") }
func usageKeyBlock(t time.Time) string {
	return fmt.Sprintf("usage:block:%s-%02d", t.Format("2006-01-02"), t.Hour()/5)
}

// truncate caps s at n bytes, cutting on a rune boundary so the result is
// always valid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
