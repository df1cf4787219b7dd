package usecase

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/domain"
	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/adapter"
	"personal-agent-gateway/internal/domain/ports/repository"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// =============================
// In-memory repositories
// =============================

type memMessageRepo struct {
	mu   sync.Mutex
	byID map[string]*model.Message

	RecordErr error
}

var _ repository.MessageRepository = (*memMessageRepo)(nil)

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{byID: make(map[string]*model.Message)}
}

func (m *memMessageRepo) Record(ctx context.Context, tx repository.Tx, msg *model.Message) (bool, error) {
	if m.RecordErr != nil {
		return false, m.RecordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[msg.ID]; ok {
		return false, nil
	}
	cp := *msg
	m.byID[msg.ID] = &cp
	return true, nil
}

func (m *memMessageRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *memMessageRepo) Search(ctx context.Context, tx repository.Tx, sender, query string, limit int) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Message
	for _, msg := range m.byID {
		if msg.Sender != sender {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(msg.Text), strings.ToLower(query)) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memSessionRepo struct {
	mu       sync.Mutex
	bySender map[string]*model.Session
}

var _ repository.SessionRepository = (*memSessionRepo)(nil)

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{bySender: make(map[string]*model.Session)}
}

func (m *memSessionRepo) Upsert(ctx context.Context, tx repository.Tx, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.bySender[s.Sender] = &cp
	return nil
}

func (m *memSessionRepo) FindBySender(ctx context.Context, tx repository.Tx, sender string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.bySender[sender]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionRepo) List(ctx context.Context, tx repository.Tx) ([]*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Session, 0, len(m.bySender))
	for _, s := range m.bySender {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

type memRunRepo struct {
	mu   sync.Mutex
	byID map[string]*model.Run

	UpdateStateErr error
}

var _ repository.RunRepository = (*memRunRepo)(nil)

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{byID: make(map[string]*model.Run)}
}

func (m *memRunRepo) Save(ctx context.Context, tx repository.Tx, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.byID[run.ID] = &cp
	return nil
}

func (m *memRunRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *memRunRepo) UpdateState(ctx context.Context, tx repository.Tx, id string, state model.RunState) error {
	if m.UpdateStateErr != nil {
		return m.UpdateStateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	run.State = state
	run.UpdatedAt = time.Now()
	return nil
}

func (m *memRunRepo) ListActive(ctx context.Context, tx repository.Tx, sender string) ([]*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Run
	for _, run := range m.byID {
		if run.IsTerminal() {
			continue
		}
		if sender != "" && run.Sender != sender {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memRunRepo) state(id string) model.RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.byID[id]; ok {
		return run.State
	}
	return ""
}

type memApprovalRepo struct {
	mu   sync.Mutex
	byID map[string]*model.Approval
}

var _ repository.ApprovalRepository = (*memApprovalRepo)(nil)

func newMemApprovalRepo() *memApprovalRepo {
	return &memApprovalRepo{byID: make(map[string]*model.Approval)}
}

func (m *memApprovalRepo) Save(ctx context.Context, tx repository.Tx, a *model.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

func (m *memApprovalRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memApprovalRepo) Resolve(ctx context.Context, tx repository.Tx, id string, status model.ApprovalStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if a.Status != model.ApprovalStatusPending {
		return false, nil
	}
	now := time.Now()
	a.Status = status
	a.ResolvedAt = &now
	return true, nil
}

func (m *memApprovalRepo) ListPending(ctx context.Context, tx repository.Tx) ([]*model.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Approval
	for _, a := range m.byID {
		if a.IsPending() {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memApprovalRepo) ListPendingByRun(ctx context.Context, tx repository.Tx, runID string) ([]*model.Approval, error) {
	all, _ := m.ListPending(ctx, tx)
	var out []*model.Approval
	for _, a := range all {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memApprovalRepo) ExpirePendingByRun(ctx context.Context, tx repository.Tx, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.byID {
		if a.RunID == runID && a.IsPending() {
			a.Status = model.ApprovalStatusExpired
			n++
		}
	}
	return n, nil
}

type memEventRepo struct {
	mu     sync.Mutex
	events []*model.Event
}

var _ repository.EventRepository = (*memEventRepo)(nil)

func newMemEventRepo() *memEventRepo { return &memEventRepo{} }

func (m *memEventRepo) Append(ctx context.Context, tx repository.Tx, e *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *memEventRepo) ListByRun(ctx context.Context, tx repository.Tx, runID string, limit int) ([]*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Event
	for _, e := range m.events {
		if e.RunID == runID {
			cp := *e
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memEventRepo) ListRecent(ctx context.Context, tx repository.Tx, limit int) ([]*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Event, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *m.events[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memEventRepo) countByType(runID string, typ model.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.RunID == runID && e.Type == typ {
			n++
		}
	}
	return n
}

type memJobRepo struct {
	mu   sync.Mutex
	byID map[string]*model.RunJob
}

var _ repository.RunJobRepository = (*memJobRepo)(nil)

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{byID: make(map[string]*model.RunJob)}
}

func (m *memJobRepo) Enqueue(ctx context.Context, tx repository.Tx, job *model.RunJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.byID[job.ID] = &cp
	return nil
}

func (m *memJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.RunJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memJobRepo) Claim(ctx context.Context, workerID string, leaseFor time.Duration) (*model.RunJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *model.RunJob
	for _, job := range m.byID {
		if job.Status != model.RunJobStatusQueued {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, domain.ErrNotFound
	}
	exp := time.Now().Add(leaseFor)
	oldest.Status = model.RunJobStatusLeased
	oldest.LeaseOwner = workerID
	oldest.LeaseExpiresAt = &exp
	oldest.Attempt++
	cp := *oldest
	return &cp, nil
}

func (m *memJobRepo) Renew(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.byID[jobID]
	if !ok || job.Status != model.RunJobStatusLeased || job.LeaseOwner != workerID {
		return domain.ErrLeaseLost
	}
	exp := time.Now().Add(leaseFor)
	job.LeaseExpiresAt = &exp
	return nil
}

func (m *memJobRepo) Complete(ctx context.Context, jobID, workerID string) error {
	return m.finish(jobID, workerID, model.RunJobStatusCompleted, "")
}

func (m *memJobRepo) Fail(ctx context.Context, jobID, workerID, lastError string) error {
	return m.finish(jobID, workerID, model.RunJobStatusFailed, lastError)
}

func (m *memJobRepo) finish(jobID, workerID string, status model.RunJobStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.byID[jobID]
	if !ok || job.Status != model.RunJobStatusLeased || job.LeaseOwner != workerID {
		return domain.ErrLeaseLost
	}
	job.Status = status
	job.LastError = lastError
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	return nil
}

func (m *memJobRepo) RequeueExpired(ctx context.Context) ([]*model.RunJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []*model.RunJob
	for _, job := range m.byID {
		if job.LeaseExpired(now) {
			job.Status = model.RunJobStatusQueued
			job.LeaseOwner = ""
			job.LeaseExpiresAt = nil
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memStateRepo struct {
	mu   sync.Mutex
	data map[string]string
}

var _ repository.StateRepository = (*memStateRepo)(nil)

func newMemStateRepo() *memStateRepo {
	return &memStateRepo{data: make(map[string]string)}
}

func (m *memStateRepo) GetState(ctx context.Context, tx repository.Tx, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memStateRepo) SetState(ctx context.Context, tx repository.Tx, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

type memActionRepo struct {
	mu   sync.Mutex
	byID map[string]*model.ScheduledAction

	MarkFiredErr error
}

var _ repository.ScheduledActionRepository = (*memActionRepo)(nil)

func newMemActionRepo() *memActionRepo {
	return &memActionRepo{byID: make(map[string]*model.ScheduledAction)}
}

func (m *memActionRepo) Save(ctx context.Context, tx repository.Tx, a *model.ScheduledAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

func (m *memActionRepo) Due(ctx context.Context, tx repository.Tx) ([]*model.ScheduledAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []*model.ScheduledAction
	for _, a := range m.byID {
		if !a.Fired && !a.FireAt.After(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (m *memActionRepo) MarkFired(ctx context.Context, tx repository.Tx, id string) error {
	if m.MarkFiredErr != nil {
		return m.MarkFiredErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byID[id]; ok {
		a.Fired = true
	}
	return nil
}

// makeDue backdates every stored action so the next Due pass picks it up.
func (m *memActionRepo) makeDue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		a.FireAt = time.Now().Add(-time.Minute)
	}
}

func (m *memActionRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}

func (m *memActionRepo) ListPending(ctx context.Context, tx repository.Tx, sender string) ([]*model.ScheduledAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ScheduledAction
	for _, a := range m.byID {
		if a.Fired {
			continue
		}
		if sender != "" && a.Sender != sender {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

// ---- Mock TransactionManager ----

type MockTxManager struct {
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

// WithTx runs the callback immediately with a nil tx. The in-memory repos
// ignore the handle, so transactional tests exercise ordering, not isolation.
func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	return fn(ctx, nil)
}

// =============================
// Fake adapters
// =============================

// scriptedTurn is one queued connector response.
type scriptedTurn struct {
	res adapter.TurnResult
	err error
}

type fakeConnector struct {
	mu      sync.Mutex
	turns   []scriptedTurn
	prompts []string
	threads map[string]string
	resetN  int
}

var _ adapter.Connector = (*fakeConnector)(nil)

func newFakeConnector() *fakeConnector {
	return &fakeConnector{threads: make(map[string]string)}
}

// queue appends a scripted response; once the script is exhausted every turn
// echoes "ok".
func (f *fakeConnector) queue(text string, timedOut bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, scriptedTurn{res: adapter.TurnResult{Text: text, TimedOut: timedOut}, err: err})
}

func (f *fakeConnector) EnsureStarted(ctx context.Context) error { return nil }

func (f *fakeConnector) GetOrCreateThread(ctx context.Context, sender string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.threads[sender]; ok {
		return id, nil
	}
	id := "thread-" + sender
	f.threads[sender] = id
	return id, nil
}

func (f *fakeConnector) ResetThread(ctx context.Context, sender string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetN++
	id := "thread-" + sender + "-reset"
	f.threads[sender] = id
	return id, nil
}

func (f *fakeConnector) RunTurn(ctx context.Context, threadID, prompt string) (adapter.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if len(f.turns) == 0 {
		return adapter.TurnResult{Text: "ok"}, nil
	}
	t := f.turns[0]
	f.turns = f.turns[1:]
	return t.res, t.err
}

func (f *fakeConnector) Shutdown(ctx context.Context) error { return nil }

func (f *fakeConnector) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type sentMessage struct {
	Recipient string
	Text      string
}

type fakeEgress struct {
	mu     sync.Mutex
	sent   []sentMessage
	recent map[string]struct{}

	SendErr error
}

var _ adapter.Egress = (*fakeEgress)(nil)

func newFakeEgress() *fakeEgress {
	return &fakeEgress{recent: make(map[string]struct{})}
}

func (f *fakeEgress) Send(ctx context.Context, recipient, text string) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Recipient: recipient, Text: text})
	return nil
}

func (f *fakeEgress) WasRecentOutbound(ctx context.Context, sender, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.recent[sender+"\x00"+text]
	return ok
}

func (f *fakeEgress) MarkOutbound(ctx context.Context, recipient, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent[recipient+"\x00"+text] = struct{}{}
}

func (f *fakeEgress) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].Text
}

func (f *fakeEgress) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeAttachmentEgress extends the plain egress with document delivery,
// recording the contents of each file it was asked to send.
type fakeAttachmentEgress struct {
	*fakeEgress
	amu         sync.Mutex
	attachments []string

	AttachErr error
}

var _ adapter.AttachmentEgress = (*fakeAttachmentEgress)(nil)

func newFakeAttachmentEgress() *fakeAttachmentEgress {
	return &fakeAttachmentEgress{fakeEgress: newFakeEgress()}
}

func (f *fakeAttachmentEgress) SendAttachment(ctx context.Context, recipient, path string) error {
	if f.AttachErr != nil {
		return f.AttachErr
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.amu.Lock()
	defer f.amu.Unlock()
	f.attachments = append(f.attachments, string(b))
	return nil
}

type fakeThreadCache struct {
	mu      sync.Mutex
	windows map[string]string
	cleared []string

	GetErr error
	PutErr error
}

var _ ThreadContextCache = (*fakeThreadCache)(nil)

func newFakeThreadCache() *fakeThreadCache {
	return &fakeThreadCache{windows: make(map[string]string)}
}

func (f *fakeThreadCache) Get(ctx context.Context, sender string) (string, error) {
	if f.GetErr != nil {
		return "", f.GetErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windows[sender], nil
}

func (f *fakeThreadCache) Put(ctx context.Context, sender, window string) error {
	if f.PutErr != nil {
		return f.PutErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows[sender] = window
	return nil
}

func (f *fakeThreadCache) Clear(ctx context.Context, sender string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.windows, sender)
	f.cleared = append(f.cleared, sender)
	return nil
}

func (f *fakeThreadCache) window(sender string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windows[sender]
}

// =============================
// Harness
// =============================

// orchHarness bundles an orchestrator with every fake it was wired from.
type orchHarness struct {
	orch      *Orchestrator
	messages  *memMessageRepo
	sessions  *memSessionRepo
	runs      *memRunRepo
	approvals *memApprovalRepo
	events    *memEventRepo
	jobs      *memJobRepo
	state     *memStateRepo
	connector *fakeConnector
	egress    *fakeEgress
	threadCtx *fakeThreadCache
	actions   *memActionRepo
	followUps FollowUpUseCase
}

func newHarness(cfg OrchestratorConfig, withJobs bool) *orchHarness {
	h := &orchHarness{
		messages:  newMemMessageRepo(),
		sessions:  newMemSessionRepo(),
		runs:      newMemRunRepo(),
		approvals: newMemApprovalRepo(),
		events:    newMemEventRepo(),
		jobs:      newMemJobRepo(),
		state:     newMemStateRepo(),
		connector: newFakeConnector(),
		egress:    newFakeEgress(),
		threadCtx: newFakeThreadCache(),
		actions:   newMemActionRepo(),
	}
	h.followUps = NewFollowUpUseCase(h.actions, h.egress, testLogger())
	if cfg.DefaultWorkspace == "" {
		cfg.DefaultWorkspace = "/work/default"
	}
	deps := OrchestratorDeps{
		Messages:  h.messages,
		Sessions:  h.sessions,
		Runs:      h.runs,
		Approvals: h.approvals,
		Events:    h.events,
		State:     h.state,
		TM:        &MockTxManager{},
		Connector: h.connector,
		Egress:    h.egress,
		Policy:    NewPolicyEngine(nil, []string{"/work"}, 0),
		ThreadCtx: h.threadCtx,
		FollowUps: h.followUps,
	}
	if withJobs {
		deps.Jobs = h.jobs
	}
	h.orch = NewOrchestrator(deps, cfg, testLogger())
	return h
}

func inbound(id, sender, text string) *model.Message {
	return model.NewMessage(id, sender, text, model.ChannelChat, time.Now())
}

var errBoom = errors.New("boom")
