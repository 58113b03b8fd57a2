// Package app is the service facade over sessions, the runner, tool
// executions and persistence. Transports talk to this package only.
package app

import (
	"context"
	"sync"
	"time"

	"ivory/internal/abort"
	"ivory/internal/agent/domain"
	"ivory/internal/agent/ports"
	"ivory/internal/environment"
	"ivory/internal/eventbus"
	"ivory/internal/preview"
	"ivory/internal/session"
	"ivory/internal/shared/async"
	ierrors "ivory/internal/shared/errors"
	"ivory/internal/shared/logging"
	"ivory/internal/shared/token"
	"ivory/internal/storage/filestore"
	"ivory/internal/toolexec"
	"ivory/internal/toolregistry"
	"ivory/internal/tools/builtin"
)

// Options configures the service.
type Options struct {
	DefaultAdapterKind environment.Kind
	WorkingRoot        string
	ContainerImage     string
	ContainerName      string
	SandboxBaseURL     string

	PermissionMode string
	PreApproved    []string
	MaxIterations  int
	SystemPrompt   string

	Sessions session.Config
}

// History is a transcript snapshot with derived stats.
type History struct {
	SessionID     string                    `json:"sessionId"`
	AgentState    domain.AgentState         `json:"agentState"`
	Entries       []ports.ConversationEntry `json:"entries"`
	TokenEstimate int                       `json:"tokenEstimate"`
	Executions    []ToolDescriptor          `json:"executions,omitempty"`
}

// Service wires the core components together and is the only entry point
// transports use.
type Service struct {
	opts       Options
	bus        *eventbus.Bus
	logger     logging.Logger
	clock      ports.Clock
	sessions   *session.Manager
	registry   *toolregistry.Registry
	executions *toolexec.Manager
	previews   *preview.Manager
	prevSvc    *preview.Service
	aborts     *abort.Registry
	store      *filestore.Store
	runner     *domain.Runner

	adapterMu sync.Mutex
	adapters  map[string]environment.Adapter
	unsubs    map[string]func()

	resolverMu sync.Mutex
	resolvers  map[string]chan bool

	execUnsub      func()
	registryUnsubs []func()
}

// NewService assembles the full stack. The store may be nil for ephemeral
// setups; persistence then silently degrades to in-memory only.
func NewService(model ports.ModelClient, store *filestore.Store, bus *eventbus.Bus, logger logging.Logger, opts Options) (*Service, error) {
	logger = logging.OrNop(logger)
	if opts.DefaultAdapterKind == "" {
		opts.DefaultAdapterKind = environment.KindLocal
	}
	if bus == nil {
		bus = eventbus.New(logger)
	}

	registry := toolregistry.New(logger)
	if err := builtin.RegisterAll(registry); err != nil {
		return nil, err
	}

	var execStore toolexec.Store
	var prevStore preview.Store
	if store != nil {
		execStore = store
		prevStore = store
	}
	executions := toolexec.NewManager(execStore, logger)
	previews := preview.NewManager(prevStore, logger)
	prevSvc := preview.NewService(previews)
	aborts := abort.NewRegistry()

	sessions, err := session.NewManager(opts.Sessions, bus, logger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		opts:       opts,
		bus:        bus,
		logger:     logger,
		clock:      ports.SystemClock{},
		sessions:   sessions,
		registry:   registry,
		executions: executions,
		previews:   previews,
		prevSvc:    prevSvc,
		aborts:     aborts,
		store:      store,
		adapters:   make(map[string]environment.Adapter),
		unsubs:     make(map[string]func()),
		resolvers:  make(map[string]chan bool),
	}

	preApproved := make(map[string]bool, len(opts.PreApproved))
	for _, id := range opts.PreApproved {
		preApproved[id] = true
	}
	s.runner = domain.NewRunner(model, registry, executions, aborts, prevSvc, s, logger, domain.Config{
		MaxIterations:  opts.MaxIterations,
		PermissionMode: opts.PermissionMode,
		PreApproved:    preApproved,
		SystemPrompt:   opts.SystemPrompt,
	})
	s.runner.Persist = s.persist
	s.runner.ToolContext = s.toolContext

	sessions.IsProcessing = s.runner.IsProcessing
	sessions.OnRemove = s.onSessionRemoved
	s.execUnsub = executions.Subscribe(s.reemit)

	// Registry lifecycle callbacks feed the diagnostic log; the bus carries
	// the transport-facing events via the execution manager instead.
	s.registryUnsubs = []func(){
		registry.OnStart(func(e toolregistry.ExecutionStart) {
			logger.Debug("[tool] %s start session=%s call=%s %s", e.ToolID, e.SessionID, e.CallID, e.Summary)
		}),
		registry.OnComplete(func(e toolregistry.ExecutionComplete) {
			logger.Debug("[tool] %s done session=%s call=%s in %dms", e.ToolID, e.SessionID, e.CallID, e.DurationMS)
		}),
		registry.OnError(func(e toolregistry.ExecutionError) {
			logger.Debug("[tool] %s failed session=%s call=%s: %v", e.ToolID, e.SessionID, e.CallID, e.Err)
		}),
	}

	return s, nil
}

// Bus exposes the event bus for transports.
func (s *Service) Bus() *eventbus.Bus { return s.bus }

// Registry exposes the tool catalogue.
func (s *Service) Registry() *toolregistry.Registry { return s.registry }

// SetClock overrides the time source for tests.
func (s *Service) SetClock(clock ports.Clock) {
	s.clock = clock
	s.runner.SetClock(clock)
	s.sessions.SetClock(clock)
}

// Close stops background work and releases adapters.
func (s *Service) Close() {
	s.sessions.Stop()
	if s.execUnsub != nil {
		s.execUnsub()
	}
	for _, unsub := range s.registryUnsubs {
		unsub()
	}
	s.registryUnsubs = nil
	s.adapterMu.Lock()
	defer s.adapterMu.Unlock()
	for id, unsub := range s.unsubs {
		unsub()
		delete(s.unsubs, id)
	}
	for id, adapter := range s.adapters {
		if err := adapter.Close(); err != nil {
			s.logger.Warn("close adapter for %s: %v", id, err)
		}
		delete(s.adapters, id)
	}
}

// StartSession creates a session and kicks off adapter construction in the
// background; it returns before the environment is ready.
func (s *Service) StartSession(name string, kind environment.Kind, sandboxID string) (*session.Session, error) {
	if kind == "" {
		kind = s.opts.DefaultAdapterKind
	}
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	sess := s.sessions.Create(name)
	sess.BindAdapter(kind, sandboxID)
	s.startAdapter(sess.ID, kind, sandboxID)

	if s.store != nil {
		s.executions.LoadSessionData(sess.ID)
		s.previews.LoadSessionData(sess.ID)
	}
	return sess, nil
}

// startAdapter builds the backend off the request path. Status transitions
// reach clients through the bus.
func (s *Service) startAdapter(sessionID string, kind environment.Kind, sandboxID string) {
	async.Go(s.logger, "adapter-init:"+sessionID, func() {
		adapter, err := environment.New(kind, environment.Config{
			WorkingRoot:    s.opts.WorkingRoot,
			ContainerImage: s.opts.ContainerImage,
			ContainerName:  s.opts.ContainerName,
			SandboxBaseURL: s.opts.SandboxBaseURL,
			SandboxID:      sandboxID,
			Logger:         s.logger,
		})
		if err != nil {
			s.logger.Error("adapter %s for session %s failed: %v", kind, sessionID, err)
			s.bus.Emit(TopicEnvironmentStatus, EnvironmentStatusPayload{
				SessionID: sessionID,
				Status: environment.StatusEvent{
					EnvironmentType: kind,
					Status:          environment.StatusError,
					Error:           err.Error(),
					Timestamp:       s.clock.Now(),
				},
			})
			return
		}

		unsub := adapter.OnStatusChange(func(event environment.StatusEvent) {
			s.bus.Emit(TopicEnvironmentStatus, EnvironmentStatusPayload{SessionID: sessionID, Status: event})
		})
		// Replay the current status for subscribers that missed startup.
		s.bus.Emit(TopicEnvironmentStatus, EnvironmentStatusPayload{SessionID: sessionID, Status: adapter.Status()})

		s.adapterMu.Lock()
		if old, ok := s.adapters[sessionID]; ok {
			if oldUnsub, ok := s.unsubs[sessionID]; ok {
				oldUnsub()
			}
			old.Close()
		}
		s.adapters[sessionID] = adapter
		s.unsubs[sessionID] = unsub
		s.adapterMu.Unlock()
	})
}

// SetAdapterKind rebinds the session to another backend. The swap happens in
// the background like initial construction.
func (s *Service) SetAdapterKind(sessionID string, kind environment.Kind, sandboxID string) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	sess.BindAdapter(kind, sandboxID)
	s.startAdapter(sessionID, kind, sandboxID)
	return nil
}

// adapterFor returns the session's backend, lazily creating the local one so
// tools always have something to run against.
func (s *Service) adapterFor(sessionID string) environment.Adapter {
	s.adapterMu.Lock()
	defer s.adapterMu.Unlock()
	if adapter, ok := s.adapters[sessionID]; ok {
		return adapter
	}
	adapter := environment.NewLocalAdapter(environment.Config{
		WorkingRoot: s.opts.WorkingRoot,
		Logger:      s.logger,
	})
	s.adapters[sessionID] = adapter
	return adapter
}

func (s *Service) toolContext(sessionID string, abortSignal <-chan struct{}) ports.ToolContext {
	return ports.ToolContext{
		SessionID:   sessionID,
		Adapter:     s.adapterFor(sessionID),
		Logger:      s.logger,
		AbortSignal: abortSignal,
	}
}

// ProcessQuery runs one turn and brackets it with processing lifecycle
// events.
func (s *Service) ProcessQuery(ctx context.Context, sessionID, query string) (*domain.TurnResult, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Touch(s.clock.Now())

	s.bus.Emit(TopicProcessingStarted, ProcessingPayload{SessionID: sessionID, Timestamp: s.clock.Now()})

	result, err := s.runner.ProcessQuery(ctx, domain.TurnRequest{
		SessionID: sessionID,
		Query:     query,
		State:     sess.State,
		FastEdit:  sess.FastEdit(),
	})
	switch {
	case err != nil:
		s.bus.Emit(TopicProcessingError, ProcessingPayload{
			SessionID: sessionID, Error: err.Error(), Timestamp: s.clock.Now(),
		})
		return nil, err
	case result.Aborted:
		s.bus.Emit(TopicProcessingAborted, ProcessingPayload{
			SessionID: sessionID, Aborted: true, Timestamp: s.clock.Now(),
		})
	default:
		s.bus.Emit(TopicProcessingCompleted, ProcessingPayload{
			SessionID: sessionID, Response: result.Response, Timestamp: s.clock.Now(),
		})
	}
	sess.Touch(s.clock.Now())
	return result, nil
}

// WaitForPermission parks the runner until the prompt is answered or the
// turn aborts. It implements domain.PermissionWaiter.
func (s *Service) WaitForPermission(ctx context.Context, req *toolexec.PermissionRequest, abortSignal <-chan struct{}) (bool, error) {
	ch := make(chan bool, 1)
	s.resolverMu.Lock()
	s.resolvers[req.ID] = ch
	s.resolverMu.Unlock()
	defer func() {
		s.resolverMu.Lock()
		delete(s.resolvers, req.ID)
		s.resolverMu.Unlock()
	}()

	// The prompt event went out before this resolver existed; an answer may
	// already have landed in C5.
	if current, ok := s.executions.PermissionForExecution(req.ExecutionID); ok && current.ID == req.ID && current.Resolved() {
		return *current.Granted, nil
	}

	select {
	case granted := <-ch:
		return granted, nil
	case <-abortSignal:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ResolvePermission answers a pending prompt by permission id.
func (s *Service) ResolvePermission(permissionID string, granted bool) error {
	if err := s.executions.ResolvePermission(permissionID, granted); err != nil {
		return err
	}
	s.wakeResolver(permissionID, granted)
	return nil
}

// ResolveByExecutionID answers the pending prompt attached to an execution.
func (s *Service) ResolveByExecutionID(executionID string, granted bool) error {
	req, ok := s.executions.PermissionForExecution(executionID)
	if !ok {
		return ierrors.New(ierrors.KindToolExecution, "no permission request for execution %s", executionID)
	}
	return s.ResolvePermission(req.ID, granted)
}

func (s *Service) wakeResolver(permissionID string, granted bool) {
	s.resolverMu.Lock()
	ch, ok := s.resolvers[permissionID]
	s.resolverMu.Unlock()
	if ok {
		select {
		case ch <- granted:
		default:
		}
	}
}

// AbortOperation unwinds the session's in-flight turn.
func (s *Service) AbortOperation(sessionID string) (time.Time, error) {
	if _, err := s.sessions.Peek(sessionID); err != nil {
		return time.Time{}, err
	}
	at := s.aborts.MarkAborted(sessionID)

	// Active executions flip to aborted here; the runner discards their
	// late results.
	for _, exec := range s.executions.ActiveForSession(sessionID) {
		if err := s.executions.Abort(exec.ID); err != nil {
			s.logger.Warn("abort execution %s: %v", exec.ID, err)
		}
	}

	s.bus.Emit(TopicProcessingAborted, ProcessingPayload{
		SessionID: sessionID, Aborted: true, AbortTimestamp: at, Timestamp: s.clock.Now(),
	})
	return at, nil
}

// ToggleFastEditMode flips the prompt-skipping flag and returns the new
// value.
func (s *Service) ToggleFastEditMode(sessionID string) (bool, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return false, err
	}
	enabled := !sess.FastEdit()
	if sess.SetFastEdit(enabled) {
		topic := TopicFastEditDisabled
		if enabled {
			topic = TopicFastEditEnabled
		}
		s.bus.Emit(topic, FastEditPayload{SessionID: sessionID, Enabled: enabled, Timestamp: s.clock.Now()})
	}
	return enabled, nil
}

// IsProcessing reports whether the session has a turn in flight.
func (s *Service) IsProcessing(sessionID string) bool {
	return s.runner.IsProcessing(sessionID)
}

// GetHistory returns the transcript with an approximate token footprint.
func (s *Service) GetHistory(sessionID string) (*History, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	entries := sess.State.Entries()
	total := 0
	for _, entry := range entries {
		for _, part := range entry.Parts {
			total += token.Estimate(part.Text) + token.Estimate(part.Content)
		}
	}
	history := &History{
		SessionID:     sessionID,
		AgentState:    sess.State.AgentState(),
		Entries:       entries,
		TokenEstimate: total,
	}
	for _, exec := range s.executions.ExecutionsForSession(sessionID) {
		history.Executions = append(history.Executions, describeExecution(exec))
	}
	return history, nil
}

// Session returns the resident session.
func (s *Service) Session(sessionID string) (*session.Session, error) {
	return s.sessions.Get(sessionID)
}

// Sessions returns resident sessions, least recently used first.
func (s *Service) Sessions() []*session.Session {
	return s.sessions.All()
}

// ExecutionsForSession exposes execution records for transports.
func (s *Service) ExecutionsForSession(sessionID string) []toolexec.ToolExecution {
	return s.executions.ExecutionsForSession(sessionID)
}

// PreviewForExecution exposes stored previews for transports.
func (s *Service) PreviewForExecution(executionID string) (*preview.Preview, bool) {
	return s.previews.GetForExecution(executionID)
}

// ListPersistedSessions lists stored session summaries.
func (s *Service) ListPersistedSessions() ([]filestore.Summary, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListSessions()
}

// SaveSession persists the session now and emits session:saved.
func (s *Service) SaveSession(sessionID string) error {
	if _, err := s.sessions.Peek(sessionID); err != nil {
		return err
	}
	s.persist(sessionID)
	return nil
}

// persist looks the session up and writes it out; used as the runner's
// end-of-turn hook.
func (s *Service) persist(sessionID string) {
	sess, err := s.sessions.Peek(sessionID)
	if err != nil {
		return
	}
	s.persistSession(sess)
}

// persistSession writes every section of the session document. Failures are
// logged and swallowed so in-memory operation continues.
func (s *Service) persistSession(sess *session.Session) {
	if s.store == nil {
		return
	}
	sessionID := sess.ID
	meta := filestore.Meta{
		Name:         sess.Name(),
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt(),
		SessionState: string(sess.State.AgentState()),
	}
	if err := s.store.SaveTranscript(sessionID, meta, sess.State.Entries()); err != nil {
		s.logger.Warn("persist transcript for %s: %v", sessionID, err)
	}
	s.executions.SaveSessionData(sessionID)
	s.previews.SaveSessionData(sessionID)
	s.bus.Emit(TopicSessionSaved, SessionPayload{SessionID: sessionID, Timestamp: s.clock.Now()})
}

// LoadSession restores a persisted session into the resident table.
func (s *Service) LoadSession(sessionID string) (*session.Session, error) {
	if s.store == nil {
		return nil, ierrors.SessionNotFound(sessionID)
	}
	if sess, err := s.sessions.Get(sessionID); err == nil {
		return sess, nil
	}

	rec, err := s.store.LoadRecord(sessionID)
	if err != nil {
		return nil, err
	}
	sess := session.NewRestored(rec.ID, rec.Name, rec.CreatedAt, rec.UpdatedAt)
	sess.State.ReplaceEntries(rec.Messages)
	state := domain.AgentState(rec.SessionState)
	if !state.IsTerminal() {
		// A non-terminal stored state means the process died mid-turn; the
		// next turn starts clean.
		state = domain.StateIdle
	}
	sess.State.SetAgentState(state)
	sess.BindAdapter(s.opts.DefaultAdapterKind, "")

	s.sessions.Adopt(sess)
	s.executions.LoadSessionData(sessionID)
	s.previews.LoadSessionData(sessionID)
	s.startAdapter(sessionID, s.opts.DefaultAdapterKind, "")

	s.bus.Emit(TopicSessionLoaded, SessionPayload{SessionID: sessionID, Timestamp: s.clock.Now()})
	return sess, nil
}

// DeleteSession drops the session everywhere: resident table, persistence,
// caches, abort registry.
func (s *Service) DeleteSession(sessionID string) error {
	if err := s.sessions.Delete(sessionID); err != nil && ierrors.KindOf(err) != ierrors.KindSessionNotFound {
		return err
	}

	s.executions.ClearSessionData(sessionID)
	s.previews.ClearSession(sessionID)
	s.aborts.Remove(sessionID)
	s.dropAdapter(sessionID)
	if s.store != nil {
		if err := s.store.Delete(sessionID); err != nil {
			s.logger.Warn("delete stored session %s: %v", sessionID, err)
		}
	}
	return nil
}

// onSessionRemoved persists and cleans up when the table drops a session.
func (s *Service) onSessionRemoved(sess *session.Session, reason string) {
	if reason != "deleted" {
		s.persistSession(sess)
	}
	s.aborts.Remove(sess.ID)
	s.dropAdapter(sess.ID)
	s.executions.ClearSessionData(sess.ID)
	s.previews.ClearSession(sess.ID)
}

func (s *Service) dropAdapter(sessionID string) {
	s.adapterMu.Lock()
	defer s.adapterMu.Unlock()
	if unsub, ok := s.unsubs[sessionID]; ok {
		unsub()
		delete(s.unsubs, sessionID)
	}
	if adapter, ok := s.adapters[sessionID]; ok {
		if err := adapter.Close(); err != nil {
			s.logger.Warn("close adapter for %s: %v", sessionID, err)
		}
		delete(s.adapters, sessionID)
	}
}
