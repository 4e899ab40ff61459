package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"contractflow/activity"
	"contractflow/contract"
	"contractflow/logging"
	"contractflow/metrics"
	"contractflow/presence"
	"contractflow/workflow"
)

// Options carries the optional arguments of PerformAction.
type Options struct {
	// OnBehalfOf lets an admin act as another role, for example when a
	// client signs on the admin's tablet.
	OnBehalfOf workflow.Role
	Metadata   map[string]any
}

// Session owns the workflow state of one participant viewing one contract.
// Actions are serialized; pushes from the store replace the state wholesale.
type Session struct {
	store    contract.Store
	sink     activity.Sink
	presence presence.Channel
	logger   *slog.Logger
	observer Observer

	idGenerator func() string
	now         func() time.Time
	heartbeat   time.Duration
	onChange    func(workflow.State)

	// act serializes PerformAction.
	act sync.Mutex

	mu          sync.RWMutex
	initialized bool
	contractID  string
	role        workflow.Role
	displayName string
	sessionID   string
	flow        workflow.Flow
	state       workflow.State
	version     int64
	generation  uint64
	syncedAt    time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an uninitialized session over store and sink.
func New(store contract.Store, sink activity.Sink) *Session {
	return &Session{
		store:       store,
		sink:        sink,
		logger:      logging.NewNop(),
		observer:    nopObserver{},
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		heartbeat:   presence.DefaultTTL / 3,
	}
}

// WithPresence enables presence announcements on ch.
func (s *Session) WithPresence(ch presence.Channel) *Session {
	s.presence = ch
	return s
}

// WithLogger sets the logger. A nil logger is ignored.
func (s *Session) WithLogger(l *slog.Logger) *Session {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithObserver reports outcomes to o, usually a metrics.Collector.
func (s *Session) WithObserver(o Observer) *Session {
	if o != nil {
		s.observer = o
	}
	return s
}

// WithIDGenerator overrides the uuid generator for session and entry ids.
func (s *Session) WithIDGenerator(gen func() string) *Session {
	s.idGenerator = gen
	return s
}

// WithClock overrides time.Now.
func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	return s
}

// WithHeartbeat sets the presence re-announce interval.
func (s *Session) WithHeartbeat(d time.Duration) *Session {
	if d > 0 {
		s.heartbeat = d
	}
	return s
}

// WithOnChange registers a callback invoked after every local state change,
// including rollbacks and pushes. It must not call back into the session.
func (s *Session) WithOnChange(fn func(workflow.State)) *Session {
	s.onChange = fn
	return s
}

// Initialize subscribes to record pushes, loads the contract and fixes the
// flow variant for the lifetime of the session. Presence is announced last.
func (s *Session) Initialize(ctx context.Context, contractID string, role workflow.Role, displayName string) error {
	if contractID == "" || !role.Valid() {
		return fmt.Errorf("%w: contract %q role %q", ErrSessionInvalid, contractID, role)
	}

	s.act.Lock()
	defer s.act.Unlock()

	s.mu.RLock()
	already := s.initialized
	s.mu.RUnlock()
	if already {
		return errors.New("session: already initialized")
	}

	// Subscribe before loading so a write committed in between still arrives
	// as a push; replace drops anything not newer than the loaded version.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pushes, err := s.store.Subscribe(subCtx, contractID)
	if err != nil {
		cancel()
		return fmt.Errorf("session: subscribe %s: %w", contractID, err)
	}

	rec, err := s.store.Get(ctx, contractID)
	if err != nil {
		cancel()
		return fmt.Errorf("session: load contract %s: %w", contractID, err)
	}

	flow := workflow.ResolveFlow(rec)
	st := workflow.Reconstruct(rec, flow)
	if derived, drifted := workflow.Drift(rec, flow); drifted {
		s.logger.Warn("stored step disagrees with completion flags",
			"contract_id", contractID,
			"stored", rec.CurrentStepName,
			"derived", derived,
		)
	}

	s.mu.Lock()
	s.initialized = true
	s.contractID = contractID
	s.role = role
	s.displayName = displayName
	s.sessionID = s.idGenerator()
	s.flow = flow
	s.state = st
	s.version = rec.Version
	s.generation++
	s.syncedAt = s.now()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consume(pushes)

	if s.presence != nil {
		s.announce(subCtx)
		s.wg.Add(1)
		go s.heartbeatLoop(subCtx)
	}

	s.observer.SessionOpened()
	s.logger.Info("session initialized",
		"contract_id", contractID,
		"role", role,
		"flow", flow.Kind(),
		"step", st.Current,
		"version", rec.Version,
	)
	s.notify(st)
	return nil
}

// PerformAction validates action for the effective role, applies it
// optimistically and persists the projection with a version check. On a
// persistence failure the pre-action state is restored and no activity entry
// is written.
func (s *Session) PerformAction(ctx context.Context, action workflow.Action, opts Options) error {
	s.act.Lock()
	defer s.act.Unlock()

	s.mu.RLock()
	if !s.initialized {
		s.mu.RUnlock()
		return ErrSessionInvalid
	}
	snapshot := s.state
	expected := s.version
	contractID := s.contractID
	caller := s.role
	actorName := s.displayName
	s.mu.RUnlock()

	role, err := s.effectiveRole(action, opts.OnBehalfOf)
	if err != nil {
		s.observer.ActionPerformed(string(action), string(caller), metrics.OutcomeRejected)
		return err
	}

	next, err := workflow.Next(snapshot, action, role, s.now())
	if err != nil {
		s.observer.ActionPerformed(string(action), string(role), metrics.OutcomeRejected)
		s.logger.Debug("action rejected", "contract_id", contractID, "action", action, "role", role, "err", err)
		return err
	}

	s.mu.Lock()
	s.state = next
	s.generation++
	optimistic := s.generation
	s.mu.Unlock()
	s.notify(next)

	start := time.Now()
	rec, err := s.store.Update(ctx, contractID, expected, workflow.Project(next))
	if err != nil {
		return s.rollback(ctx, action, role, snapshot, optimistic, time.Since(start), err)
	}
	s.observer.PersistObserved(time.Since(start), metrics.OutcomeOK)

	s.mu.Lock()
	if rec.Version > s.version {
		s.version = rec.Version
	}
	s.syncedAt = s.now()
	s.mu.Unlock()

	entry := activity.Entry{
		ID:          s.idGenerator(),
		ContractID:  contractID,
		Action:      action,
		ActorRole:   caller,
		ActorName:   actorName,
		Description: workflow.Describe(action),
		Metadata:    opts.Metadata,
		CreatedAt:   next.LastAction.At,
	}
	if role != caller {
		entry.OnBehalfOf = role
	}
	if err := s.sink.Append(ctx, entry); err != nil {
		// The record is already durable; the audit gap is logged, not surfaced.
		s.logger.Error("append activity entry", "contract_id", contractID, "action", action, "err", err)
	}

	s.observer.ActionPerformed(string(action), string(role), metrics.OutcomeOK)
	s.logger.Info("action performed",
		"contract_id", contractID,
		"action", action,
		"role", role,
		"actor", caller,
		"step", next.Current,
		"version", rec.Version,
	)
	return nil
}

func (s *Session) rollback(ctx context.Context, action workflow.Action, role workflow.Role, snapshot workflow.State, optimistic uint64, took time.Duration, cause error) error {
	s.mu.Lock()
	restored := s.generation == optimistic
	if restored {
		s.state = snapshot
		s.generation++
	}
	contractID := s.contractID
	s.mu.Unlock()
	if restored {
		s.notify(snapshot)
	}

	if errors.Is(cause, contract.ErrVersionConflict) {
		s.observer.PersistObserved(took, metrics.OutcomeConflict)
		s.observer.ActionPerformed(string(action), string(role), metrics.OutcomeConflict)
		s.logger.Warn("action lost a version race", "contract_id", contractID, "action", action, "err", cause)
		if rec, err := s.store.Get(ctx, contractID); err != nil {
			s.logger.Error("reload after conflict", "contract_id", contractID, "err", err)
		} else {
			s.replace(rec)
		}
		return fmt.Errorf("%w: %w", ErrConflict, cause)
	}

	s.observer.PersistObserved(took, metrics.OutcomeError)
	s.observer.ActionPerformed(string(action), string(role), metrics.OutcomeError)
	s.logger.Error("persist action, rolled back", "contract_id", contractID, "action", action, "err", cause)
	return fmt.Errorf("%w: %w", ErrPersistence, cause)
}

// CanPerformAction reports whether action is allowed right now for the
// session's role, or for onBehalfOf when an admin delegates.
func (s *Session) CanPerformAction(action workflow.Action, onBehalfOf workflow.Role) workflow.Decision {
	s.mu.RLock()
	initialized := s.initialized
	st := s.state
	s.mu.RUnlock()
	if !initialized {
		return workflow.Decision{Allowed: false, Reason: reasonSessionInvalid}
	}

	role, err := s.effectiveRole(action, onBehalfOf)
	if err != nil {
		return workflow.Decision{Allowed: false, Reason: workflow.Reason(err)}
	}
	return workflow.Check(st, action, role)
}

func (s *Session) effectiveRole(action workflow.Action, onBehalfOf workflow.Role) (workflow.Role, error) {
	s.mu.RLock()
	caller := s.role
	s.mu.RUnlock()

	if onBehalfOf == "" || onBehalfOf == caller {
		return caller, nil
	}
	if caller != workflow.RoleAdmin || !onBehalfOf.Valid() {
		return "", &workflow.RejectionError{
			Err:    workflow.ErrNotAuthorized,
			Action: action,
			Role:   caller,
			Reason: reasonDelegation,
		}
	}
	return onBehalfOf, nil
}

// Available lists the actions the session's own role may emit right now.
func (s *Session) Available() []workflow.Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil
	}
	return workflow.Available(s.state, s.role)
}

// Progress reports how far the local state has advanced.
func (s *Session) Progress() workflow.Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return workflow.ProgressOf(s.state)
}

// CurrentStepName is the name of the first incomplete step.
func (s *Session) CurrentStepName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.state.Current)
}

// Status is the derived workflow label of the local state.
func (s *Session) Status() workflow.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return workflow.StatusOf(s.state)
}

// State returns a copy of the local state.
func (s *Session) State() workflow.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Version is the record version the local state was last synced to.
func (s *Session) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SyncedAt is when the local state last matched the store.
func (s *Session) SyncedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncedAt
}

// Role is the participant role the session was initialized with.
func (s *Session) Role() workflow.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// ContractID is empty until Initialize succeeds.
func (s *Session) ContractID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contractID
}

// Activity lists the contract's audit trail, oldest first.
func (s *Session) Activity(ctx context.Context) ([]activity.Entry, error) {
	contractID := s.ContractID()
	if contractID == "" {
		return nil, ErrSessionInvalid
	}
	return s.sink.List(ctx, contractID)
}

// Online lists the other participants currently viewing the contract.
func (s *Session) Online(ctx context.Context) ([]presence.Presence, error) {
	s.mu.RLock()
	contractID, self := s.contractID, s.sessionID
	s.mu.RUnlock()
	if contractID == "" {
		return nil, ErrSessionInvalid
	}
	if s.presence == nil {
		return nil, nil
	}

	all, err := s.presence.Online(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("session: list presence: %w", err)
	}
	others := all[:0]
	for _, p := range all {
		if p.SessionID != self {
			others = append(others, p)
		}
	}
	return others, nil
}

// PresenceEvents streams arrivals, heartbeats and departures of the other
// participants until ctx is done. The channel is nil when the session has no
// presence channel.
func (s *Session) PresenceEvents(ctx context.Context) (<-chan presence.Presence, error) {
	s.mu.RLock()
	contractID, self := s.contractID, s.sessionID
	s.mu.RUnlock()
	if contractID == "" {
		return nil, ErrSessionInvalid
	}
	if s.presence == nil {
		return nil, nil
	}

	events, err := s.presence.Subscribe(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("session: subscribe presence: %w", err)
	}
	out := make(chan presence.Presence, 16)
	go func() {
		defer close(out)
		for p := range events {
			if p.SessionID == self {
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops the subscription and heartbeat and announces departure.
func (s *Session) Close(ctx context.Context) error {
	s.act.Lock()
	defer s.act.Unlock()

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = false
	cancel := s.cancel
	contractID, sessionID := s.contractID, s.sessionID
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.observer.SessionClosed()

	if s.presence != nil {
		if err := s.presence.Leave(ctx, contractID, sessionID); err != nil {
			return fmt.Errorf("session: leave presence: %w", err)
		}
	}
	return nil
}

func (s *Session) consume(pushes <-chan workflow.Record) {
	defer s.wg.Done()
	for rec := range pushes {
		s.replace(rec)
	}
}

// replace swaps the local state for the pushed record unless it is older
// than what the session already holds.
func (s *Session) replace(rec workflow.Record) {
	s.mu.Lock()
	if rec.Version <= s.version {
		s.mu.Unlock()
		s.observer.PushReceived(false)
		return
	}
	if pushed := workflow.ResolveFlow(rec); pushed.Kind() != s.flow.Kind() {
		s.logger.Warn("affiliate relationship changed mid-session, keeping original flow",
			"contract_id", rec.ContractID,
			"session_flow", s.flow.Kind(),
			"record_flow", pushed.Kind(),
		)
	}
	st := workflow.Reconstruct(rec, s.flow)
	s.state = st
	s.version = rec.Version
	s.generation++
	s.syncedAt = s.now()
	s.mu.Unlock()

	s.observer.PushReceived(true)
	s.notify(st)
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.announce(ctx)
		}
	}
}

func (s *Session) announce(ctx context.Context) {
	s.mu.RLock()
	p := presence.Presence{
		SessionID:   s.sessionID,
		ContractID:  s.contractID,
		Role:        s.role,
		DisplayName: s.displayName,
		At:          s.now(),
	}
	s.mu.RUnlock()

	if err := s.presence.Announce(ctx, p); err != nil && ctx.Err() == nil {
		s.logger.Warn("announce presence", "contract_id", p.ContractID, "err", err)
	}
}

func (s *Session) notify(st workflow.State) {
	if s.onChange != nil {
		s.onChange(st.Clone())
	}
}
