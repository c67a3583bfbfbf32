// Package orchestrator coordinates the full run lifecycle: envelope
// admission, policy normalization, planning and re-planning, engine
// execution, pause/resume, persistence, and the caller-facing event
// stream. It is the only package that touches every other core package;
// callers construct one Orchestrator and drive runs through Run.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/awesomeposter/flex/flex/capability"
	"github.com/awesomeposter/flex/flex/engine"
	"github.com/awesomeposter/flex/flex/envelope"
	"github.com/awesomeposter/flex/flex/facets"
	"github.com/awesomeposter/flex/flex/hitl"
	"github.com/awesomeposter/flex/flex/plan"
	"github.com/awesomeposter/flex/flex/planner"
	"github.com/awesomeposter/flex/flex/policy"
	"github.com/awesomeposter/flex/flex/registry"
	"github.com/awesomeposter/flex/flex/runctx"
	"github.com/awesomeposter/flex/flex/store"
	"github.com/awesomeposter/flex/flex/stream"
	"github.com/awesomeposter/flex/flex/telemetry"
)

const (
	// DefaultMaxPlanAttempts bounds planner calls per planning phase.
	DefaultMaxPlanAttempts = 2
	// DefaultMaxReplans bounds re-plan rounds per run.
	DefaultMaxReplans = 3
	// DefaultClarificationLimit pauses the run once this many clarification
	// questions have accumulated without answers.
	DefaultClarificationLimit = 3

	// persistGrace bounds terminal-state writes made after the request
	// context is already canceled.
	persistGrace = 5 * time.Second
)

type (
	// Config wires the orchestrator's collaborators. Store, Registry,
	// Planner, and Runtime are required.
	Config struct {
		Store    store.Store
		Registry registry.Registry
		Planner  planner.Planner
		Runtime  capability.Runtime
		Hitl     hitl.Service
		Catalog  *facets.Catalog
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		// MaxPlanAttempts bounds planner calls per phase; defaults to
		// DefaultMaxPlanAttempts.
		MaxPlanAttempts int
		// MaxReplans bounds re-plan rounds per run; defaults to
		// DefaultMaxReplans.
		MaxReplans int
		// ClarificationLimit defaults to DefaultClarificationLimit.
		ClarificationLimit int
	}

	// Orchestrator drives runs end to end.
	Orchestrator struct {
		store              store.Store
		registry           registry.Registry
		planner            planner.Planner
		hitl               hitl.Service
		catalog            *facets.Catalog
		logger             telemetry.Logger
		metrics            telemetry.Metrics
		engine             *engine.Engine
		maxPlanAttempts    int
		maxReplans         int
		clarificationLimit int
	}

	// RunRequest starts or resumes a run.
	RunRequest struct {
		// Envelope is the caller's task description. Required for new runs;
		// on resume only its constraints and metadata are consulted, the
		// stored envelope stays authoritative.
		Envelope *envelope.Envelope
		// Submission resolves a pending human task or HITL request on
		// resume.
		Submission *hitl.Submission
		// Sink receives the run's event stream. Optional.
		Sink stream.Sink
	}

	// RunResult is the outcome of one Run call. A paused run returns its
	// resumable status; driving it further requires another Run call with
	// resume constraints.
	RunResult struct {
		RunID       string
		Status      store.RunStatus
		PlanVersion int
		// Output is the final output for completed runs.
		Output map[string]any
		// PendingNodeID is set when the run paused on a node.
		PendingNodeID string
		// Error describes a terminal failure.
		Error string
	}

	// runSession carries per-run coordination state.
	runSession struct {
		runID       string
		envelope    *envelope.Envelope
		policies    *policy.Normalized
		schemaHash  string
		sink        stream.Sink
		planVersion int
		state       *engine.RunState
		approved    bool
	}
)

// New constructs an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics{}
	}
	if cfg.MaxPlanAttempts <= 0 {
		cfg.MaxPlanAttempts = DefaultMaxPlanAttempts
	}
	if cfg.MaxReplans <= 0 {
		cfg.MaxReplans = DefaultMaxReplans
	}
	if cfg.ClarificationLimit <= 0 {
		cfg.ClarificationLimit = DefaultClarificationLimit
	}
	eng := engine.New(engine.Config{
		Store:    cfg.Store,
		Runtime:  cfg.Runtime,
		Registry: cfg.Registry,
		Hitl:     cfg.Hitl,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	return &Orchestrator{
		store:              cfg.Store,
		registry:           cfg.Registry,
		planner:            cfg.Planner,
		hitl:               cfg.Hitl,
		catalog:            cfg.Catalog,
		logger:             cfg.Logger,
		metrics:            cfg.Metrics,
		engine:             eng,
		maxPlanAttempts:    cfg.MaxPlanAttempts,
		maxReplans:         cfg.MaxReplans,
		clarificationLimit: cfg.ClarificationLimit,
	}
}

// Run starts a new run or resumes a paused one, depending on the
// envelope's metadata and constraints. It blocks until the run reaches a
// terminal status or a pause point. The sink, when provided, is closed
// before Run returns.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Envelope == nil {
		return nil, fmt.Errorf("orchestrator: envelope is required")
	}
	if req.Sink != nil {
		if closer, ok := req.Sink.(interface{ Close() }); ok {
			defer closer.Close()
		}
	}

	runID, resume, err := o.resolveRunID(ctx, req.Envelope)
	if err != nil {
		return nil, err
	}

	if resume {
		return o.resumeRun(ctx, runID, req)
	}
	return o.startRun(ctx, runID, req)
}

// resolveRunID determines the run identifier and whether this is a resume.
func (o *Orchestrator) resolveRunID(ctx context.Context, env *envelope.Envelope) (string, bool, error) {
	if id := env.Constraints.ResumeRunID; id != "" {
		return id, true, nil
	}
	if tid := env.Constraints.ResumeThreadID; tid != "" {
		rec, err := o.store.FindRunByThreadID(ctx, tid)
		if err != nil {
			return "", false, fmt.Errorf("orchestrator: resolve resume thread: %w", err)
		}
		return rec.RunID, true, nil
	}
	if id := env.Metadata.RunID; id != "" {
		// An explicit run id resumes when the run exists in a resumable
		// state; otherwise it forces the identifier of a new run.
		if rec, err := o.store.LoadRun(ctx, id); err == nil {
			if rec.Status.Resumable() {
				return id, true, nil
			}
			if rec.Status.Terminal() {
				return "", false, fmt.Errorf("orchestrator: run %q already %s", id, rec.Status)
			}
		}
		return id, false, nil
	}
	return uuid.NewString(), false, nil
}

// startRun admits the envelope, plans, and executes a brand-new run.
func (o *Orchestrator) startRun(ctx context.Context, runID string, req RunRequest) (*RunResult, error) {
	env := req.Envelope
	if err := env.Validate(); err != nil {
		return nil, err
	}
	pol, err := policy.Normalize(env.Policies)
	if err != nil {
		return nil, err
	}

	s := &runSession{
		runID:      runID,
		envelope:   env,
		policies:   pol,
		schemaHash: schemaHash(env.OutputContract),
		sink:       req.Sink,
	}

	threadID := env.Metadata.ThreadID
	if threadID == "" {
		threadID = env.Constraints.ThreadID
	}
	if err := o.store.CreateOrUpdateRun(ctx, store.RunRecord{
		RunID:      runID,
		ThreadID:   threadID,
		Status:     store.StatusPending,
		Objective:  env.Objective,
		Envelope:   toDocument(env),
		SchemaHash: s.schemaHash,
		Metadata: map[string]any{
			"clientId":      env.Metadata.ClientID,
			"correlationId": env.Metadata.CorrelationID,
		},
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: create run: %w", err)
	}

	o.emit(ctx, s, stream.Event{Type: stream.EventStart, Payload: map[string]any{
		"objective": env.Objective,
	}})

	s.state = &engine.RunState{
		RunID:    runID,
		Envelope: env,
		Policies: pol,
		Context:  runctx.New(),
		Pending:  &store.PendingState{},
		Emit:     o.emitFunc(s),
	}

	// onStart policies run before any planning.
	if eff, err := policy.EvaluateRunStartEffect(pol.Runtime); err != nil {
		return nil, err
	} else if eff != nil && eff.Kind == policy.EffectAction {
		switch eff.Policy.Action.Type {
		case policy.ActionFail:
			return o.failRun(ctx, s, &engine.RuntimePolicyFailureError{
				PolicyID: eff.Policy.ID,
				Message:  eff.Policy.Action.Message,
			})
		case policy.ActionEmit:
			s.state.Pending.EmitBuffer = append(s.state.Pending.EmitBuffer, map[string]any{
				"type":     "emit",
				"policyId": eff.Policy.ID,
				"event":    eff.Policy.Action.Event,
				"payload":  eff.Policy.Action.Payload,
			})
		}
	}

	// HITL approval gates the run before any planning or execution; the
	// plan is produced on the resume call.
	if (env.Constraints.RequiresHitlApproval || pol.RequiresHitlApproval) && !s.approved {
		return o.pauseForApproval(ctx, s)
	}

	p, err := o.planPhase(ctx, s, planner.PhaseInitial, nil)
	if err != nil {
		return o.failRun(ctx, s, err)
	}
	s.state.Plan = p

	if err := o.store.UpdateStatus(ctx, runID, store.StatusRunning); err != nil {
		return nil, fmt.Errorf("orchestrator: mark running: %w", err)
	}
	return o.runLoop(ctx, s)
}

// resumeRun restores a paused run and continues execution.
func (o *Orchestrator) resumeRun(ctx context.Context, runID string, req RunRequest) (*RunResult, error) {
	rec, err := o.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load run: %w", err)
	}
	if !rec.Status.Resumable() {
		return nil, fmt.Errorf("orchestrator: run %q is %s, not resumable", runID, rec.Status)
	}

	// A run paused before planning (HITL approval) has no snapshot yet.
	snap, err := o.store.LoadPlanSnapshot(ctx, runID, 0)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("orchestrator: load plan snapshot: %w", err)
	}
	if err == nil && snap.Version != rec.PlanVersion {
		_ = o.store.UpdateStatus(ctx, runID, store.StatusFailed)
		return nil, fmt.Errorf("orchestrator: run %q snapshot version %d does not match recorded plan version %d",
			runID, snap.Version, rec.PlanVersion)
	}

	env, err := envelopeFromDocument(rec.Envelope)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: decode stored envelope: %w", err)
	}
	pol, err := policy.Normalize(env.Policies)
	if err != nil {
		return nil, err
	}

	rc := runctx.New()
	if rec.ContextSnapshot != nil {
		rc = runctx.Restore(*rec.ContextSnapshot)
	}
	pending := snap.Pending
	if pending == nil {
		pending = &store.PendingState{}
	}

	s := &runSession{
		runID:       runID,
		envelope:    env,
		policies:    pol,
		schemaHash:  rec.SchemaHash,
		sink:        req.Sink,
		planVersion: snap.Version,
		approved:    true,
	}
	s.state = &engine.RunState{
		RunID:    runID,
		Envelope: env,
		Policies: pol,
		Plan:     snap.Plan,
		Context:  rc,
		Pending:  pending,
		Emit:     o.emitFunc(s),
	}

	o.emit(ctx, s, stream.Event{Type: stream.EventStart, Payload: map[string]any{
		"resumed":    true,
		"fromStatus": string(rec.Status),
	}})

	switch rec.Status {
	case store.StatusAwaitingHuman:
		if req.Submission == nil {
			return nil, fmt.Errorf("orchestrator: run %q awaits a human submission", runID)
		}
		if err := o.applySubmission(ctx, s, *req.Submission); err != nil {
			if failed, ferr := o.handleEngineError(ctx, s, err); failed != nil || ferr != nil {
				return failed, ferr
			}
		}
	case store.StatusAwaitingHitl:
		if req.Submission != nil && req.Submission.Declined {
			return o.failRun(ctx, s, &engine.RuntimePolicyFailureError{
				PolicyID: "hitl_review",
				Message:  declineReason(*req.Submission),
			})
		}
		if req.Submission != nil && req.Submission.Output != nil {
			if err := o.applySubmission(ctx, s, *req.Submission); err != nil {
				if failed, ferr := o.handleEngineError(ctx, s, err); failed != nil || ferr != nil {
					return failed, ferr
				}
			}
		} else if s.state.Pending.PendingNodeID != "" {
			// Approval without output: the pending fallback node is
			// considered handled and skipped.
			s.state.Pending.CompletedNodeIDs = append(s.state.Pending.CompletedNodeIDs, s.state.Pending.PendingNodeID)
			s.state.Pending.PendingNodeID = ""
		}
	}

	if s.state.Plan == nil {
		p, perr := o.planPhase(ctx, s, planner.PhaseInitial, nil)
		if perr != nil {
			return o.failRun(ctx, s, perr)
		}
		s.state.Plan = p
	}

	if err := o.store.UpdateStatus(ctx, runID, store.StatusRunning); err != nil {
		return nil, fmt.Errorf("orchestrator: mark running: %w", err)
	}
	return o.runLoop(ctx, s)
}

// applySubmission resolves the pending node and emits hitl_resolved once.
func (o *Orchestrator) applySubmission(ctx context.Context, s *runSession, sub hitl.Submission) error {
	resolutionID := sub.TaskID
	if resolutionID == "" {
		resolutionID = s.runID + "/" + sub.NodeID
	}
	emitted := false
	for _, id := range s.state.Pending.EmittedHitlResolutions {
		if id == resolutionID {
			emitted = true
			break
		}
	}
	err := o.engine.ApplySubmission(ctx, s.state, sub)
	if !emitted {
		s.state.Pending.EmittedHitlResolutions = append(s.state.Pending.EmittedHitlResolutions, resolutionID)
		o.emit(ctx, s, stream.Event{
			Type:   stream.EventHitlResolved,
			NodeID: sub.NodeID,
			Payload: map[string]any{
				"taskId":   sub.TaskID,
				"declined": sub.Declined,
			},
		})
	}
	return err
}

// runLoop drives engine execution and re-planning until the run reaches a
// terminal status or a pause point.
func (o *Orchestrator) runLoop(ctx context.Context, s *runSession) (*RunResult, error) {
	replans := 0
	for {
		if s.state.Context.ClarificationCount() >= o.clarificationLimit {
			return o.pauseRun(ctx, s, "clarification limit reached")
		}

		res, err := o.engine.Execute(ctx, s.state)
		if err == nil {
			return o.completeRun(ctx, s, res)
		}

		var rerr *engine.ReplanRequestedError
		var gerr *engine.GoalConditionFailedError
		switch {
		case errors.As(err, &rerr):
			o.emit(ctx, s, stream.Event{
				Type:   stream.EventPolicyTriggered,
				NodeID: rerr.NodeID,
				Payload: map[string]any{
					"policyId":  rerr.PolicyID,
					"reason":    rerr.Reason,
					"rationale": rerr.Rationale,
					"action":    "replan",
				},
			})
			replans++
			if replans > o.maxReplans {
				return o.failRun(ctx, s, fmt.Errorf("orchestrator: re-plan limit (%d) exceeded", o.maxReplans))
			}
			if rerr2 := o.replan(ctx, s, replanReason(rerr), rerr.Details); rerr2 != nil {
				return o.failRun(ctx, s, rerr2)
			}
		case errors.As(err, &gerr):
			o.emit(ctx, s, stream.Event{
				Type: stream.EventGoalConditionFailed,
				Payload: map[string]any{
					"results": gerr.Results,
					"failed":  gerr.Failed,
				},
			})
			if serr := o.store.RecordPendingResult(ctx, s.runID, gerr.ProvisionalOutput); serr != nil {
				o.logger.Warn(ctx, "record pending result", "run", s.runID, "err", serr)
			}
			replans++
			if replans > o.maxReplans {
				return o.failRun(ctx, s, fmt.Errorf("orchestrator: goal conditions unsatisfied after %d re-plans", o.maxReplans))
			}
			details := map[string]any{"failedGoalConditions": gerr.Failed}
			if rerr2 := o.replan(ctx, s, "goal_condition_failed", details); rerr2 != nil {
				return o.failRun(ctx, s, rerr2)
			}
		default:
			return o.handleEngineError(ctx, s, err)
		}
	}
}

// handleEngineError maps non-replan engine errors onto pause or terminal
// outcomes.
func (o *Orchestrator) handleEngineError(ctx context.Context, s *runSession, err error) (*RunResult, error) {
	var herr *engine.HitlPauseError
	var perr *engine.RunPausedError
	var aerr *engine.AwaitingHumanInputError

	switch {
	case errors.As(err, &herr):
		if serr := o.persistPause(ctx, s, store.StatusAwaitingHitl); serr != nil {
			return nil, serr
		}
		o.emit(ctx, s, stream.Event{
			Type:    stream.EventHitlRequest,
			NodeID:  herr.Request.PendingNodeID,
			Payload: map[string]any{"request": herr.Request},
		})
		return &RunResult{
			RunID:         s.runID,
			Status:        store.StatusAwaitingHitl,
			PlanVersion:   s.planVersion,
			PendingNodeID: herr.Request.PendingNodeID,
		}, nil

	case errors.As(err, &perr):
		if serr := o.persistPause(ctx, s, store.StatusAwaitingHitl); serr != nil {
			return nil, serr
		}
		o.emit(ctx, s, stream.Event{
			Type:    stream.EventHitlRequest,
			Payload: map[string]any{"reason": perr.Reason},
		})
		return &RunResult{RunID: s.runID, Status: store.StatusAwaitingHitl, PlanVersion: s.planVersion}, nil

	case errors.As(err, &aerr):
		if serr := o.persistPause(ctx, s, store.StatusAwaitingHuman); serr != nil {
			return nil, serr
		}
		return &RunResult{
			RunID:         s.runID,
			Status:        store.StatusAwaitingHuman,
			PlanVersion:   s.planVersion,
			PendingNodeID: aerr.NodeID,
		}, nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// The request context is dead; detach so the cancelled status
		// still lands in context-honoring stores.
		pctx, cancel := persistContext(ctx)
		defer cancel()
		if serr := o.persistPause(pctx, s, store.StatusCancelled); serr != nil {
			o.logger.Warn(pctx, "persist cancelled run", "run", s.runID, "err", serr)
		}
		return nil, err

	default:
		return o.failRun(ctx, s, err)
	}
}

// planPhase requests a draft from the planner and builds the executable
// plan, retrying rejected drafts up to the per-phase attempt budget.
func (o *Orchestrator) planPhase(ctx context.Context, s *runSession, phase planner.Phase, graph *planner.GraphContext) (*plan.Plan, error) {
	snapshot, err := o.registry.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: registry snapshot: %w", err)
	}
	o.emit(ctx, s, stream.Event{Type: stream.EventPlanRequested, Payload: map[string]any{
		"phase": string(phase),
	}})

	req := planner.Request{
		RunID:    s.runID,
		Envelope: s.envelope,
		Policies: s.policies.Canonical,
		Registry: snapshot,
		Graph:    graph,
		Phase:    phase,
	}

	var lastErr error
	for attempt := 1; attempt <= o.maxPlanAttempts; attempt++ {
		draft, err := o.planner.Plan(ctx, req)
		if err == nil {
			err = planner.ValidateDraft(draft, snapshot)
		}
		var p *plan.Plan
		if err == nil {
			p, err = plan.Build(ctx, plan.BuildInput{
				RunID:    s.runID,
				Envelope: s.envelope,
				Policies: s.policies,
				Snapshot: snapshot,
				Draft:    draft,
				Catalog:  o.catalog,
				Logger:   o.logger,
			})
		}
		if err != nil {
			lastErr = err
			o.emit(ctx, s, stream.Event{Type: stream.EventPlanRejected, Payload: map[string]any{
				"phase":   string(phase),
				"attempt": attempt,
				"reason":  err.Error(),
			}})
			continue
		}

		if p.Version <= s.planVersion {
			p.Version = s.planVersion + 1
		}
		s.planVersion = p.Version

		if err := o.store.SavePlanSnapshot(ctx, store.PlanSnapshot{
			RunID:      s.runID,
			Version:    p.Version,
			Plan:       p,
			SchemaHash: s.schemaHash,
			Metadata:   p.Metadata,
		}); err != nil {
			return nil, fmt.Errorf("orchestrator: save plan snapshot: %w", err)
		}

		o.emit(ctx, s, stream.Event{Type: stream.EventPlanGenerated, Payload: map[string]any{
			"version":   p.Version,
			"nodeCount": len(p.Nodes),
		}})
		if phase == planner.PhaseReplan {
			reason := ""
			if graph != nil {
				reason = graph.Reason
			}
			o.emit(ctx, s, stream.Event{Type: stream.EventPlanUpdated, Payload: map[string]any{
				"version": p.Version,
				"replan":  map[string]any{"reason": reason},
			}})
		}
		return p, nil
	}
	return nil, fmt.Errorf("orchestrator: planning failed after %d attempts: %w", o.maxPlanAttempts, lastErr)
}

// replan swaps the session onto a fresh plan produced from the current
// execution state.
func (o *Orchestrator) replan(ctx context.Context, s *runSession, reason string, details map[string]any) error {
	o.metrics.IncCounter(telemetry.MetricReplanCount, 1, "reason", reason)
	if err := o.store.SaveRunContext(ctx, s.runID, s.state.Context.Snapshot()); err != nil {
		o.logger.Warn(ctx, "save run context", "run", s.runID, "err", err)
	}

	graph := &planner.GraphContext{
		PlanVersion:      s.planVersion,
		CompletedNodeIDs: append([]string{}, s.state.Pending.CompletedNodeIDs...),
		FacetSnapshot:    s.state.Context.Snapshot().AsPayload(),
		Reason:           reason,
		Details:          details,
	}
	p, err := o.planPhase(ctx, s, planner.PhaseReplan, graph)
	if err != nil {
		return err
	}

	// A new plan starts with fresh per-node state; buffered emits and
	// emitted resolutions survive the swap.
	s.state.Plan = p
	s.state.Pending = &store.PendingState{
		EmitBuffer:             s.state.Pending.EmitBuffer,
		EmittedHitlResolutions: s.state.Pending.EmittedHitlResolutions,
	}
	return nil
}

// pauseForApproval parks a freshly planned run for operator review.
func (o *Orchestrator) pauseForApproval(ctx context.Context, s *runSession) (*RunResult, error) {
	req := hitl.Request{
		ID:             s.runID + "/approval",
		RunID:          s.runID,
		OriginAgent:    "orchestrator",
		OperatorPrompt: "Approve this run before execution starts.",
		ContractSummary: map[string]any{
			"mode": string(s.envelope.OutputContract.Mode),
		},
		CreatedAt: time.Now().UTC(),
		Payload:   map[string]any{"objective": s.envelope.Objective},
	}
	if o.hitl != nil {
		if err := o.hitl.CreateRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("orchestrator: create approval request: %w", err)
		}
	}
	if err := o.persistPause(ctx, s, store.StatusAwaitingHitl); err != nil {
		return nil, err
	}
	o.emit(ctx, s, stream.Event{
		Type:    stream.EventHitlRequest,
		Payload: map[string]any{"request": req},
	})
	return &RunResult{RunID: s.runID, Status: store.StatusAwaitingHitl, PlanVersion: s.planVersion}, nil
}

// pauseRun parks the run awaiting operator input for a generic reason.
func (o *Orchestrator) pauseRun(ctx context.Context, s *runSession, reason string) (*RunResult, error) {
	if err := o.persistPause(ctx, s, store.StatusAwaitingHitl); err != nil {
		return nil, err
	}
	o.emit(ctx, s, stream.Event{
		Type:    stream.EventHitlRequest,
		Payload: map[string]any{"reason": reason},
	})
	return &RunResult{RunID: s.runID, Status: store.StatusAwaitingHitl, PlanVersion: s.planVersion}, nil
}

// persistPause saves the run context and pending state, then moves the run
// to the given status. The snapshot row for the current version is
// rewritten in place so resume sees the same plan with updated progress.
func (o *Orchestrator) persistPause(ctx context.Context, s *runSession, status store.RunStatus) error {
	if err := o.store.SaveRunContext(ctx, s.runID, s.state.Context.Snapshot()); err != nil {
		return fmt.Errorf("orchestrator: save run context: %w", err)
	}
	if s.state.Plan != nil {
		if err := o.store.SavePlanSnapshot(ctx, store.PlanSnapshot{
			RunID:      s.runID,
			Version:    s.planVersion,
			Plan:       s.state.Plan,
			SchemaHash: s.schemaHash,
			Pending:    s.state.Pending,
			Metadata:   s.state.Plan.Metadata,
		}); err != nil {
			return fmt.Errorf("orchestrator: save plan snapshot: %w", err)
		}
	}
	if err := o.store.UpdateStatus(ctx, s.runID, status); err != nil {
		return fmt.Errorf("orchestrator: update status: %w", err)
	}
	return nil
}

// completeRun records the final output and emits the terminal frame.
func (o *Orchestrator) completeRun(ctx context.Context, s *runSession, res *engine.Result) (*RunResult, error) {
	snap := s.state.Context.Snapshot()
	if err := o.store.RecordResult(ctx, s.runID, res.FinalOutput, store.ResultOptions{
		PlanVersion:          s.planVersion,
		SchemaHash:           s.schemaHash,
		Facets:               &snap,
		GoalConditionResults: res.GoalResults,
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: record result: %w", err)
	}
	if err := o.store.SaveRunContext(ctx, s.runID, snap); err != nil {
		o.logger.Warn(ctx, "save run context", "run", s.runID, "err", err)
	}
	if err := o.store.UpdateStatus(ctx, s.runID, store.StatusCompleted); err != nil {
		return nil, fmt.Errorf("orchestrator: update status: %w", err)
	}

	payload := map[string]any{
		"status": stream.StatusCompleted,
		"output": res.FinalOutput,
	}
	if len(s.state.Pending.EmitBuffer) > 0 {
		// Buffered emit-policy events ride the terminal frame under the
		// policy_action status.
		payload["status"] = stream.StatusPolicyAction
		payload["emittedEvents"] = s.state.Pending.EmitBuffer
	}
	o.emit(ctx, s, stream.Event{Type: stream.EventComplete, Payload: payload})
	o.metrics.IncCounter(telemetry.MetricRunCompleted, 1, "status", string(store.StatusCompleted))

	return &RunResult{
		RunID:       s.runID,
		Status:      store.StatusCompleted,
		PlanVersion: s.planVersion,
		Output:      res.FinalOutput,
	}, nil
}

// failRun records the terminal failure and emits the terminal frame. The
// failure is reported through the result, not the error return, so callers
// can distinguish run failures from infrastructure errors.
func (o *Orchestrator) failRun(ctx context.Context, s *runSession, cause error) (*RunResult, error) {
	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := o.store.SaveRunContext(pctx, s.runID, s.state.Context.Snapshot()); err != nil {
		o.logger.Warn(pctx, "save run context", "run", s.runID, "err", err)
	}
	if err := o.store.UpdateStatus(pctx, s.runID, store.StatusFailed); err != nil {
		o.logger.Warn(pctx, "mark run failed", "run", s.runID, "err", err)
	}

	payload := map[string]any{
		"status": stream.StatusFailed,
		"error":  cause.Error(),
	}
	var verr *engine.FlexValidationError
	if errors.As(cause, &verr) {
		payload["scope"] = verr.Scope
	}
	if len(s.state.Pending.EmitBuffer) > 0 {
		payload["emittedEvents"] = s.state.Pending.EmitBuffer
	}
	o.emit(pctx, s, stream.Event{Type: stream.EventComplete, Payload: payload})
	o.metrics.IncCounter(telemetry.MetricRunCompleted, 1, "status", string(store.StatusFailed))

	return &RunResult{
		RunID:       s.runID,
		Status:      store.StatusFailed,
		PlanVersion: s.planVersion,
		Error:       cause.Error(),
	}, nil
}

// emitFunc adapts the session emitter for the engine.
func (o *Orchestrator) emitFunc(s *runSession) engine.EmitFunc {
	return func(ctx context.Context, ev stream.Event) error {
		o.emit(ctx, s, ev)
		return nil
	}
}

// emit enriches and delivers one event frame.
func (o *Orchestrator) emit(ctx context.Context, s *runSession, ev stream.Event) {
	if s.sink == nil {
		return
	}
	ev.RunID = s.runID
	ev.PlanVersion = s.planVersion
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := s.sink.Send(ctx, ev); err != nil {
		o.logger.Warn(ctx, "event delivery failed", "run", s.runID, "type", string(ev.Type), "err", err)
	}
}

// persistContext returns a context safe for terminal-state writes. When
// the request context is already canceled the writes run on a detached
// context with a short grace budget so the run does not stay stuck in
// running.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), persistGrace)
}

func replanReason(err *engine.ReplanRequestedError) string {
	if err.PolicyID != "" {
		return err.PolicyID
	}
	return err.Reason
}

func declineReason(sub hitl.Submission) string {
	if sub.Reason != "" {
		return sub.Reason
	}
	return "operator declined the run"
}

// schemaHash fingerprints the output contract for persistence rows.
func schemaHash(contract envelope.OutputContract) string {
	data, err := json.Marshal(contract)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// toDocument round-trips a value through JSON into a generic document.
func toDocument(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// envelopeFromDocument decodes a stored envelope document.
func envelopeFromDocument(doc map[string]any) (*envelope.Envelope, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
