// Package engine executes a plan node-by-node: capability dispatch,
// routing resolution, post-condition enforcement with local retries,
// runtime policy evaluation, human-assigned pauses, per-node contract
// validation, and the goal-condition gate. Control flow back to the
// coordinator travels through the signal error types in errors.go.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/awesomeposter/flex/flex/capability"
	"github.com/awesomeposter/flex/flex/condition"
	"github.com/awesomeposter/flex/flex/envelope"
	"github.com/awesomeposter/flex/flex/hitl"
	"github.com/awesomeposter/flex/flex/plan"
	"github.com/awesomeposter/flex/flex/policy"
	"github.com/awesomeposter/flex/flex/registry"
	"github.com/awesomeposter/flex/flex/runctx"
	"github.com/awesomeposter/flex/flex/store"
	"github.com/awesomeposter/flex/flex/stream"
	"github.com/awesomeposter/flex/flex/telemetry"
)

type (
	// EmitFunc delivers an event frame. The coordinator supplies one that
	// enriches frames with run id, timestamp, and plan version.
	EmitFunc func(ctx context.Context, ev stream.Event) error

	// Config wires the engine's collaborators.
	Config struct {
		Store    store.Store
		Runtime  capability.Runtime
		Registry registry.Registry
		Hitl     hitl.Service
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
	}

	// Engine executes plans. One engine is shared across runs; all per-run
	// state lives in RunState.
	Engine struct {
		store    store.Store
		runtime  capability.Runtime
		registry registry.Registry
		hitl     hitl.Service
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// RunState is the mutable per-run execution state. Pending is updated
	// in place so the coordinator can persist it at every suspension
	// point.
	RunState struct {
		RunID    string
		Envelope *envelope.Envelope
		Policies *policy.Normalized
		Plan     *plan.Plan
		Context  *runctx.Context
		Pending  *store.PendingState
		Emit     EmitFunc
	}

	// Result is a successful execution outcome: the validated final
	// output and the goal-condition results that gated it.
	Result struct {
		FinalOutput map[string]any
		GoalResults []condition.FacetResult
	}
)

// New constructs an engine. Logger and Metrics default to no-ops.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics{}
	}
	return &Engine{
		store:    cfg.Store,
		runtime:  cfg.Runtime,
		registry: cfg.Registry,
		hitl:     cfg.Hitl,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Execute runs the plan from the first node not yet completed. It returns
// a Result on success or one of the signal errors for the coordinator to
// pattern-match.
func (e *Engine) Execute(ctx context.Context, st *RunState) (*Result, error) {
	if st.Pending == nil {
		st.Pending = &store.PendingState{}
	}
	completed := make(map[string]bool, len(st.Pending.CompletedNodeIDs))
	for _, id := range st.Pending.CompletedNodeIDs {
		completed[id] = true
	}

	skipTarget := ""
	for i := range st.Plan.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := &st.Plan.Nodes[i]
		if completed[node.ID] {
			continue
		}
		routedTo := false
		if skipTarget != "" {
			if node.ID != skipTarget {
				e.markSkipped(ctx, st, node)
				completed[node.ID] = true
				continue
			}
			skipTarget = ""
			routedTo = true
		}
		if node.Kind == plan.KindFallback && !routedTo {
			// The fallback node only runs as an explicit routing target.
			e.markSkipped(ctx, st, node)
			completed[node.ID] = true
			continue
		}

		target, err := e.executeNode(ctx, st, node)
		if err != nil {
			return nil, err
		}
		completed[node.ID] = true
		skipTarget = target
	}

	return e.finish(ctx, st)
}

// executeNode runs one node. A non-empty return value is the routing
// target subsequent execution skips to.
func (e *Engine) executeNode(ctx context.Context, st *RunState, node *plan.Node) (string, error) {
	started := time.Now().UTC()
	if err := e.store.MarkNode(ctx, st.RunID, store.NodeState{
		NodeID:       node.ID,
		CapabilityID: node.CapabilityID,
		Label:        node.Label,
		Status:       store.NodeRunning,
		StartedAt:    &started,
	}); err != nil {
		return "", fmt.Errorf("engine: mark node %q running: %w", node.ID, err)
	}
	e.emit(ctx, st, stream.Event{
		Type:   stream.EventNodeStart,
		NodeID: node.ID,
		Payload: map[string]any{
			"capabilityId": node.CapabilityID,
			"kind":         string(node.Kind),
			"label":        node.Label,
		},
	})

	switch node.Kind {
	case plan.KindRouting:
		return e.executeRoutingNode(ctx, st, node)
	case plan.KindBranch:
		return "", e.completeBranchNode(ctx, st, node, started)
	case plan.KindFallback:
		return "", e.executeFallbackNode(ctx, st, node)
	default:
		return "", e.executeCapabilityNode(ctx, st, node, started)
	}
}

// executeFallbackNode escalates to an operator. Fallback nodes run only
// when a routing resolution selects them explicitly.
func (e *Engine) executeFallbackNode(ctx context.Context, st *RunState, node *plan.Node) error {
	prompt := ""
	if len(node.Bundle.Instructions) > 0 {
		prompt = node.Bundle.Instructions[len(node.Bundle.Instructions)-1]
	}
	req := hitl.Request{
		ID:              st.RunID + "/" + node.ID,
		RunID:           st.RunID,
		OriginAgent:     "engine",
		PendingNodeID:   node.ID,
		OperatorPrompt:  prompt,
		ContractSummary: map[string]any{"mode": string(st.Envelope.OutputContract.Mode)},
		CreatedAt:       time.Now().UTC(),
		Payload:         map[string]any{"objective": st.Envelope.Objective},
	}
	if e.hitl != nil {
		if err := e.hitl.CreateRequest(ctx, req); err != nil {
			return fmt.Errorf("engine: create fallback request for node %q: %w", node.ID, err)
		}
	}
	if err := e.store.MarkNode(ctx, st.RunID, store.NodeState{
		NodeID: node.ID,
		Status: store.NodeAwaitingHuman,
	}); err != nil {
		return fmt.Errorf("engine: mark fallback node %q: %w", node.ID, err)
	}
	st.Pending.PendingNodeID = node.ID
	e.emit(ctx, st, stream.Event{
		Type:    stream.EventNodeAwaitingHuman,
		NodeID:  node.ID,
		Payload: map[string]any{"request": req},
	})
	return &HitlPauseError{Request: req}
}

// executeRoutingNode evaluates the node's routes in order and resolves the
// target the run skips to. No match and no else requests a re-plan.
func (e *Engine) executeRoutingNode(ctx context.Context, st *RunState, node *plan.Node) (string, error) {
	snapPayload := st.Context.Snapshot().AsPayload()
	payload := map[string]any{
		"metadata": e.nodeMetadata(node, snapPayload),
		"facets":   snapPayload["facets"],
	}

	selected, resolution := "", "replan"
	var matchedLabel string
	for _, route := range node.Routing.Routes {
		res, err := condition.Evaluate(route.Condition.JSONLogic, payload)
		if err != nil {
			return "", e.failNode(ctx, st, node, fmt.Errorf("engine: routing node %q: %w", node.ID, err))
		}
		if res.Result {
			selected, resolution, matchedLabel = route.To, "match", route.Label
			break
		}
	}
	if selected == "" && node.Routing.ElseTo != "" {
		selected, resolution = node.Routing.ElseTo, "else"
	}

	routingResult := map[string]any{"resolution": resolution}
	if selected != "" {
		routingResult["selectedTarget"] = selected
	}
	if matchedLabel != "" {
		routingResult["label"] = matchedLabel
	}

	if err := e.completeNode(ctx, st, node, map[string]any{"routingResult": routingResult}, nil); err != nil {
		return "", err
	}
	if selected == "" {
		return "", &ReplanRequestedError{
			Reason:  "routing",
			NodeID:  node.ID,
			Details: map[string]any{"routingResult": routingResult},
		}
	}
	return selected, nil
}

// completeBranchNode completes a branch node without capability dispatch;
// branch nodes shape downstream prompts through their bundle only.
func (e *Engine) completeBranchNode(ctx context.Context, st *RunState, node *plan.Node, started time.Time) error {
	payload := map[string]any{
		"branch":   true,
		"strategy": node.Metadata["strategy"],
	}
	if err := e.completeNode(ctx, st, node, payload, nil); err != nil {
		return err
	}
	e.metrics.RecordTimer(telemetry.MetricNodeLatency, time.Since(started), "kind", string(node.Kind))
	return nil
}

// executeCapabilityNode dispatches the capability, projects its output,
// enforces post-conditions with local retries, evaluates runtime policies,
// and validates the node output contract.
func (e *Engine) executeCapabilityNode(ctx context.Context, st *RunState, node *plan.Node, started time.Time) error {
	var rec registry.Record
	if node.CapabilityID != "" {
		var err error
		rec, err = e.registry.Get(ctx, node.CapabilityID)
		if err != nil {
			return e.failNode(ctx, st, node, fmt.Errorf("engine: node %q: %w", node.ID, err))
		}
		if rec.AgentType == registry.AgentHuman {
			return e.awaitHuman(ctx, st, node, rec)
		}
	}

	var guidance []string
	var postResults []condition.FacetResult
	var output map[string]any

	for {
		resp, err := e.runtime.Execute(ctx, e.capabilityRequest(st, node, guidance))
		if err != nil {
			return e.failNode(ctx, st, node, fmt.Errorf("engine: capability %q: %w", node.CapabilityID, err))
		}
		output = resp.Output
		st.Context.UpdateFromNode(node.ID, node.CapabilityID, node.Facets.Output, output)

		postResults = e.evaluatePostConditions(st, rec.PostConditions)
		failed := failedResults(postResults)
		if len(failed) == 0 {
			break
		}

		retry, err := e.handlePostConditionFailure(ctx, st, node, postResults, failed)
		if err != nil {
			return err
		}
		if !retry {
			break
		}
		guidance = append(guidance, retryGuidance(failed))
	}

	if node.Contracts.Output.Mode == envelope.ModeJSONSchema {
		if err := envelope.ValidatePayload(node.Contracts.Output.Schema, output); err != nil {
			verr := &FlexValidationError{Scope: "node", NodeID: node.ID, Err: err}
			e.emit(ctx, st, stream.Event{
				Type:    stream.EventValidationError,
				NodeID:  node.ID,
				Payload: map[string]any{"scope": "node", "message": err.Error()},
			})
			return e.failNode(ctx, st, node, verr)
		}
	}

	completePayload := map[string]any{
		"capabilityId": node.CapabilityID,
		"output":       output,
	}
	if len(postResults) > 0 {
		completePayload["postConditionResults"] = postResults
	}
	if err := e.completeNode(ctx, st, node, completePayload, output); err != nil {
		return err
	}
	e.metrics.IncCounter(telemetry.MetricNodeCompleted, 1, "kind", string(node.Kind))
	e.metrics.RecordTimer(telemetry.MetricNodeLatency, time.Since(started), "kind", string(node.Kind))

	return e.applyRuntimePolicies(ctx, st, node)
}

// handlePostConditionFailure consults the onPostConditionFailed policy for
// the node. It reports whether the node should be re-run; a false return
// with nil error means the failure is tolerated (emit action) and the node
// completes.
func (e *Engine) handlePostConditionFailure(ctx context.Context, st *RunState, node *plan.Node, results, failed []condition.FacetResult) (bool, error) {
	projection := e.projection(st, node)
	p, ok := policy.FindPostConditionPolicy(st.Policies.Runtime, projection)
	if !ok {
		err := &RuntimePolicyFailureError{
			PolicyID: "post_condition_default",
			Message:  fmt.Sprintf("post-conditions unsatisfied for node %q", node.ID),
		}
		return false, e.failNode(ctx, st, node, err)
	}

	if st.Pending.PolicyAttempts == nil {
		st.Pending.PolicyAttempts = make(map[string]int)
	}
	attempts := st.Pending.PolicyAttempts[p.ID]
	if attempts < p.Trigger.MaxRetries {
		st.Pending.PolicyAttempts[p.ID] = attempts + 1
		e.emit(ctx, st, stream.Event{
			Type:   stream.EventPolicyTriggered,
			NodeID: node.ID,
			Payload: map[string]any{
				"policyId":             p.ID,
				"trigger":              string(policy.TriggerOnPostConditionFailed),
				"attempt":              attempts + 1,
				"maxRetries":           p.Trigger.MaxRetries,
				"postConditionResults": results,
			},
		})
		return true, nil
	}

	switch p.Action.Type {
	case policy.ActionReplan:
		if err := e.completeNode(ctx, st, node, map[string]any{
			"capabilityId":         node.CapabilityID,
			"postConditionResults": results,
		}, nil); err != nil {
			return false, err
		}
		return false, &ReplanRequestedError{
			Reason:    "post_condition",
			PolicyID:  p.ID,
			NodeID:    node.ID,
			Rationale: p.Action.Rationale,
			Details:   map[string]any{"postConditionResults": failed},
		}
	case policy.ActionEmit:
		e.bufferEmit(st, p, node.ID)
		return false, nil
	default:
		err := &RuntimePolicyFailureError{PolicyID: p.ID, Message: p.Action.Message}
		return false, e.failNode(ctx, st, node, err)
	}
}

// applyRuntimePolicies evaluates onNodeComplete policies for a node that
// just completed.
func (e *Engine) applyRuntimePolicies(ctx context.Context, st *RunState, node *plan.Node) error {
	eff, err := policy.EvaluateRuntimeEffect(st.Policies.Runtime, e.projection(st, node))
	if err != nil {
		return fmt.Errorf("engine: node %q: %w", node.ID, err)
	}
	if eff == nil {
		return nil
	}
	switch {
	case eff.Kind == policy.EffectReplan:
		return &ReplanRequestedError{
			Reason:    "policy",
			PolicyID:  eff.Policy.ID,
			NodeID:    node.ID,
			Rationale: eff.Policy.Action.Rationale,
		}
	case eff.Policy.Action.Type == policy.ActionEmit:
		e.bufferEmit(st, eff.Policy, node.ID)
		return nil
	default:
		return &RuntimePolicyFailureError{PolicyID: eff.Policy.ID, Message: eff.Policy.Action.Message}
	}
}

// awaitHuman records a pending human task and signals the pause.
func (e *Engine) awaitHuman(ctx context.Context, st *RunState, node *plan.Node, rec registry.Record) error {
	task := hitl.Task{
		ID:           st.RunID + "/" + node.ID,
		RunID:        st.RunID,
		NodeID:       node.ID,
		CapabilityID: node.CapabilityID,
		Status:       hitl.TaskPending,
		CreatedAt:    time.Now().UTC(),
		Payload: map[string]any{
			"objective": st.Envelope.Objective,
			"contract":  node.Contracts.Output,
		},
	}
	nodeCtx := map[string]any{}
	if a := rec.AssignmentDefaults; a != nil {
		task.AssignedTo = a.AssignedTo
		task.Role = a.Role
		task.Instructions = a.Instructions
		nodeCtx["assignedTo"] = a.AssignedTo
		nodeCtx["role"] = a.Role
		nodeCtx["instructions"] = a.Instructions
	}
	if e.hitl != nil {
		if err := e.hitl.CreateTask(ctx, task); err != nil {
			return fmt.Errorf("engine: create human task for node %q: %w", node.ID, err)
		}
	}
	if err := e.store.MarkNode(ctx, st.RunID, store.NodeState{
		NodeID:       node.ID,
		CapabilityID: node.CapabilityID,
		Status:       store.NodeAwaitingHuman,
		Context:      nodeCtx,
	}); err != nil {
		return fmt.Errorf("engine: mark node %q awaiting human: %w", node.ID, err)
	}
	st.Pending.PendingNodeID = node.ID
	e.emit(ctx, st, stream.Event{
		Type:    stream.EventNodeAwaitingHuman,
		NodeID:  node.ID,
		Payload: map[string]any{"task": task},
	})
	return &AwaitingHumanInputError{NodeID: node.ID, Task: task}
}

// ApplySubmission resolves the pending human-assigned node with the
// operator's submission. Accepted work is projected into the run context
// and the node completed; a decline fails the node.
func (e *Engine) ApplySubmission(ctx context.Context, st *RunState, sub hitl.Submission) error {
	nodeID := sub.NodeID
	if nodeID == "" {
		nodeID = st.Pending.PendingNodeID
	}
	node, ok := st.Plan.Node(nodeID)
	if !ok {
		return fmt.Errorf("engine: submission targets unknown node %q", nodeID)
	}

	if sub.Declined {
		reason := sub.Reason
		if reason == "" {
			reason = "operator declined the task"
		}
		if e.hitl != nil && sub.TaskID != "" {
			_ = e.hitl.ResolveTask(ctx, sub.TaskID, hitl.TaskDeclined)
		}
		return e.failNode(ctx, st, node, &RuntimePolicyFailureError{
			PolicyID: "human_submission",
			Message:  reason,
		})
	}

	st.Context.UpdateFromNode(node.ID, node.CapabilityID, node.Facets.Output, sub.Output)
	if node.Contracts.Output.Mode == envelope.ModeJSONSchema {
		if err := envelope.ValidatePayload(node.Contracts.Output.Schema, sub.Output); err != nil {
			return &FlexValidationError{Scope: "node", NodeID: node.ID, Err: err}
		}
	}
	if e.hitl != nil && sub.TaskID != "" {
		_ = e.hitl.ResolveTask(ctx, sub.TaskID, hitl.TaskSubmitted)
	}
	if err := e.completeNode(ctx, st, node, map[string]any{
		"capabilityId": node.CapabilityID,
		"output":       sub.Output,
		"human":        true,
	}, sub.Output); err != nil {
		return err
	}
	st.Pending.PendingNodeID = ""
	return nil
}

// finish runs the goal-condition gate, composes and validates the final
// output.
func (e *Engine) finish(ctx context.Context, st *RunState) (*Result, error) {
	snap := st.Context.Snapshot()
	var lastFacets []string
	if last, ok := st.Plan.LastExecutionNode(); ok {
		lastFacets = last.Facets.Output
	}
	provisional := st.Context.ComposeFinalOutput(st.Envelope.OutputContract, lastFacets)

	var results, failed []condition.FacetResult
	for _, gc := range st.Envelope.GoalConditions {
		value, present := snap.FacetValue(gc.Facet)
		res := condition.EvaluateFacetCondition(gc, value, present)
		results = append(results, res)
		if !res.Satisfied || res.Error != "" {
			failed = append(failed, res)
		}
	}
	if len(failed) > 0 {
		return nil, &GoalConditionFailedError{
			Results:           results,
			Failed:            failed,
			ProvisionalOutput: provisional,
		}
	}

	if st.Envelope.OutputContract.Mode == envelope.ModeJSONSchema {
		if err := envelope.ValidatePayload(st.Envelope.OutputContract.Schema, provisional); err != nil {
			e.emit(ctx, st, stream.Event{
				Type:    stream.EventValidationError,
				Payload: map[string]any{"scope": "final", "message": err.Error()},
			})
			return nil, &FlexValidationError{Scope: "final", Err: err}
		}
	}
	return &Result{FinalOutput: provisional, GoalResults: results}, nil
}

// capabilityRequest derives the invocation payload from the node bundle
// and the current run context.
func (e *Engine) capabilityRequest(st *RunState, node *plan.Node, guidance []string) capability.Request {
	snapPayload := st.Context.Snapshot().AsPayload()
	inputFacets := make(map[string]any, len(node.Facets.Input))
	for _, f := range node.Facets.Input {
		if fs, ok := st.Context.GetFacet(f); ok {
			inputFacets[f] = fs.Value
		} else if v, ok := st.Envelope.Inputs[f]; ok {
			inputFacets[f] = v
		}
	}
	instructions := append([]string{}, node.Bundle.Instructions...)
	instructions = append(instructions, guidance...)
	return capability.Request{
		RunID:              st.RunID,
		NodeID:             node.ID,
		CapabilityID:       node.CapabilityID,
		Objective:          st.Envelope.Objective,
		Instructions:       instructions,
		Inputs:             st.Envelope.Inputs,
		Contract:           node.Contracts.Output,
		InputFacets:        inputFacets,
		FacetProvenance:    node.Bundle.FacetProvenance,
		RunContextSnapshot: snapPayload,
		Metadata:           node.Metadata,
	}
}

// evaluatePostConditions checks each post-condition against the current
// facet values.
func (e *Engine) evaluatePostConditions(st *RunState, conds []condition.FacetCondition) []condition.FacetResult {
	if len(conds) == 0 {
		return nil
	}
	out := make([]condition.FacetResult, 0, len(conds))
	for _, fc := range conds {
		var value any
		fs, present := st.Context.GetFacet(fc.Facet)
		if present {
			value = fs.Value
		}
		out = append(out, condition.EvaluateFacetCondition(fc, value, present))
	}
	return out
}

// projection builds the policy evaluation view of a node.
func (e *Engine) projection(st *RunState, node *plan.Node) policy.NodeProjection {
	snapPayload := st.Context.Snapshot().AsPayload()
	return policy.NodeProjection{
		NodeID:       node.ID,
		CapabilityID: node.CapabilityID,
		Kind:         string(node.Kind),
		Metadata:     e.nodeMetadata(node, snapPayload),
	}
}

// nodeMetadata merges node metadata with the run-context payload.
func (e *Engine) nodeMetadata(node *plan.Node, snapPayload map[string]any) map[string]any {
	meta := make(map[string]any, len(node.Metadata)+1)
	for k, v := range node.Metadata {
		meta[k] = v
	}
	meta["runContextSnapshot"] = snapPayload
	return meta
}

// completeNode persists completion, records the node id, and emits
// node_complete.
func (e *Engine) completeNode(ctx context.Context, st *RunState, node *plan.Node, payload, output map[string]any) error {
	completedAt := time.Now().UTC()
	if err := e.store.MarkNode(ctx, st.RunID, store.NodeState{
		NodeID:      node.ID,
		Status:      store.NodeCompleted,
		Output:      output,
		CompletedAt: &completedAt,
	}); err != nil {
		return fmt.Errorf("engine: mark node %q completed: %w", node.ID, err)
	}
	st.Pending.CompletedNodeIDs = append(st.Pending.CompletedNodeIDs, node.ID)
	if output != nil {
		if st.Pending.NodeOutputs == nil {
			st.Pending.NodeOutputs = make(map[string]map[string]any)
		}
		st.Pending.NodeOutputs[node.ID] = output
	}
	e.emit(ctx, st, stream.Event{Type: stream.EventNodeComplete, NodeID: node.ID, Payload: payload})
	return nil
}

// failNode persists the failure, emits node_error, and returns err.
func (e *Engine) failNode(ctx context.Context, st *RunState, node *plan.Node, err error) error {
	completedAt := time.Now().UTC()
	if serr := e.store.MarkNode(ctx, st.RunID, store.NodeState{
		NodeID:      node.ID,
		Status:      store.NodeFailed,
		Error:       err.Error(),
		CompletedAt: &completedAt,
	}); serr != nil {
		e.logger.Error(ctx, "mark node failed", "node", node.ID, "err", serr)
	}
	e.emit(ctx, st, stream.Event{
		Type:    stream.EventNodeError,
		NodeID:  node.ID,
		Payload: map[string]any{"message": err.Error()},
	})
	return err
}

// markSkipped records a node the routing resolution jumped over.
func (e *Engine) markSkipped(ctx context.Context, st *RunState, node *plan.Node) {
	if err := e.store.MarkNode(ctx, st.RunID, store.NodeState{
		NodeID: node.ID,
		Status: store.NodeSkipped,
	}); err != nil {
		e.logger.Error(ctx, "mark node skipped", "node", node.ID, "err", err)
	}
	st.Pending.CompletedNodeIDs = append(st.Pending.CompletedNodeIDs, node.ID)
}

// bufferEmit stashes an emit-policy event for the terminal frame.
func (e *Engine) bufferEmit(st *RunState, p policy.RuntimePolicy, nodeID string) {
	st.Pending.EmitBuffer = append(st.Pending.EmitBuffer, map[string]any{
		"type":     "emit",
		"policyId": p.ID,
		"event":    p.Action.Event,
		"payload":  p.Action.Payload,
		"nodeId":   nodeID,
	})
}

// failedResults filters the unsatisfied or errored outcomes.
func failedResults(results []condition.FacetResult) []condition.FacetResult {
	var failed []condition.FacetResult
	for _, r := range results {
		if !r.Satisfied || r.Error != "" {
			failed = append(failed, r)
		}
	}
	return failed
}

// retryGuidance renders the corrective instruction appended to the next
// capability invocation after a post-condition failure.
func retryGuidance(failed []condition.FacetResult) string {
	parts := make([]string, 0, len(failed))
	for _, r := range failed {
		desc := r.Facet + r.Path
		if r.Expression != "" {
			desc += " (" + r.Expression + ")"
		}
		if r.Error != "" {
			desc += ": " + r.Error
		}
		parts = append(parts, desc)
	}
	out := "Previous post-condition failures: "
	for i, p := range parts {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}

func (e *Engine) emit(ctx context.Context, st *RunState, ev stream.Event) {
	if st.Emit == nil {
		return
	}
	if err := st.Emit(ctx, ev); err != nil {
		e.logger.Warn(ctx, "event emission failed", "type", string(ev.Type), "err", err)
	}
}
