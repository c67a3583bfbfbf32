package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/awesomeposter/flex/flex/condition"
	"github.com/awesomeposter/flex/flex/hitl"
	"github.com/awesomeposter/flex/flex/plan"
	"github.com/awesomeposter/flex/flex/runctx"
	"github.com/awesomeposter/flex/flex/store"
)

const (
	defaultRunsCollection      = "flex_runs"
	defaultSnapshotsCollection = "flex_plan_snapshots"
	defaultNodesCollection     = "flex_plan_nodes"
	defaultOutputsCollection   = "flex_run_outputs"
	defaultOpTimeout           = 5 * time.Second
	storeClientName            = "flex-store-mongo"
)

type (
	// Options configures the Mongo store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Timeout bounds each store operation; defaults to 5s.
		Timeout time.Duration
	}

	// Store implements store.Store on MongoDB. Plan snapshots are keyed by
	// (runId, planVersion) with a unique index; saving an existing version
	// replaces the row.
	Store struct {
		client    *mongodriver.Client
		runs      *mongodriver.Collection
		snapshots *mongodriver.Collection
		nodes     *mongodriver.Collection
		outputs   *mongodriver.Collection
		timeout   time.Duration
	}
)

// New builds a Store and ensures its indexes.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:    opts.Client,
		runs:      db.Collection(defaultRunsCollection),
		snapshots: db.Collection(defaultSnapshotsCollection),
		nodes:     db.Collection(defaultNodesCollection),
		outputs:   db.Collection(defaultOutputsCollection),
		timeout:   timeout,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongo store: ensure indexes: %w", err)
	}
	return s, nil
}

// Name implements health naming for probe registration.
func (s *Store) Name() string { return storeClientName }

// Ping implements the health pinger contract.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.runs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.runs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "updated_at", Value: -1}},
	}); err != nil {
		return err
	}
	if _, err := s.snapshots.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "plan_version", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.nodes.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "node_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := s.outputs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// CreateOrUpdateRun implements store.Store.
func (s *Store) CreateOrUpdateRun(ctx context.Context, rec store.RunRecord) error {
	if rec.RunID == "" {
		return errors.New("mongo store: run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	set := bson.M{
		"run_id":      rec.RunID,
		"status":      string(rec.Status),
		"objective":   rec.Objective,
		"updated_at":  now,
		"schema_hash": rec.SchemaHash,
	}
	if rec.ThreadID != "" {
		set["thread_id"] = rec.ThreadID
	}
	if rec.Metadata != nil {
		set["metadata"] = rec.Metadata
	}
	if rec.Envelope != nil {
		set["envelope"] = rec.Envelope
	}
	_, err := s.runs.UpdateOne(ctx,
		bson.M{"run_id": rec.RunID},
		bson.M{"$set": set, "$setOnInsert": bson.M{"created_at": now}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// UpdateStatus implements store.Store.
func (s *Store) UpdateStatus(ctx context.Context, runID string, status store.RunStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.runs.UpdateOne(ctx,
		bson.M{"run_id": runID},
		bson.M{"$set": bson.M{"status": string(status), "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongo store: run %q: %w", runID, store.ErrNotFound)
	}
	return nil
}

// SaveRunContext implements store.Store.
func (s *Store) SaveRunContext(ctx context.Context, runID string, snap runctx.Snapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.runs.UpdateOne(ctx,
		bson.M{"run_id": runID},
		bson.M{"$set": bson.M{"context_snapshot": snap, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongo store: run %q: %w", runID, store.ErrNotFound)
	}
	return nil
}

// SavePlanSnapshot implements store.Store. The (runId, planVersion) pair is
// unique; re-saving a version replaces the document in place. The run
// record's plan version tracks the highest saved version.
func (s *Store) SavePlanSnapshot(ctx context.Context, snap store.PlanSnapshot) error {
	if snap.RunID == "" || snap.Version <= 0 {
		return errors.New("mongo store: plan snapshot requires run id and positive version")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	set := bson.M{
		"run_id":       snap.RunID,
		"plan_version": snap.Version,
		"plan":         snap.Plan,
		"schema_hash":  snap.SchemaHash,
		"updated_at":   now,
	}
	if snap.Pending != nil {
		set["pending"] = snap.Pending
	}
	if snap.Facets != nil {
		set["facets"] = snap.Facets
	}
	if snap.Metadata != nil {
		set["metadata"] = snap.Metadata
	}
	if _, err := s.snapshots.UpdateOne(ctx,
		bson.M{"run_id": snap.RunID, "plan_version": snap.Version},
		bson.M{"$set": set, "$setOnInsert": bson.M{"created_at": now}},
		options.UpdateOne().SetUpsert(true),
	); err != nil {
		return err
	}
	_, err := s.runs.UpdateOne(ctx,
		bson.M{"run_id": snap.RunID},
		bson.M{
			"$max": bson.M{"plan_version": snap.Version},
			"$set": bson.M{"updated_at": now},
		},
	)
	return err
}

// MarkNode implements store.Store. Only the fields present in the state
// are written, so a completion update keeps the recorded start time and
// capability id.
func (s *Store) MarkNode(ctx context.Context, runID string, state store.NodeState) error {
	if state.NodeID == "" {
		return errors.New("mongo store: node id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{
		"run_id":  runID,
		"node_id": state.NodeID,
		"status":  string(state.Status),
	}
	if state.CapabilityID != "" {
		set["capability_id"] = state.CapabilityID
	}
	if state.Label != "" {
		set["label"] = state.Label
	}
	if state.Context != nil {
		set["context"] = state.Context
	}
	if state.Output != nil {
		set["output"] = state.Output
	}
	if state.Error != "" {
		set["error"] = state.Error
	}
	if state.StartedAt != nil {
		set["started_at"] = state.StartedAt.UTC()
	}
	if state.CompletedAt != nil {
		set["completed_at"] = state.CompletedAt.UTC()
	}
	_, err := s.nodes.UpdateOne(ctx,
		bson.M{"run_id": runID, "node_id": state.NodeID},
		bson.M{"$set": set},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// RecordResult implements store.Store.
func (s *Store) RecordResult(ctx context.Context, runID string, output map[string]any, opts store.ResultOptions) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	set := bson.M{
		"run_id":       runID,
		"status":       "final",
		"output":       output,
		"plan_version": opts.PlanVersion,
		"schema_hash":  opts.SchemaHash,
		"updated_at":   now,
	}
	if opts.Facets != nil {
		set["facets"] = opts.Facets
	}
	if len(opts.GoalConditionResults) > 0 {
		set["goal_condition_results"] = opts.GoalConditionResults
	}
	if _, err := s.outputs.UpdateOne(ctx,
		bson.M{"run_id": runID},
		bson.M{"$set": set, "$setOnInsert": bson.M{"recorded_at": now}},
		options.UpdateOne().SetUpsert(true),
	); err != nil {
		return err
	}
	_, err := s.runs.UpdateOne(ctx,
		bson.M{"run_id": runID},
		bson.M{"$set": bson.M{"result": output, "updated_at": now}},
	)
	return err
}

// RecordPendingResult implements store.Store. A recorded final output is
// never demoted; the guarded upsert simply matches nothing in that case.
func (s *Store) RecordPendingResult(ctx context.Context, runID string, output map[string]any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	_, err := s.outputs.UpdateOne(ctx,
		bson.M{"run_id": runID, "status": bson.M{"$ne": "final"}},
		bson.M{
			"$set":         bson.M{"run_id": runID, "status": "pending", "output": output, "updated_at": now},
			"$setOnInsert": bson.M{"recorded_at": now},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && mongodriver.IsDuplicateKeyError(err) {
		// A final output already exists for the run.
		return nil
	}
	return err
}

// LoadRun implements store.Store.
func (s *Store) LoadRun(ctx context.Context, runID string) (store.RunRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.RunRecord{}, fmt.Errorf("mongo store: run %q: %w", runID, store.ErrNotFound)
		}
		return store.RunRecord{}, err
	}
	return doc.toRecord(), nil
}

// FindRunByThreadID implements store.Store, returning the most recently
// updated run on the thread.
func (s *Store) FindRunByThreadID(ctx context.Context, threadID string) (store.RunRecord, error) {
	if threadID == "" {
		return store.RunRecord{}, errors.New("mongo store: thread id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	err := s.runs.FindOne(ctx,
		bson.M{"thread_id": threadID},
		options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.RunRecord{}, fmt.Errorf("mongo store: thread %q: %w", threadID, store.ErrNotFound)
		}
		return store.RunRecord{}, err
	}
	return doc.toRecord(), nil
}

// LoadPlanSnapshot implements store.Store. A zero version loads the
// highest persisted version.
func (s *Store) LoadPlanSnapshot(ctx context.Context, runID string, version int) (store.PlanSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": runID}
	opts := options.FindOne()
	if version > 0 {
		filter["plan_version"] = version
	} else {
		opts = opts.SetSort(bson.D{{Key: "plan_version", Value: -1}})
	}
	var doc snapshotDocument
	if err := s.snapshots.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.PlanSnapshot{}, fmt.Errorf("mongo store: plan snapshot %q v%d: %w", runID, version, store.ErrNotFound)
		}
		return store.PlanSnapshot{}, err
	}
	return doc.toSnapshot(), nil
}

// LoadRunOutput implements store.Store.
func (s *Store) LoadRunOutput(ctx context.Context, runID string) (store.RunOutput, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc outputDocument
	if err := s.outputs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.RunOutput{}, fmt.Errorf("mongo store: output for run %q: %w", runID, store.ErrNotFound)
		}
		return store.RunOutput{}, err
	}
	return doc.toOutput(), nil
}

// LoadRunDebug implements store.Store: the run, node states, output, and
// snapshot count composed into one redacted document.
func (s *Store) LoadRunDebug(ctx context.Context, runID string) (map[string]any, error) {
	rec, err := s.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{"run": recordDoc(rec)}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.nodes.Find(ctx,
		bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var nodeDocs []bson.M
	if err := cursor.All(ctx, &nodeDocs); err != nil {
		return nil, err
	}
	if len(nodeDocs) > 0 {
		nodes := make([]any, 0, len(nodeDocs))
		for _, n := range nodeDocs {
			delete(n, "_id")
			nodes = append(nodes, map[string]any(n))
		}
		doc["nodes"] = nodes
	}

	var out bson.M
	if err := s.outputs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&out); err == nil {
		delete(out, "_id")
		doc["output"] = map[string]any(out)
	}

	count, err := s.snapshots.CountDocuments(ctx, bson.M{"run_id": runID})
	if err != nil {
		return nil, err
	}
	doc["planSnapshots"] = int(count)
	return store.RedactDebug(doc), nil
}

// ListPendingHumanTasks implements store.Store by deriving tasks from
// awaiting_human node documents.
func (s *Store) ListPendingHumanTasks(ctx context.Context, filter hitl.TaskFilter) ([]hitl.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.nodes.Find(ctx,
		bson.M{"status": string(store.NodeAwaitingHuman)},
		options.Find().SetSort(bson.D{{Key: "run_id", Value: 1}, {Key: "started_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []nodeDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	var tasks []hitl.Task
	for _, d := range docs {
		task := d.toTask()
		if filter.Matches(task) {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type (
	runDocument struct {
		RunID           string           `bson:"run_id"`
		ThreadID        string           `bson:"thread_id,omitempty"`
		Status          string           `bson:"status"`
		Objective       string           `bson:"objective,omitempty"`
		Envelope        map[string]any   `bson:"envelope,omitempty"`
		SchemaHash      string           `bson:"schema_hash,omitempty"`
		Metadata        map[string]any   `bson:"metadata,omitempty"`
		ContextSnapshot *runctx.Snapshot `bson:"context_snapshot,omitempty"`
		Result          map[string]any   `bson:"result,omitempty"`
		PlanVersion     int              `bson:"plan_version,omitempty"`
		CreatedAt       time.Time        `bson:"created_at"`
		UpdatedAt       time.Time        `bson:"updated_at"`
	}

	nodeDocument struct {
		RunID        string         `bson:"run_id"`
		NodeID       string         `bson:"node_id"`
		CapabilityID string         `bson:"capability_id,omitempty"`
		Label        string         `bson:"label,omitempty"`
		Status       string         `bson:"status"`
		Context      map[string]any `bson:"context,omitempty"`
		Output       map[string]any `bson:"output,omitempty"`
		Error        string         `bson:"error,omitempty"`
		StartedAt    *time.Time     `bson:"started_at,omitempty"`
		CompletedAt  *time.Time     `bson:"completed_at,omitempty"`
	}

	snapshotDocument struct {
		RunID       string              `bson:"run_id"`
		PlanVersion int                 `bson:"plan_version"`
		Plan        *plan.Plan          `bson:"plan,omitempty"`
		Facets      *runctx.Snapshot    `bson:"facets,omitempty"`
		SchemaHash  string              `bson:"schema_hash,omitempty"`
		Pending     *store.PendingState `bson:"pending,omitempty"`
		Metadata    map[string]any      `bson:"metadata,omitempty"`
		CreatedAt   time.Time           `bson:"created_at"`
		UpdatedAt   time.Time           `bson:"updated_at"`
	}

	outputDocument struct {
		RunID                string                  `bson:"run_id"`
		PlanVersion          int                     `bson:"plan_version,omitempty"`
		SchemaHash           string                  `bson:"schema_hash,omitempty"`
		Status               string                  `bson:"status"`
		Output               map[string]any          `bson:"output,omitempty"`
		Facets               *runctx.Snapshot        `bson:"facets,omitempty"`
		GoalConditionResults []condition.FacetResult `bson:"goal_condition_results,omitempty"`
		RecordedAt           time.Time               `bson:"recorded_at"`
		UpdatedAt            time.Time               `bson:"updated_at"`
	}
)

func (d runDocument) toRecord() store.RunRecord {
	return store.RunRecord{
		RunID:           d.RunID,
		ThreadID:        d.ThreadID,
		Status:          store.RunStatus(d.Status),
		Objective:       d.Objective,
		Envelope:        d.Envelope,
		SchemaHash:      d.SchemaHash,
		Metadata:        d.Metadata,
		ContextSnapshot: d.ContextSnapshot,
		Result:          d.Result,
		PlanVersion:     d.PlanVersion,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func (d snapshotDocument) toSnapshot() store.PlanSnapshot {
	return store.PlanSnapshot{
		RunID:      d.RunID,
		Version:    d.PlanVersion,
		Plan:       d.Plan,
		Facets:     d.Facets,
		SchemaHash: d.SchemaHash,
		Pending:    d.Pending,
		Metadata:   d.Metadata,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func (d outputDocument) toOutput() store.RunOutput {
	return store.RunOutput{
		RunID:                d.RunID,
		PlanVersion:          d.PlanVersion,
		SchemaHash:           d.SchemaHash,
		Status:               d.Status,
		Output:               d.Output,
		Facets:               d.Facets,
		GoalConditionResults: d.GoalConditionResults,
		RecordedAt:           d.RecordedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

func recordDoc(rec store.RunRecord) map[string]any {
	doc := map[string]any{
		"runId":       rec.RunID,
		"status":      string(rec.Status),
		"objective":   rec.Objective,
		"planVersion": rec.PlanVersion,
	}
	if rec.ThreadID != "" {
		doc["threadId"] = rec.ThreadID
	}
	if rec.Metadata != nil {
		doc["metadata"] = rec.Metadata
	}
	if rec.Envelope != nil {
		doc["envelope"] = rec.Envelope
	}
	if rec.Result != nil {
		doc["result"] = rec.Result
	}
	return doc
}

func (d nodeDocument) toTask() hitl.Task {
	task := hitl.Task{
		ID:           d.RunID + "/" + d.NodeID,
		RunID:        d.RunID,
		NodeID:       d.NodeID,
		CapabilityID: d.CapabilityID,
		Status:       hitl.TaskPending,
	}
	if v, ok := d.Context["assignedTo"].(string); ok {
		task.AssignedTo = v
	}
	if v, ok := d.Context["role"].(string); ok {
		task.Role = v
	}
	if v, ok := d.Context["instructions"].(string); ok {
		task.Instructions = v
	}
	if d.StartedAt != nil {
		task.CreatedAt = *d.StartedAt
	}
	return task
}
