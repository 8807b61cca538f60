package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaolu219/banana-slides/model"
)

// StatusEntry is the durable per-(entity, stage) status record. Generation
// is a monotonic counter bumped on every registration; completions carrying
// an older generation are discarded.
type StatusEntry struct {
	EntityID   string       `json:"entity_id"`
	Stage      model.Stage  `json:"stage"`
	Status     model.Status `json:"status"`
	Generation uint64       `json:"generation"`
	Error      string       `json:"error,omitempty"`
	ResultRef  string       `json:"result_ref,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

type statusKey struct {
	entityID string
	stage    model.Stage
}

// StatusRegister is the single piece of state mutated by concurrent jobs.
// Every update happens under one lock as a compare-and-update keyed by
// (entity, stage, generation); jobs never hold the lock across remote calls.
type StatusRegister struct {
	mu        sync.RWMutex
	entries   map[statusKey]*StatusEntry
	tasks     map[string]*model.Task
	store     *Store
	retention time.Duration
}

// NewStatusRegister creates a register. store may be nil for tests; when set,
// every committed update is written through so entries survive restarts.
func NewStatusRegister(store *Store, retention time.Duration) *StatusRegister {
	return &StatusRegister{
		entries:   make(map[statusKey]*StatusEntry),
		tasks:     make(map[string]*model.Task),
		store:     store,
		retention: retention,
	}
}

// Restore reloads persisted entries. Entries left in running state belong to
// jobs lost with the previous process, so they are marked failed; a new
// registration with a fresh generation is required to rerun them.
func (r *StatusRegister) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	entries, err := r.store.LoadStatusEntries(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.Status == model.StatusRunning || e.Status == model.StatusPending {
			e.Status = model.StatusFailed
			e.Error = "interrupted by restart"
			e.UpdatedAt = time.Now()
			r.persist(ctx, e)
		}
		r.entries[statusKey{e.EntityID, e.Stage}] = e
	}
	slog.Info("status register restored", "entries", len(entries))
	return nil
}

// persist must be called with the lock held.
func (r *StatusRegister) persist(ctx context.Context, e *StatusEntry) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveStatusEntry(ctx, e); err != nil {
		slog.Warn("failed to persist status entry",
			"entity_id", e.EntityID, "stage", e.Stage, "error", err)
	}
}

// Register creates a pending entry for (entityID, stage), bumping the
// generation counter. It fails with ErrAlreadyRunning if a job is in flight
// for that pair, enforcing at most one concurrent job per stage.
func (r *StatusRegister) Register(ctx context.Context, entityID string, stage model.Stage) (*model.Task, error) {
	return r.register(ctx, entityID, stage, false)
}

// Supersede registers a new generation unconditionally. An in-flight job for
// the pair keeps running, but its completion will carry a stale generation
// and be discarded. This is the force-regenerate path.
func (r *StatusRegister) Supersede(ctx context.Context, entityID string, stage model.Stage) (*model.Task, error) {
	return r.register(ctx, entityID, stage, true)
}

func (r *StatusRegister) register(ctx context.Context, entityID string, stage model.Stage, force bool) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := statusKey{entityID, stage}
	entry, ok := r.entries[key]
	if !ok {
		entry = &StatusEntry{EntityID: entityID, Stage: stage}
		r.entries[key] = entry
	}

	if !force && (entry.Status == model.StatusRunning || entry.Status == model.StatusPending) && entry.Generation > 0 {
		return nil, ErrAlreadyRunning
	}

	entry.Generation++
	entry.Status = model.StatusPending
	entry.Error = ""
	entry.ResultRef = ""
	entry.UpdatedAt = time.Now()
	r.persist(ctx, entry)

	task := &model.Task{
		ID:         uuid.New().String(),
		EntityID:   entityID,
		Stage:      stage,
		Status:     model.StatusPending,
		Generation: entry.Generation,
		CreatedAt:  time.Now(),
	}
	r.tasks[task.ID] = task
	return task, nil
}

// MarkCompleted registers a fresh generation for (entity, stage) and
// completes it in the same critical section. Used when stage content is
// supplied directly (description-mode pages, appended page outlines) rather
// than produced by a job.
func (r *StatusRegister) MarkCompleted(ctx context.Context, entityID string, stage model.Stage, resultRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := statusKey{entityID, stage}
	entry, ok := r.entries[key]
	if !ok {
		entry = &StatusEntry{EntityID: entityID, Stage: stage}
		r.entries[key] = entry
	}
	entry.Generation++
	entry.Status = model.StatusCompleted
	entry.ResultRef = resultRef
	entry.Error = ""
	entry.UpdatedAt = time.Now()
	r.persist(ctx, entry)
}

// Transition atomically applies an update if generation matches the current
// registered generation; otherwise it is a silent no-op (stale completion
// discard). A terminal entry is never moved again within the same generation.
// For completed, payload is the result reference; for failed, the error text.
func (r *StatusRegister) Transition(ctx context.Context, entityID string, stage model.Stage, generation uint64, newStatus model.Status, payload string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(ctx, entityID, stage, generation, newStatus, payload)
}

// CommitResult applies a completed transition and runs the domain write for
// the job's payload while the lock is still held. The generation check and
// the write therefore act as one compare-and-update: a stale completion
// never persists its result. If the write fails, the entry is marked failed
// instead.
func (r *StatusRegister) CommitResult(ctx context.Context, entityID string, stage model.Stage, generation uint64, resultRef string, persistResult func(ctx context.Context) error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[statusKey{entityID, stage}]
	if !ok || entry.Generation != generation || entry.Status.Terminal() {
		return false
	}

	if persistResult != nil {
		if err := persistResult(ctx); err != nil {
			r.applyLocked(ctx, entityID, stage, generation, model.StatusFailed,
				"failed to persist result: "+err.Error())
			return false
		}
	}
	return r.applyLocked(ctx, entityID, stage, generation, model.StatusCompleted, resultRef)
}

// applyLocked must be called with the lock held.
func (r *StatusRegister) applyLocked(ctx context.Context, entityID string, stage model.Stage, generation uint64, newStatus model.Status, payload string) bool {
	entry, ok := r.entries[statusKey{entityID, stage}]
	if !ok || entry.Generation != generation {
		return false
	}
	if entry.Status.Terminal() {
		return false
	}

	entry.Status = newStatus
	switch newStatus {
	case model.StatusCompleted:
		entry.ResultRef = payload
		entry.Error = ""
	case model.StatusFailed:
		entry.Error = payload
	}
	entry.UpdatedAt = time.Now()
	r.persist(ctx, entry)

	for _, task := range r.tasks {
		if task.EntityID == entityID && task.Stage == stage && task.Generation == generation {
			task.Status = newStatus
			task.Error = entry.Error
			if newStatus.Terminal() {
				now := time.Now()
				task.FinishedAt = &now
			}
		}
	}
	return true
}

// Get returns a copy of every stage entry for the entity. The snapshot
// reflects the latest committed transition with no propagation delay.
func (r *StatusRegister) Get(entityID string) []StatusEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []StatusEntry
	for key, entry := range r.entries {
		if key.entityID == entityID {
			out = append(out, *entry)
		}
	}
	return out
}

// GetStage returns the entry for one (entity, stage) pair.
func (r *StatusRegister) GetStage(entityID string, stage model.Stage) (StatusEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[statusKey{entityID, stage}]
	if !ok {
		return StatusEntry{}, false
	}
	return *entry, true
}

// Task returns a copy of the tracked task, if still retained.
func (r *StatusRegister) Task(id string) (model.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return *task, true
}

// Ack marks a task acknowledged so the sweeper can collect it.
func (r *StatusRegister) Ack(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return false
	}
	task.Acked = true
	return true
}

// SweepTasks drops acknowledged tasks and finished tasks older than the
// retention window. Returns how many were collected.
func (r *StatusRegister) SweepTasks(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, task := range r.tasks {
		expired := task.FinishedAt != nil && now.Sub(*task.FinishedAt) > r.retention
		if (task.Acked && task.Status.Terminal()) || expired {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// DropEntity removes all register state for an entity (cascading delete).
func (r *StatusRegister) DropEntity(ctx context.Context, entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.entries {
		if key.entityID == entityID {
			delete(r.entries, key)
		}
	}
	if r.store != nil {
		if err := r.store.DeleteStatusEntries(ctx, entityID); err != nil {
			slog.Warn("failed to delete status entries", "entity_id", entityID, "error", err)
		}
	}
}
