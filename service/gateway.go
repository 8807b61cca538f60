package service

import (
	"context"
	"time"

	"github.com/xiaolu219/banana-slides/model"
)

// StageStatus is one (stage, status) pair as exposed to pollers.
type StageStatus struct {
	Stage     model.Stage  `json:"stage"`
	Status    model.Status `json:"status"`
	Error     string       `json:"error,omitempty"`
	ResultRef string       `json:"result_ref,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// PageStatus is the per-page view inside a project snapshot.
type PageStatus struct {
	PageID     string        `json:"page_id"`
	OrderIndex int           `json:"order_index"`
	Stages     []StageStatus `json:"stages"`
}

// ProjectStatus is one consistent snapshot of a project's pipeline: the
// outline stage plus every page's stages, rolled up into an overall status.
type ProjectStatus struct {
	ProjectID string       `json:"project_id"`
	Overall   model.Status `json:"overall"`
	Outline   *StageStatus `json:"outline,omitempty"`
	Pages     []PageStatus `json:"pages"`
}

// PollGateway answers status polls against the register without touching the
// pipelines. Reads are cheap snapshots; pollers never block a job.
type PollGateway struct {
	store    *Store
	register *StatusRegister
}

func NewPollGateway(store *Store, register *StatusRegister) *PollGateway {
	return &PollGateway{store: store, register: register}
}

func toStageStatus(e StatusEntry) StageStatus {
	return StageStatus{
		Stage:     e.Stage,
		Status:    e.Status,
		Error:     e.Error,
		ResultRef: e.ResultRef,
		UpdatedAt: e.UpdatedAt,
	}
}

// EntityStatus returns every stage entry registered for the entity. An
// entity with no entries yields an empty slice, not an error: absence of
// status is a valid answer for a page that was never scheduled.
func (g *PollGateway) EntityStatus(entityID string) []StageStatus {
	entries := g.register.Get(entityID)
	statuses := make([]StageStatus, 0, len(entries))
	for _, e := range entries {
		statuses = append(statuses, toStageStatus(e))
	}
	return statuses
}

// Project builds the aggregate snapshot. Overall is failed if any stage
// failed, completed only when every page's image completed (and there is at
// least one page), running while anything is still moving, pending
// otherwise.
func (g *PollGateway) Project(ctx context.Context, projectID string) (*ProjectStatus, error) {
	if _, err := g.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	pages, err := g.store.ListPages(ctx, projectID)
	if err != nil {
		return nil, err
	}

	snapshot := &ProjectStatus{ProjectID: projectID, Pages: make([]PageStatus, 0, len(pages))}
	if outline, ok := g.register.GetStage(projectID, model.StageOutline); ok {
		s := toStageStatus(outline)
		snapshot.Outline = &s
	}

	anyFailed := false
	anyActive := false
	imagesCompleted := 0
	if snapshot.Outline != nil {
		switch snapshot.Outline.Status {
		case model.StatusFailed:
			anyFailed = true
		case model.StatusRunning, model.StatusPending:
			anyActive = true
		}
	}

	for _, page := range pages {
		ps := PageStatus{PageID: page.ID, OrderIndex: page.OrderIndex}
		for _, e := range g.register.Get(page.ID) {
			ps.Stages = append(ps.Stages, toStageStatus(e))
			switch e.Status {
			case model.StatusFailed:
				anyFailed = true
			case model.StatusRunning, model.StatusPending:
				anyActive = true
			case model.StatusCompleted:
				if e.Stage == model.StageImage {
					imagesCompleted++
				}
			}
		}
		snapshot.Pages = append(snapshot.Pages, ps)
	}

	switch {
	case anyFailed:
		snapshot.Overall = model.StatusFailed
	case len(pages) > 0 && imagesCompleted == len(pages):
		snapshot.Overall = model.StatusCompleted
	case anyActive:
		snapshot.Overall = model.StatusRunning
	default:
		snapshot.Overall = model.StatusPending
	}
	return snapshot, nil
}

// File returns the stored file record together with its live parse entry, so
// a poll sees the register state even before the record catches up.
func (g *PollGateway) File(ctx context.Context, fileID string) (*model.ReferenceFile, *StageStatus, error) {
	file, err := g.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if entry, ok := g.register.GetStage(fileID, model.StageParse); ok {
		s := toStageStatus(entry)
		return file, &s, nil
	}
	return file, nil, nil
}

// TaskStatus resolves a submitted task by id.
func (g *PollGateway) TaskStatus(taskID string) (model.Task, bool) {
	return g.register.Task(taskID)
}
