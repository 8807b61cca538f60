package model

import (
	"time"
)

// Status is the lifecycle state of a stage or a parse job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further automatic transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage identifies one generation step or the parse step.
type Stage string

const (
	StageOutline     Stage = "outline"
	StageDescription Stage = "description"
	StageImage       Stage = "image"
	StageParse       Stage = "parse"
)

// CreationMode selects how a project's pages come into existence.
type CreationMode string

const (
	ModeIdea         CreationMode = "idea"
	ModeOutline      CreationMode = "outline"
	ModeDescriptions CreationMode = "descriptions"
)

// Project is a multi-page presentation under generation.
type Project struct {
	ID                string       `json:"id"`
	CreationMode      CreationMode `json:"creation_mode"`
	IdeaPrompt        string       `json:"idea_prompt,omitempty"`
	OutlineText       string       `json:"outline_text,omitempty"`
	DescriptionText   string       `json:"description_text,omitempty"`
	ExtraRequirements string       `json:"extra_requirements,omitempty"`
	TemplateRef       string       `json:"template_ref,omitempty"`
	PageIDs           []string     `json:"page_ids"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// OutlineContent is the outline stage result for one page.
type OutlineContent struct {
	Title  string   `json:"title"`
	Points []string `json:"points,omitempty"`
}

// DescriptionContent is the description stage result for one page.
type DescriptionContent struct {
	Text        string    `json:"text"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ImageVersion records one generated image for a page. The generation number
// ties the object to the register entry that produced it.
type ImageVersion struct {
	ObjectName string    `json:"object_name"`
	Generation uint64    `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
}

// Page is a single slide. Its three stages (outline, description, image)
// carry independent statuses in the status register.
type Page struct {
	ID            string              `json:"id"`
	ProjectID     string              `json:"project_id"`
	OrderIndex    int                 `json:"order_index"`
	Part          string              `json:"part,omitempty"`
	Outline       *OutlineContent     `json:"outline,omitempty"`
	Description   *DescriptionContent `json:"description,omitempty"`
	ImageRef      string              `json:"image_ref,omitempty"`
	ImageVersions []ImageVersion      `json:"image_versions,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}
