package model

import (
	"time"
)

// ReferenceFile is an uploaded document parsed in the background. It may be
// associated with a project but is independently owned: deleting the project
// does not delete the file.
type ReferenceFile struct {
	ID                 string    `json:"id"`
	ProjectID          string    `json:"project_id,omitempty"`
	Filename           string    `json:"filename"`
	Size               int64     `json:"size"`
	ContentType        string    `json:"content_type"`
	ObjectName         string    `json:"object_name"`
	ParseStatus        Status    `json:"parse_status"`
	ParsedText         string    `json:"parsed_text,omitempty"`
	CaptionFailedCount int       `json:"caption_failed_count"`
	ErrorMsg           string    `json:"error_msg,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	ParsedAt           time.Time `json:"parsed_at,omitempty"`
}
