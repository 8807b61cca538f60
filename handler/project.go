package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xiaolu219/banana-slides/model"
	"github.com/xiaolu219/banana-slides/service"
)

type ProjectHandler struct {
	store    *service.Store
	pipeline *service.Pipeline
	gateway  *service.PollGateway
	register *service.StatusRegister
	storage  service.ObjectStorage
}

func NewProjectHandler(store *service.Store, pipeline *service.Pipeline, gateway *service.PollGateway, register *service.StatusRegister, storage service.ObjectStorage) *ProjectHandler {
	return &ProjectHandler{
		store:    store,
		pipeline: pipeline,
		gateway:  gateway,
		register: register,
		storage:  storage,
	}
}

type createProjectRequest struct {
	CreationMode      model.CreationMode `json:"creation_mode" binding:"required"`
	IdeaPrompt        string             `json:"idea_prompt"`
	OutlineText       string             `json:"outline_text"`
	DescriptionText   string             `json:"description_text"`
	ExtraRequirements string             `json:"extra_requirements"`
	TemplateRef       string             `json:"template_ref"`
}

// Create registers a new project. The mode decides which input field is
// required; generation is a separate explicit trigger.
func (h *ProjectHandler) Create(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.CreationMode {
	case model.ModeIdea:
		if req.IdeaPrompt == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "idea_prompt is required for idea mode"})
			return
		}
	case model.ModeOutline:
		if req.OutlineText == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "outline_text is required for outline mode"})
			return
		}
	case model.ModeDescriptions:
		if req.DescriptionText == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "description_text is required for descriptions mode"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "creation_mode must be one of idea, outline, descriptions"})
		return
	}

	project := &model.Project{
		ID:                uuid.New().String(),
		CreationMode:      req.CreationMode,
		IdeaPrompt:        req.IdeaPrompt,
		OutlineText:       req.OutlineText,
		DescriptionText:   req.DescriptionText,
		ExtraRequirements: req.ExtraRequirements,
		TemplateRef:       req.TemplateRef,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	if err := h.store.SaveProject(c.Request.Context(), project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save project: " + err.Error()})
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *ProjectHandler) List(c *gin.Context) {
	projects, err := h.store.ListProjects(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list projects: " + err.Error()})
		return
	}

	result := make([]gin.H, len(projects))
	for i, p := range projects {
		result[i] = gin.H{
			"id":            p.ID,
			"creation_mode": p.CreationMode,
			"page_count":    len(p.PageIDs),
			"created_at":    p.CreatedAt,
			"updated_at":    p.UpdatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"projects": result})
}

func (h *ProjectHandler) Get(c *gin.Context) {
	project, err := h.store.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, project)
}

type updateProjectRequest struct {
	IdeaPrompt        *string  `json:"idea_prompt"`
	ExtraRequirements *string  `json:"extra_requirements"`
	PagesOrder        []string `json:"pages_order"`
}

// Update edits mutable project fields. pages_order reorders the existing
// pages and must name every page exactly once.
func (h *ProjectHandler) Update(c *gin.Context) {
	var req updateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	project, err := h.store.GetProject(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if req.IdeaPrompt != nil {
		project.IdeaPrompt = *req.IdeaPrompt
	}
	if req.ExtraRequirements != nil {
		project.ExtraRequirements = *req.ExtraRequirements
	}

	if len(req.PagesOrder) > 0 {
		pages, err := h.store.ListPages(ctx, project.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		byID := make(map[string]*model.Page, len(pages))
		for _, page := range pages {
			byID[page.ID] = page
		}
		if len(req.PagesOrder) != len(pages) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pages_order must list every page exactly once"})
			return
		}
		seen := make(map[string]bool, len(req.PagesOrder))
		for _, pageID := range req.PagesOrder {
			if byID[pageID] == nil || seen[pageID] {
				c.JSON(http.StatusBadRequest, gin.H{"error": "pages_order must list every page exactly once"})
				return
			}
			seen[pageID] = true
		}
		for i, pageID := range req.PagesOrder {
			page := byID[pageID]
			page.OrderIndex = i
			page.UpdatedAt = time.Now()
			if err := h.store.SavePage(ctx, page); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		project.PageIDs = req.PagesOrder
	}

	project.UpdatedAt = time.Now()
	if err := h.store.SaveProject(ctx, project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, project)
}

// Delete removes the project, its pages and their status entries. Reference
// files survive.
func (h *ProjectHandler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	pages, err := h.store.ListPages(ctx, id)
	if err == nil {
		for _, page := range pages {
			h.register.DropEntity(ctx, page.ID)
		}
	}
	h.register.DropEntity(ctx, id)

	if err := h.store.DeleteProject(ctx, id); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Project deleted"})
}

// Generate triggers a pipeline stage. Returns 202 with the created tasks; a
// duplicate trigger for an in-flight stage is a 409, a stage whose inputs
// are not ready yet a 409 as well with a distinct message.
func (h *ProjectHandler) Generate(c *gin.Context) {
	stage := model.Stage(c.Param("stage"))
	switch stage {
	case model.StageOutline, model.StageDescription, model.StageImage:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "stage must be one of outline, description, image"})
		return
	}

	tasks, err := h.pipeline.TriggerGeneration(c.Request.Context(), c.Param("id"), stage)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		case errors.Is(err, service.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "Generation already in progress"})
		case errors.Is(err, service.ErrDependencyNotReady):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"tasks": tasks})
}

// Status returns the aggregate snapshot clients poll during generation.
func (h *ProjectHandler) Status(c *gin.Context) {
	snapshot, err := h.gateway.Project(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// Pages lists the project's pages in order, with a presigned URL for each
// generated image.
func (h *ProjectHandler) Pages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.store.GetProject(ctx, id); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	pages, err := h.store.ListPages(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	result := make([]gin.H, len(pages))
	for i, page := range pages {
		entry := gin.H{
			"id":          page.ID,
			"order_index": page.OrderIndex,
			"part":        page.Part,
			"outline":     page.Outline,
			"description": page.Description,
		}
		if page.ImageRef != "" {
			if url, err := h.storage.GetPresignedURL(ctx, page.ImageRef); err == nil {
				entry["image_url"] = url
			}
		}
		result[i] = entry
	}
	c.JSON(http.StatusOK, gin.H{"pages": result})
}

type appendPageRequest struct {
	Title  string   `json:"title" binding:"required"`
	Points []string `json:"points"`
	Part   string   `json:"part"`
}

// AppendPage adds a page to an existing project and schedules its
// description and image.
func (h *ProjectHandler) AppendPage(c *gin.Context) {
	var req appendPageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, err := h.pipeline.AppendPage(c.Request.Context(), c.Param("id"), req.Title, req.Points, req.Part)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, page)
}

type regenerateImageRequest struct {
	EditInstruction string `json:"edit_instruction"`
}

// RegenerateImage force-regenerates one page's image, superseding any job
// still in flight for it.
func (h *ProjectHandler) RegenerateImage(c *gin.Context) {
	var req regenerateImageRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	task, err := h.pipeline.RegeneratePageImage(c.Request.Context(),
		c.Param("id"), c.Param("pageId"), req.EditInstruction)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Page not found"})
		case errors.Is(err, service.ErrDependencyNotReady):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}
