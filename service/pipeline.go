package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaolu219/banana-slides/model"
	"github.com/xiaolu219/banana-slides/pkg/logger"
)

// outlineItem is one entry of the outline JSON the text model returns:
// either a direct page or a part grouping several pages.
type outlineItem struct {
	Part   string        `json:"part,omitempty"`
	Pages  []outlinePage `json:"pages,omitempty"`
	Title  string        `json:"title,omitempty"`
	Points []string      `json:"points,omitempty"`
}

type outlinePage struct {
	Title  string   `json:"title"`
	Points []string `json:"points,omitempty"`
}

type flatPage struct {
	Part   string
	Title  string
	Points []string
}

// flattenOutline expands part groupings into a flat ordered page list.
func flattenOutline(outline []outlineItem) []flatPage {
	var pages []flatPage
	for _, item := range outline {
		if item.Part != "" && len(item.Pages) > 0 {
			for _, page := range item.Pages {
				pages = append(pages, flatPage{Part: item.Part, Title: page.Title, Points: page.Points})
			}
		} else {
			pages = append(pages, flatPage{Title: item.Title, Points: item.Points})
		}
	}
	return pages
}

// stripCodeFences removes a ```json fence the model sometimes wraps its
// output in.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func decodeOutline(text string) ([]outlineItem, error) {
	var outline []outlineItem
	if err := json.Unmarshal([]byte(stripCodeFences(text)), &outline); err != nil {
		return nil, PermanentError(fmt.Errorf("failed to decode outline JSON: %w", err))
	}
	if len(flattenOutline(outline)) == 0 {
		return nil, PermanentError(fmt.Errorf("outline contains no pages"))
	}
	return outline, nil
}

// outlineTextFromPages renders the numbered outline used in prompts, naming
// each part once and standalone pages by title.
func outlineTextFromPages(pages []*model.Page) string {
	var b strings.Builder
	lastPart := ""
	n := 0
	for _, page := range pages {
		switch {
		case page.Part != "" && page.Part != lastPart:
			n++
			fmt.Fprintf(&b, "%d. %s\n", n, page.Part)
			lastPart = page.Part
		case page.Part == "":
			n++
			title := "Untitled"
			if page.Outline != nil {
				title = page.Outline.Title
			}
			fmt.Fprintf(&b, "%d. %s\n", n, title)
			lastPart = ""
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

var markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\(([^)]+)\)`)

// extractImageRefs pulls object references for material images out of a
// page description's markdown.
func extractImageRefs(text string) []string {
	var refs []string
	for _, m := range markdownImageRe.FindAllStringSubmatch(text, -1) {
		ref := strings.TrimSpace(m[1])
		if strings.HasPrefix(ref, "reference-files/") {
			refs = append(refs, ref)
		}
	}
	return refs
}

// Pipeline sequences the dependent content stages of a project: outline,
// per-page description, per-page image. It registers status entries, submits
// jobs to the worker pool and advances on committed completions.
type Pipeline struct {
	store    *Store
	register *StatusRegister
	pool     *WorkerPool
	ai       GenerationProvider
	storage  ObjectStorage
}

func NewPipeline(store *Store, register *StatusRegister, pool *WorkerPool, ai GenerationProvider, storage ObjectStorage) *Pipeline {
	return &Pipeline{
		store:    store,
		register: register,
		pool:     pool,
		ai:       ai,
		storage:  storage,
	}
}

// referenceContents returns the parsed text of the project's reference files
// whose parse already completed. Unparsed files are skipped, never waited on.
func (p *Pipeline) referenceContents(ctx context.Context, projectID string) []ReferenceContent {
	files, err := p.store.ListFiles(ctx, projectID)
	if err != nil {
		logger.Warn(ctx, "failed to list reference files", "error", err)
		return nil
	}
	var refs []ReferenceContent
	for _, f := range files {
		if f.ParseStatus == model.StatusCompleted && f.ParsedText != "" {
			refs = append(refs, ReferenceContent{Filename: f.Filename, Content: f.ParsedText})
		}
	}
	return refs
}

// TriggerGeneration enqueues pipeline work for the given stage and returns
// the created tasks immediately. Outline runs one project-level job;
// description and image fan out one job per eligible page.
func (p *Pipeline) TriggerGeneration(ctx context.Context, projectID string, stage model.Stage) ([]*model.Task, error) {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	switch stage {
	case model.StageOutline:
		task, err := p.startOutline(ctx, project)
		if err != nil {
			return nil, err
		}
		return []*model.Task{task}, nil
	case model.StageDescription:
		return p.fanOutDescriptions(ctx, project, true)
	case model.StageImage:
		return p.fanOutImages(ctx, project)
	default:
		return nil, fmt.Errorf("unknown generation stage %q", stage)
	}
}

// startOutline runs the project-level outline job. In idea mode the outline
// is generated from the idea prompt; in outline mode it is parsed from the
// user's outline text; in descriptions mode the description text is parsed
// into outline plus per-page descriptions in one preparatory job, after
// which only image jobs remain.
func (p *Pipeline) startOutline(ctx context.Context, project *model.Project) (*model.Task, error) {
	var prompt string
	refs := p.referenceContents(ctx, project.ID)
	descriptionsMode := false

	switch project.CreationMode {
	case model.ModeIdea:
		if project.IdeaPrompt == "" {
			return nil, fmt.Errorf("idea_prompt is required: %w", ErrDependencyNotReady)
		}
		prompt = outlineGenerationPrompt(project.IdeaPrompt, refs)
	case model.ModeOutline:
		if project.OutlineText == "" {
			return nil, fmt.Errorf("outline_text is required: %w", ErrDependencyNotReady)
		}
		prompt = outlineParsingPrompt(project.OutlineText, refs)
	case model.ModeDescriptions:
		if project.DescriptionText == "" {
			return nil, fmt.Errorf("description_text is required: %w", ErrDependencyNotReady)
		}
		prompt = descriptionToOutlinePrompt(project.DescriptionText, refs)
		descriptionsMode = true
	default:
		return nil, fmt.Errorf("unknown creation mode %q", project.CreationMode)
	}

	task, err := p.register.Register(ctx, project.ID, model.StageOutline)
	if err != nil {
		return nil, err
	}

	projectID := project.ID
	descriptionText := project.DescriptionText
	p.pool.Submit(ctx, Job{
		EntityID:   projectID,
		Stage:      model.StageOutline,
		Generation: task.Generation,
		Run: func(ctx context.Context) (*StageResult, error) {
			text, err := p.ai.GenerateText(ctx, prompt, nil)
			if err != nil {
				return nil, err
			}
			outline, err := decodeOutline(text)
			if err != nil {
				return nil, err
			}

			var pageDescs []string
			if descriptionsMode {
				pageDescs, err = p.splitDescriptions(ctx, descriptionText, outline)
				if err != nil {
					return nil, err
				}
			}

			pages := p.buildPages(projectID, flattenOutline(outline), pageDescs)
			return &StageResult{
				Ref: fmt.Sprintf("pages:%d", len(pages)),
				Persist: func(ctx context.Context) error {
					return p.replacePages(ctx, projectID, pages)
				},
			}, nil
		},
		OnComplete: func(ctx context.Context, _ *StageResult) {
			p.advanceAfterOutline(ctx, projectID, descriptionsMode)
		},
	})
	return task, nil
}

// splitDescriptions asks the text model to cut the user's description text
// into one description per outline page. A count mismatch is trimmed to the
// shorter side.
func (p *Pipeline) splitDescriptions(ctx context.Context, descriptionText string, outline []outlineItem) ([]string, error) {
	text, err := p.ai.GenerateText(ctx, descriptionSplitPrompt(descriptionText, outline), nil)
	if err != nil {
		return nil, err
	}
	var descs []string
	if err := json.Unmarshal([]byte(stripCodeFences(text)), &descs); err != nil {
		return nil, PermanentError(fmt.Errorf("failed to decode page descriptions: %w", err))
	}
	return descs, nil
}

func (p *Pipeline) buildPages(projectID string, flat []flatPage, descs []string) []*model.Page {
	if descs != nil && len(descs) < len(flat) {
		flat = flat[:len(descs)]
	}
	pages := make([]*model.Page, 0, len(flat))
	for i, fp := range flat {
		page := &model.Page{
			ID:         uuid.New().String(),
			ProjectID:  projectID,
			OrderIndex: i,
			Part:       fp.Part,
			Outline:    &model.OutlineContent{Title: fp.Title, Points: fp.Points},
			CreatedAt:  time.Now(),
		}
		if descs != nil && i < len(descs) {
			page.Description = &model.DescriptionContent{Text: descs[i], GeneratedAt: time.Now()}
		}
		pages = append(pages, page)
	}
	return pages
}

// replacePages drops a project's previous pages and stores the new set.
func (p *Pipeline) replacePages(ctx context.Context, projectID string, pages []*model.Page) error {
	old, err := p.store.ListPages(ctx, projectID)
	if err != nil {
		return err
	}
	for _, page := range old {
		if err := p.store.DeletePage(ctx, page.ID); err != nil {
			return err
		}
	}

	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	project.PageIDs = project.PageIDs[:0]
	for _, page := range pages {
		if err := p.store.SavePage(ctx, page); err != nil {
			return err
		}
		project.PageIDs = append(project.PageIDs, page.ID)
	}
	return p.store.SaveProject(ctx, project)
}

// advanceAfterOutline marks the freshly created pages' outline stages
// completed, then fans out the next stage: descriptions normally, images
// directly when descriptions were supplied.
func (p *Pipeline) advanceAfterOutline(ctx context.Context, projectID string, descriptionsSupplied bool) {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		logger.Error(ctx, "project vanished after outline completion", "project_id", projectID, "error", err)
		return
	}
	pages, err := p.store.ListPages(ctx, projectID)
	if err != nil {
		logger.Error(ctx, "failed to list pages after outline completion", "project_id", projectID, "error", err)
		return
	}

	for _, page := range pages {
		p.register.MarkCompleted(ctx, page.ID, model.StageOutline, "outline")
		if descriptionsSupplied {
			p.register.MarkCompleted(ctx, page.ID, model.StageDescription, "supplied")
		}
	}

	if descriptionsSupplied {
		if _, err := p.fanOutImages(ctx, project); err != nil {
			logger.Warn(ctx, "image fan-out failed", "project_id", projectID, "error", err)
		}
		return
	}
	if _, err := p.fanOutDescriptions(ctx, project, false); err != nil {
		logger.Warn(ctx, "description fan-out failed", "project_id", projectID, "error", err)
	}
}

// fanOutDescriptions submits one description job per page that has outline
// content and no completed description. With explicit set (a user trigger),
// having no eligible pages is reported as a dependency error; during
// automatic advancement it is just a no-op.
func (p *Pipeline) fanOutDescriptions(ctx context.Context, project *model.Project, explicit bool) ([]*model.Task, error) {
	pages, err := p.store.ListPages(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if explicit && len(pages) == 0 {
		return nil, fmt.Errorf("project has no pages: %w", ErrDependencyNotReady)
	}

	outlineText := outlineTextFromPages(pages)
	refs := p.referenceContents(ctx, project.ID)

	var tasks []*model.Task
	for _, page := range pages {
		if page.Outline == nil {
			continue
		}
		if entry, ok := p.register.GetStage(page.ID, model.StageDescription); ok && entry.Status == model.StatusCompleted {
			continue
		}
		task, err := p.scheduleDescription(ctx, project, page, outlineText, refs)
		if err != nil {
			if err == ErrAlreadyRunning {
				logger.Debug(ctx, "description already scheduled", "page_id", page.ID)
				continue
			}
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	if explicit && len(tasks) == 0 {
		return nil, fmt.Errorf("no pages awaiting descriptions: %w", ErrDependencyNotReady)
	}
	return tasks, nil
}

func (p *Pipeline) scheduleDescription(ctx context.Context, project *model.Project, page *model.Page, outlineText string, refs []ReferenceContent) (*model.Task, error) {
	task, err := p.register.Register(ctx, page.ID, model.StageDescription)
	if err != nil {
		return nil, err
	}

	prompt := pageDescriptionPrompt(project.IdeaPrompt, outlineText,
		page.Outline.Title, page.Outline.Points, page.Part, page.OrderIndex+1, refs)
	pageID := page.ID
	projectID := project.ID

	p.pool.Submit(ctx, Job{
		EntityID:   pageID,
		Stage:      model.StageDescription,
		Generation: task.Generation,
		Run: func(ctx context.Context) (*StageResult, error) {
			text, err := p.ai.GenerateText(ctx, prompt, nil)
			if err != nil {
				return nil, err
			}
			return &StageResult{
				Ref: "description",
				Persist: func(ctx context.Context) error {
					current, err := p.store.GetPage(ctx, pageID)
					if err != nil {
						return err
					}
					current.Description = &model.DescriptionContent{Text: text, GeneratedAt: time.Now()}
					return p.store.SavePage(ctx, current)
				},
			}, nil
		},
		OnComplete: func(ctx context.Context, _ *StageResult) {
			// Each description completion fans out exactly one image job for
			// its own page.
			project, err := p.store.GetProject(ctx, projectID)
			if err != nil {
				logger.Error(ctx, "project vanished before image fan-out", "project_id", projectID, "error", err)
				return
			}
			page, err := p.store.GetPage(ctx, pageID)
			if err != nil {
				logger.Error(ctx, "page vanished before image fan-out", "page_id", pageID, "error", err)
				return
			}
			if _, err := p.scheduleImage(ctx, project, page, false, ""); err != nil && err != ErrAlreadyRunning {
				logger.Warn(ctx, "image scheduling failed", "page_id", pageID, "error", err)
			}
		},
	})
	return task, nil
}

// fanOutImages submits one image job per page whose description stage is
// completed. Pages still waiting on a description are skipped; if none are
// eligible the trigger fails with DependencyNotReady.
func (p *Pipeline) fanOutImages(ctx context.Context, project *model.Project) ([]*model.Task, error) {
	pages, err := p.store.ListPages(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	var tasks []*model.Task
	for _, page := range pages {
		if !p.descriptionReady(page) {
			continue
		}
		task, err := p.scheduleImage(ctx, project, page, false, "")
		if err != nil {
			if err == ErrAlreadyRunning {
				continue
			}
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no pages with completed descriptions: %w", ErrDependencyNotReady)
	}
	return tasks, nil
}

func (p *Pipeline) descriptionReady(page *model.Page) bool {
	if page.Description != nil {
		return true
	}
	entry, ok := p.register.GetStage(page.ID, model.StageDescription)
	return ok && entry.Status == model.StatusCompleted
}

// scheduleImage submits the image job for one page. force supersedes any
// in-flight job for the stage; without force a duplicate trigger fails with
// AlreadyRunning. The image stage never starts before the page's description
// stage has completed.
func (p *Pipeline) scheduleImage(ctx context.Context, project *model.Project, page *model.Page, force bool, editInstruction string) (*model.Task, error) {
	if !p.descriptionReady(page) {
		return nil, fmt.Errorf("page %s description not completed: %w", page.ID, ErrDependencyNotReady)
	}

	var task *model.Task
	var err error
	if force {
		task, err = p.register.Supersede(ctx, page.ID, model.StageImage)
	} else {
		task, err = p.register.Register(ctx, page.ID, model.StageImage)
	}
	if err != nil {
		return nil, err
	}

	pages, err := p.store.ListPages(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	outlineText := outlineTextFromPages(pages)

	currentSection := page.Part
	if currentSection == "" && page.Outline != nil {
		currentSection = page.Outline.Title
	}
	descText := ""
	if page.Description != nil {
		descText = page.Description.Text
	}

	pageID := page.ID
	projectID := project.ID
	templateRef := project.TemplateRef
	extraReq := project.ExtraRequirements
	currentImageRef := page.ImageRef
	generation := task.Generation

	p.pool.Submit(ctx, Job{
		EntityID:   pageID,
		Stage:      model.StageImage,
		Generation: generation,
		Run: func(ctx context.Context) (*StageResult, error) {
			contextImages, hasMaterials, err := p.collectContextImages(ctx, templateRef, currentImageRef, descText, editInstruction != "")
			if err != nil {
				return nil, err
			}

			var prompt string
			if editInstruction != "" {
				prompt = imageEditPrompt(editInstruction, descText)
			} else {
				prompt = imageGenerationPrompt(descText, outlineText, currentSection, hasMaterials, extraReq)
			}

			imageData, err := p.ai.GenerateImage(ctx, prompt, contextImages)
			if err != nil {
				return nil, err
			}

			objectName := PageImageObject(projectID, pageID, generation)
			if err := p.storage.UploadFile(ctx, objectName,
				bytes.NewReader(imageData), int64(len(imageData)), "image/png"); err != nil {
				return nil, TransientError(err)
			}

			return &StageResult{
				Ref: objectName,
				Persist: func(ctx context.Context) error {
					current, err := p.store.GetPage(ctx, pageID)
					if err != nil {
						return err
					}
					current.ImageRef = objectName
					current.ImageVersions = append(current.ImageVersions, model.ImageVersion{
						ObjectName: objectName,
						Generation: generation,
						CreatedAt:  time.Now(),
					})
					return p.store.SavePage(ctx, current)
				},
			}, nil
		},
	})
	return task, nil
}

// collectContextImages gathers the reference images for one image job: the
// template (or the current image when editing) first, then material images
// referenced from the description markdown.
func (p *Pipeline) collectContextImages(ctx context.Context, templateRef, currentImageRef, descText string, editing bool) ([][]byte, bool, error) {
	var images [][]byte

	mainRef := templateRef
	if editing && currentImageRef != "" {
		mainRef = currentImageRef
	}
	if mainRef != "" {
		data, err := p.storage.DownloadFile(ctx, mainRef)
		if err != nil {
			return nil, false, TransientError(fmt.Errorf("failed to load reference image %s: %w", mainRef, err))
		}
		images = append(images, data)
	}

	hasMaterials := false
	for _, ref := range extractImageRefs(descText) {
		data, err := p.storage.DownloadFile(ctx, ref)
		if err != nil {
			logger.Warn(ctx, "material image unavailable, skipping", "ref", ref, "error", err)
			continue
		}
		images = append(images, data)
		hasMaterials = true
	}
	return images, hasMaterials, nil
}

// AppendPage adds a page after outline completion. The page starts with
// outline content supplied and description pending, and is scheduled exactly
// like an original page: description first, image after.
func (p *Pipeline) AppendPage(ctx context.Context, projectID, title string, points []string, part string) (*model.Page, error) {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	pages, err := p.store.ListPages(ctx, projectID)
	if err != nil {
		return nil, err
	}

	page := &model.Page{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		OrderIndex: len(pages),
		Part:       part,
		Outline:    &model.OutlineContent{Title: title, Points: points},
		CreatedAt:  time.Now(),
	}
	if err := p.store.SavePage(ctx, page); err != nil {
		return nil, err
	}
	project.PageIDs = append(project.PageIDs, page.ID)
	if err := p.store.SaveProject(ctx, project); err != nil {
		return nil, err
	}
	p.register.MarkCompleted(ctx, page.ID, model.StageOutline, "appended")

	outlineText := outlineTextFromPages(append(pages, page))
	refs := p.referenceContents(ctx, projectID)
	if _, err := p.scheduleDescription(ctx, project, page, outlineText, refs); err != nil && err != ErrAlreadyRunning {
		return nil, err
	}
	return page, nil
}

// RegeneratePageImage force-regenerates one page's image without touching
// the project's outline or description stages. An in-flight image job for
// the page is superseded; its late completion will be discarded.
func (p *Pipeline) RegeneratePageImage(ctx context.Context, projectID, pageID, editInstruction string) (*model.Task, error) {
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	page, err := p.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if page.ProjectID != projectID {
		return nil, ErrNotFound
	}
	return p.scheduleImage(ctx, project, page, true, editInstruction)
}
