package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xiaolu219/banana-slides/config"
	"github.com/xiaolu219/banana-slides/model"
)

// fakeAI scripts the text and image providers. Text responses are dispatched
// on prompt content so one fake covers every stage.
type fakeAI struct {
	mu         sync.Mutex
	textFn     func(prompt string) (string, error)
	imageErr   error
	captionFn  func(image []byte) (string, error)
	textCalls  []string
	imageCalls int
}

func (f *fakeAI) GenerateText(ctx context.Context, prompt string, contextImages [][]byte) (string, error) {
	f.mu.Lock()
	f.textCalls = append(f.textCalls, prompt)
	fn := f.textFn
	f.mu.Unlock()
	if fn == nil {
		return "", errors.New("no text script")
	}
	return fn(prompt)
}

func (f *fakeAI) GenerateImage(ctx context.Context, prompt string, contextImages [][]byte) ([]byte, error) {
	f.mu.Lock()
	f.imageCalls++
	f.mu.Unlock()
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return []byte("png-bytes"), nil
}

func (f *fakeAI) imageCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imageCalls
}

func (f *fakeAI) textPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.textCalls...)
}

func (f *fakeAI) Caption(ctx context.Context, image []byte) (string, error) {
	f.mu.Lock()
	fn := f.captionFn
	f.mu.Unlock()
	if fn == nil {
		return "a picture", nil
	}
	return fn(image)
}

// fakeStorage is an in-memory ObjectStorage.
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (s *fakeStorage) UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectName] = data
	return nil
}

func (s *fakeStorage) DownloadFile(ctx context.Context, objectName string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[objectName]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectName)
	}
	return data, nil
}

func (s *fakeStorage) GetPresignedURL(ctx context.Context, objectName string) (string, error) {
	return "http://storage.test/" + objectName, nil
}

func (s *fakeStorage) DeleteFile(ctx context.Context, objectName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectName)
	return nil
}

func (s *fakeStorage) has(objectName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[objectName]
	return ok
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(&config.StoreConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type pipelineFixture struct {
	store    *Store
	register *StatusRegister
	pool     *WorkerPool
	ai       *fakeAI
	storage  *fakeStorage
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	store := newTestStore(t)
	register := NewStatusRegister(store, time.Hour)
	pool := NewWorkerPool(4, testRetryPolicy(2), register)
	ai := &fakeAI{}
	storage := newFakeStorage()
	return &pipelineFixture{
		store:    store,
		register: register,
		pool:     pool,
		ai:       ai,
		storage:  storage,
		pipeline: NewPipeline(store, register, pool, ai, storage),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// scriptIdeaMode answers the outline prompt with a three-page outline and
// every page description prompt with a fixed description.
func scriptIdeaMode(f *fakeAI) {
	f.textFn = func(prompt string) (string, error) {
		if strings.Contains(prompt, "generates an outline") {
			return `[
				{"title": "Intro", "points": ["who", "why"]},
				{"part": "Part 1: Body", "pages": [
					{"title": "Main", "points": ["what"]},
					{"title": "Detail", "points": ["how"]}
				]}
			]`, nil
		}
		if strings.Contains(prompt, "generating the text description") {
			return "Page description text", nil
		}
		return "", fmt.Errorf("unexpected prompt: %s", prompt)
	}
}

func (fx *pipelineFixture) allImagesCompleted(ctx context.Context, t *testing.T, projectID string) func() bool {
	return func() bool {
		pages, err := fx.store.ListPages(ctx, projectID)
		if err != nil || len(pages) == 0 {
			return false
		}
		for _, page := range pages {
			entry, ok := fx.register.GetStage(page.ID, model.StageImage)
			if !ok || entry.Status != model.StatusCompleted {
				return false
			}
		}
		return true
	}
}

func TestIdeaModeFullRun(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)
	scriptIdeaMode(fx.ai)

	project := &model.Project{
		ID:           "proj-1",
		CreationMode: model.ModeIdea,
		IdeaPrompt:   "a deck about bananas",
		CreatedAt:    time.Now(),
	}
	if err := fx.store.SaveProject(ctx, project); err != nil {
		t.Fatalf("SaveProject failed: %v", err)
	}

	tasks, err := fx.pipeline.TriggerGeneration(ctx, "proj-1", model.StageOutline)
	if err != nil {
		t.Fatalf("TriggerGeneration failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("Outline trigger should return one task, got %d", len(tasks))
	}

	waitFor(t, "all page images", fx.allImagesCompleted(ctx, t, "proj-1"))

	pages, _ := fx.store.ListPages(ctx, "proj-1")
	if len(pages) != 3 {
		t.Fatalf("Expected 3 flattened pages, got %d", len(pages))
	}
	if pages[0].Outline.Title != "Intro" {
		t.Errorf("Expected first page Intro, got %s", pages[0].Outline.Title)
	}
	if pages[1].Part != "Part 1: Body" {
		t.Errorf("Expected part carried onto page 2, got %q", pages[1].Part)
	}
	for _, page := range pages {
		if page.Description == nil || page.Description.Text == "" {
			t.Errorf("Page %s missing description", page.ID)
		}
		if page.ImageRef == "" {
			t.Errorf("Page %s missing image ref", page.ID)
		}
		if !fx.storage.has(page.ImageRef) {
			t.Errorf("Image object %s not uploaded", page.ImageRef)
		}
		entry, _ := fx.register.GetStage(page.ID, model.StageOutline)
		if entry.Status != model.StatusCompleted {
			t.Errorf("Page outline stage should be completed, got %s", entry.Status)
		}
	}
}

func TestOutlineTriggerRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)

	block := make(chan struct{})
	fx.ai.textFn = func(prompt string) (string, error) {
		<-block
		return `[{"title": "Only", "points": []}]`, nil
	}

	project := &model.Project{ID: "proj-1", CreationMode: model.ModeIdea, IdeaPrompt: "x"}
	fx.store.SaveProject(ctx, project)

	if _, err := fx.pipeline.TriggerGeneration(ctx, "proj-1", model.StageOutline); err != nil {
		t.Fatalf("First trigger failed: %v", err)
	}
	if _, err := fx.pipeline.TriggerGeneration(ctx, "proj-1", model.StageOutline); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	close(block)
}

func TestOutlineFailureCreatesNoPages(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)
	fx.ai.textFn = func(prompt string) (string, error) {
		return "this is not JSON", nil
	}

	project := &model.Project{ID: "proj-1", CreationMode: model.ModeIdea, IdeaPrompt: "x"}
	fx.store.SaveProject(ctx, project)

	if _, err := fx.pipeline.TriggerGeneration(ctx, "proj-1", model.StageOutline); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	waitFor(t, "outline failure", func() bool {
		entry, ok := fx.register.GetStage("proj-1", model.StageOutline)
		return ok && entry.Status == model.StatusFailed
	})

	pages, _ := fx.store.ListPages(ctx, "proj-1")
	if len(pages) != 0 {
		t.Errorf("Failed outline must not create pages, got %d", len(pages))
	}
	if n := fx.ai.imageCallCount(); n != 0 {
		t.Errorf("No downstream stage should run after outline failure, got %d image calls", n)
	}
}

func TestDescriptionsModeSkipsDescriptionJobs(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)
	fx.ai.textFn = func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "extracts the outline structure"):
			return `[{"title": "One", "points": ["a"]}, {"title": "Two", "points": ["b"]}]`, nil
		case strings.Contains(prompt, "splits a complete slide description"):
			return `["First page text", "Second page text"]`, nil
		}
		return "", fmt.Errorf("unexpected prompt in descriptions mode: %s", prompt)
	}

	project := &model.Project{
		ID:              "proj-1",
		CreationMode:    model.ModeDescriptions,
		DescriptionText: "Page one says X. Page two says Y.",
	}
	fx.store.SaveProject(ctx, project)

	if _, err := fx.pipeline.TriggerGeneration(ctx, "proj-1", model.StageOutline); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	waitFor(t, "all page images", fx.allImagesCompleted(ctx, t, "proj-1"))

	pages, _ := fx.store.ListPages(ctx, "proj-1")
	if len(pages) != 2 {
		t.Fatalf("Expected 2 pages, got %d", len(pages))
	}
	if pages[0].Description.Text != "First page text" {
		t.Errorf("Supplied description should be split verbatim, got %q", pages[0].Description.Text)
	}
	for _, page := range pages {
		entry, _ := fx.register.GetStage(page.ID, model.StageDescription)
		if entry.Status != model.StatusCompleted {
			t.Errorf("Description stage should complete without a job, got %s", entry.Status)
		}
	}
	// No page description prompts were issued
	for _, call := range fx.ai.textPrompts() {
		if strings.Contains(call, "generating the text description") {
			t.Error("Descriptions mode must not run description jobs")
		}
	}
}

func TestImageTriggerRequiresDescription(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)

	project := &model.Project{ID: "proj-1", CreationMode: model.ModeIdea, IdeaPrompt: "x"}
	fx.store.SaveProject(ctx, project)
	page := &model.Page{
		ID:        "page-1",
		ProjectID: "proj-1",
		Outline:   &model.OutlineContent{Title: "T"},
	}
	fx.store.SavePage(ctx, page)

	_, err := fx.pipeline.TriggerGeneration(ctx, "proj-1", model.StageImage)
	if !errors.Is(err, ErrDependencyNotReady) {
		t.Errorf("Expected ErrDependencyNotReady, got %v", err)
	}
}

func TestRegeneratePageImageSupersedes(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)
	scriptIdeaMode(fx.ai)

	project := &model.Project{ID: "proj-1", CreationMode: model.ModeIdea, IdeaPrompt: "bananas"}
	fx.store.SaveProject(ctx, project)

	if _, err := fx.pipeline.TriggerGeneration(ctx, "proj-1", model.StageOutline); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitFor(t, "all page images", fx.allImagesCompleted(ctx, t, "proj-1"))

	pages, _ := fx.store.ListPages(ctx, "proj-1")
	target := pages[0]
	firstRef := target.ImageRef

	task, err := fx.pipeline.RegeneratePageImage(ctx, "proj-1", target.ID, "make it blue")
	if err != nil {
		t.Fatalf("RegeneratePageImage failed: %v", err)
	}
	if task.Generation < 2 {
		t.Errorf("Regeneration must bump the generation, got %d", task.Generation)
	}

	waitFor(t, "regenerated image", func() bool {
		page, err := fx.store.GetPage(ctx, target.ID)
		return err == nil && page.ImageRef != firstRef
	})

	page, _ := fx.store.GetPage(ctx, target.ID)
	if len(page.ImageVersions) < 2 {
		t.Errorf("Expected image history, got %d versions", len(page.ImageVersions))
	}
}

func TestRegeneratePageImageWrongProject(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)

	fx.store.SaveProject(ctx, &model.Project{ID: "proj-1", CreationMode: model.ModeIdea, IdeaPrompt: "x"})
	fx.store.SaveProject(ctx, &model.Project{ID: "proj-2", CreationMode: model.ModeIdea, IdeaPrompt: "y"})
	fx.store.SavePage(ctx, &model.Page{ID: "page-1", ProjectID: "proj-2"})

	if _, err := fx.pipeline.RegeneratePageImage(ctx, "proj-1", "page-1", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Page of another project must be not found, got %v", err)
	}
}

func TestAppendPage(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)
	scriptIdeaMode(fx.ai)

	project := &model.Project{ID: "proj-1", CreationMode: model.ModeIdea, IdeaPrompt: "bananas"}
	fx.store.SaveProject(ctx, project)

	if _, err := fx.pipeline.TriggerGeneration(ctx, "proj-1", model.StageOutline); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitFor(t, "all page images", fx.allImagesCompleted(ctx, t, "proj-1"))

	page, err := fx.pipeline.AppendPage(ctx, "proj-1", "Appendix", []string{"extra"}, "")
	if err != nil {
		t.Fatalf("AppendPage failed: %v", err)
	}
	if page.OrderIndex != 3 {
		t.Errorf("Appended page should follow existing pages, got index %d", page.OrderIndex)
	}

	entry, _ := fx.register.GetStage(page.ID, model.StageOutline)
	if entry.Status != model.StatusCompleted {
		t.Errorf("Appended page outline is supplied, expected completed, got %s", entry.Status)
	}

	waitFor(t, "appended page image", func() bool {
		got, err := fx.store.GetPage(ctx, page.ID)
		return err == nil && got.ImageRef != ""
	})
}

func TestMaterialImagesFlowIntoImageJob(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t)

	// A parsed reference image stored under the reference-files prefix
	materialRef := "reference-files/f1/images/chart.png"
	fx.storage.UploadFile(ctx, materialRef, bytes.NewReader([]byte("chart")), 5, "image/png")

	fx.ai.textFn = func(prompt string) (string, error) {
		if strings.Contains(prompt, "generates an outline") {
			return `[{"title": "Only", "points": ["p"]}]`, nil
		}
		return fmt.Sprintf("Body with material ![chart](%s)", materialRef), nil
	}

	project := &model.Project{ID: "proj-1", CreationMode: model.ModeIdea, IdeaPrompt: "bananas"}
	fx.store.SaveProject(ctx, project)

	if _, err := fx.pipeline.TriggerGeneration(ctx, "proj-1", model.StageOutline); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitFor(t, "all page images", fx.allImagesCompleted(ctx, t, "proj-1"))

	pages, _ := fx.store.ListPages(ctx, "proj-1")
	if got := extractImageRefs(pages[0].Description.Text); len(got) != 1 || got[0] != materialRef {
		t.Errorf("Expected material ref extracted, got %v", got)
	}
}

func TestFlattenOutline(t *testing.T) {
	outline := []outlineItem{
		{Title: "Solo", Points: []string{"a"}},
		{Part: "P1", Pages: []outlinePage{{Title: "A"}, {Title: "B"}}},
		{Title: "End"},
	}
	flat := flattenOutline(outline)
	if len(flat) != 4 {
		t.Fatalf("Expected 4 pages, got %d", len(flat))
	}
	if flat[1].Part != "P1" || flat[2].Part != "P1" {
		t.Error("Part should be carried onto its pages")
	}
	if flat[0].Part != "" || flat[3].Part != "" {
		t.Error("Standalone pages should have no part")
	}
}

func TestStripCodeFences(t *testing.T) {
	cases := map[string]string{
		"```json\n[1]\n```": "[1]",
		"```\n[1]\n```":     "[1]",
		"[1]":               "[1]",
		"  [1]  ":           "[1]",
	}
	for in, want := range cases {
		if got := stripCodeFences(in); got != want {
			t.Errorf("stripCodeFences(%q) = %q, want %q", in, got, want)
		}
	}
}
