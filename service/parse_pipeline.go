package service

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xiaolu219/banana-slides/model"
	"github.com/xiaolu219/banana-slides/pkg/logger"
)

// ParsePipeline turns an uploaded reference document into text plus
// captioned images. Parsing runs on the shared worker pool; captioning uses
// its own semaphore so a burst of image-heavy documents cannot starve the
// generation stages.
type ParsePipeline struct {
	store      *Store
	register   *StatusRegister
	pool       *WorkerPool
	parser     ParseProvider
	captioner  CaptionProvider
	storage    ObjectStorage
	captionSem *semaphore.Weighted
}

func NewParsePipeline(store *Store, register *StatusRegister, pool *WorkerPool, parser ParseProvider, captioner CaptionProvider, storage ObjectStorage, captionWorkers int) *ParsePipeline {
	if captionWorkers <= 0 {
		captionWorkers = 1
	}
	return &ParsePipeline{
		store:      store,
		register:   register,
		pool:       pool,
		parser:     parser,
		captioner:  captioner,
		storage:    storage,
		captionSem: semaphore.NewWeighted(int64(captionWorkers)),
	}
}

// TriggerParse starts parsing the file. A duplicate trigger while a parse is
// in flight returns the file unchanged rather than an error, so upload
// handlers can call it unconditionally.
func (p *ParsePipeline) TriggerParse(ctx context.Context, fileID string) (*model.ReferenceFile, error) {
	file, err := p.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	task, err := p.register.Register(ctx, fileID, model.StageParse)
	if err != nil {
		if err == ErrAlreadyRunning {
			return file, nil
		}
		return nil, err
	}

	// A re-parse of a completed file keeps the old result visible until the
	// new run commits; anything else shows pending right away.
	if file.ParseStatus != model.StatusCompleted {
		file.ParseStatus = model.StatusPending
		file.ErrorMsg = ""
		if err := p.store.SaveFile(ctx, file); err != nil {
			return nil, err
		}
	}

	objectName := file.ObjectName
	filename := file.Filename
	p.pool.Submit(ctx, Job{
		EntityID:   fileID,
		Stage:      model.StageParse,
		Generation: task.Generation,
		Run: func(ctx context.Context) (*StageResult, error) {
			return p.parse(ctx, fileID, objectName, filename)
		},
		OnFailure: func(ctx context.Context, err error) {
			p.markFailed(ctx, fileID, err)
		},
	})

	return file, nil
}

func (p *ParsePipeline) parse(ctx context.Context, fileID, objectName, filename string) (*StageResult, error) {
	if err := p.markRunning(ctx, fileID); err != nil {
		return nil, err
	}

	fileURL, err := p.storage.GetPresignedURL(ctx, objectName)
	if err != nil {
		return nil, TransientError(fmt.Errorf("failed to presign %s: %w", objectName, err))
	}

	result, err := p.parser.Parse(ctx, fileURL, strings.TrimPrefix(path.Ext(filename), "."))
	if err != nil {
		return nil, err
	}

	markdown, failedCaptions := p.captionImages(ctx, fileID, result)

	return &StageResult{
		Ref: objectName,
		Persist: func(ctx context.Context) error {
			file, err := p.store.GetFile(ctx, fileID)
			if err != nil {
				return err
			}
			file.ParsedText = markdown
			file.ParseStatus = model.StatusCompleted
			file.CaptionFailedCount = failedCaptions
			file.ErrorMsg = ""
			file.ParsedAt = time.Now()
			return p.store.SaveFile(ctx, file)
		},
	}, nil
}

// captionImages uploads each embedded image, captions it under the caption
// semaphore and rewrites the markdown so every image reference points at the
// stored object and carries its caption as alt text. A failed caption keeps
// the image with empty alt text; the failure count is surfaced on the file.
func (p *ParsePipeline) captionImages(ctx context.Context, fileID string, result *ParseResult) (string, int) {
	markdown := result.Markdown
	if len(result.Images) == 0 {
		return markdown, 0
	}

	type captioned struct {
		originalRef string
		objectName  string
		caption     string
		failed      bool
	}
	items := make([]captioned, len(result.Images))

	var wg sync.WaitGroup
	for i, img := range result.Images {
		items[i].originalRef = img.Ref
		items[i].objectName = ReferenceFileObject(fileID, img.Ref)

		if err := p.storage.UploadFile(ctx, items[i].objectName,
			bytes.NewReader(img.Data), int64(len(img.Data)), "image/png"); err != nil {
			logger.Warn(ctx, "failed to store parsed image", "ref", img.Ref, "error", err)
			items[i].failed = true
			continue
		}

		wg.Add(1)
		go func(i int, data []byte) {
			defer wg.Done()
			if err := p.captionSem.Acquire(ctx, 1); err != nil {
				items[i].failed = true
				return
			}
			defer p.captionSem.Release(1)

			caption, err := p.captioner.Caption(ctx, data)
			if err != nil {
				logger.Warn(ctx, "image caption failed", "file_id", fileID, "ref", items[i].originalRef, "error", err)
				items[i].failed = true
				return
			}
			items[i].caption = caption
		}(i, img.Data)
	}
	wg.Wait()

	failed := 0
	for _, item := range items {
		if item.failed {
			failed++
		}
		markdown = rewriteImageRef(markdown, item.originalRef, item.objectName, item.caption)
	}
	return markdown, failed
}

// rewriteImageRef replaces every markdown image pointing at originalRef with
// one pointing at objectName, using caption as the alt text.
func rewriteImageRef(markdown, originalRef, objectName, caption string) string {
	replacement := fmt.Sprintf("![%s](%s)", caption, objectName)
	for _, m := range markdownImageRe.FindAllStringSubmatch(markdown, -1) {
		if strings.TrimSpace(m[1]) == originalRef {
			markdown = strings.ReplaceAll(markdown, m[0], replacement)
		}
	}
	return markdown
}

// markRunning mirrors the running status onto the stored file so pollers
// that read the file record see the same state as the register.
func (p *ParsePipeline) markRunning(ctx context.Context, fileID string) error {
	file, err := p.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if file.ParseStatus == model.StatusCompleted {
		// Re-parse of a completed file keeps the old text visible until the
		// new result commits.
		return nil
	}
	file.ParseStatus = model.StatusRunning
	return p.store.SaveFile(ctx, file)
}

func (p *ParsePipeline) markFailed(ctx context.Context, fileID string, cause error) {
	file, err := p.store.GetFile(ctx, fileID)
	if err != nil {
		logger.Error(ctx, "file vanished during parse", "file_id", fileID, "error", err)
		return
	}
	file.ParseStatus = model.StatusFailed
	file.ErrorMsg = cause.Error()
	if err := p.store.SaveFile(ctx, file); err != nil {
		logger.Error(ctx, "failed to persist parse failure", "file_id", fileID, "error", err)
	}
}
