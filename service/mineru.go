package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaolu219/banana-slides/config"
	"github.com/xiaolu219/banana-slides/pkg/logger"
)

// EmbeddedImage is one image extracted from a parsed document. Ref is the
// path the markdown uses to reference it.
type EmbeddedImage struct {
	Ref  string
	Data []byte
}

// ParseResult is a parsed document: markdown text blocks plus the embedded
// images the markdown references.
type ParseResult struct {
	Markdown string
	Images   []EmbeddedImage
}

// ParseProvider turns an uploaded document into text and embedded images.
// From the parse pipeline's view this is one blocking remote call.
type ParseProvider interface {
	Parse(ctx context.Context, fileURL, fileType string) (*ParseResult, error)
}

// MineruService is the MinerU-backed ParseProvider: it creates an extraction
// task from a presigned file URL, polls the task until terminal, then
// downloads the result ZIP and pulls out the markdown and images.
type MineruService struct {
	config     *config.MineruConfig
	httpClient *http.Client
}

func NewMineruService(cfg *config.MineruConfig) *MineruService {
	return &MineruService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type mineruTaskRequest struct {
	URL          string `json:"url"`
	ModelVersion string `json:"model_version"`
	DataID       string `json:"data_id,omitempty"`
}

type mineruTaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

type mineruTaskStatusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID     string `json:"task_id"`
		State      string `json:"state"` // pending, running, converting, done, failed
		FullZipURL string `json:"full_zip_url,omitempty"`
		ErrorMsg   string `json:"err_msg,omitempty"`
	} `json:"data"`
}

// Parse implements ParseProvider.
func (s *MineruService) Parse(ctx context.Context, fileURL, fileType string) (*ParseResult, error) {
	taskID, err := s.createTask(ctx, fileURL)
	if err != nil {
		return nil, err
	}
	logger.Debug(ctx, "parse task created", "task_id", taskID)

	zipURL, err := s.waitForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return s.fetchResult(ctx, zipURL)
}

func (s *MineruService) createTask(ctx context.Context, fileURL string) (string, error) {
	reqBody := mineruTaskRequest{
		URL:          fileURL,
		ModelVersion: s.config.ModelVersion,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", PermanentError(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.config.APIURL+"/extract/task", bytes.NewReader(jsonData))
	if err != nil {
		return "", PermanentError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", TransientError(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", TransientError(fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("MinerU returned HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
		if retryableStatus(resp.StatusCode) {
			return "", TransientError(apiErr)
		}
		return "", PermanentError(apiErr)
	}

	var result mineruTaskResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", TransientError(fmt.Errorf("failed to parse response: %w, body: %s", err, truncate(string(body), 200)))
	}
	if result.Code != 0 {
		return "", PermanentError(fmt.Errorf("MinerU API error: %s", result.Message))
	}
	return result.Data.TaskID, nil
}

// waitForTask polls the task at the configured interval until it is terminal
// or the poll timeout elapses. The ticker is dropped on context cancellation
// so shutdown is clean.
func (s *MineruService) waitForTask(ctx context.Context, taskID string) (string, error) {
	interval := time.Duration(s.config.PollIntervalSec) * time.Second
	deadline := time.Now().Add(time.Duration(s.config.PollTimeoutSec) * time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		status, err := s.getTaskStatus(ctx, taskID)
		if err != nil {
			// One failed poll is not a failed task; keep polling until the
			// deadline.
			logger.Warn(ctx, "poll attempt failed", "task_id", taskID, "error", err)
		} else {
			switch status.Data.State {
			case "done":
				if status.Data.FullZipURL == "" {
					return "", PermanentError(fmt.Errorf("task done but no result URL"))
				}
				return status.Data.FullZipURL, nil
			case "failed":
				return "", PermanentError(fmt.Errorf("parse task failed: %s", status.Data.ErrorMsg))
			}
		}

		if time.Now().After(deadline) {
			return "", TransientError(fmt.Errorf("parse task polling timeout after %ds", s.config.PollTimeoutSec))
		}
	}
}

func (s *MineruService) getTaskStatus(ctx context.Context, taskID string) (*mineruTaskStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/extract/task/%s", s.config.APIURL, taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result mineruTaskStatusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("MinerU API error: %s", result.Message)
	}
	return &result, nil
}

// fetchResult downloads the result ZIP and extracts the markdown document
// and every embedded image.
func (s *MineruService) fetchResult(ctx context.Context, zipURL string) (*ParseResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
	if err != nil {
		return nil, PermanentError(fmt.Errorf("failed to create request: %w", err))
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, TransientError(fmt.Errorf("failed to download result: %w", err))
	}
	defer resp.Body.Close()

	zipData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, TransientError(fmt.Errorf("failed to read result: %w", err))
	}

	zipReader, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, PermanentError(fmt.Errorf("failed to open result ZIP: %w", err))
	}

	result := &ParseResult{}
	for _, file := range zipReader.File {
		switch {
		case strings.HasSuffix(file.Name, ".md") && result.Markdown == "":
			content, err := readZipFile(file)
			if err != nil {
				return nil, PermanentError(fmt.Errorf("failed to read %s: %w", file.Name, err))
			}
			result.Markdown = string(content)
		case strings.Contains(file.Name, "images/") && !file.FileInfo().IsDir():
			content, err := readZipFile(file)
			if err != nil {
				continue
			}
			// Markdown references images relative to the archive root.
			ref := file.Name
			if idx := strings.Index(ref, "images/"); idx >= 0 {
				ref = ref[idx:]
			}
			result.Images = append(result.Images, EmbeddedImage{Ref: ref, Data: content})
		}
	}

	if result.Markdown == "" {
		return nil, PermanentError(fmt.Errorf("no markdown document found in result ZIP"))
	}
	return result, nil
}

func readZipFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
