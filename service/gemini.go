package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xiaolu219/banana-slides/config"
)

// GenerationProvider is the remote AI call surface the stage pipeline needs.
type GenerationProvider interface {
	GenerateText(ctx context.Context, prompt string, contextImages [][]byte) (string, error)
	GenerateImage(ctx context.Context, prompt string, contextImages [][]byte) ([]byte, error)
}

// CaptionProvider captions one embedded image during document parsing.
type CaptionProvider interface {
	Caption(ctx context.Context, image []byte) (string, error)
}

// GeminiClient talks to a Gemini-compatible generateContent endpoint. One
// client serves text, image and caption calls with separately configured
// models.
type GeminiClient struct {
	config     *config.AIConfig
	httpClient *http.Client
}

func NewGeminiClient(cfg *config.AIConfig) *GeminiClient {
	return &GeminiClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspect_ratio,omitempty"`
	ImageSize   string `json:"image_size,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"response_modalities,omitempty"`
	ImageConfig        *geminiImageConfig `json:"image_config,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generation_config,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *GeminiClient) generate(ctx context.Context, model string, parts []geminiPart, genCfg *geminiGenerationConfig) (*geminiResponse, error) {
	reqBody := geminiRequest{
		Contents:         []geminiContent{{Parts: parts}},
		GenerationConfig: genCfg,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, PermanentError(fmt.Errorf("failed to marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.config.APIBase, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, PermanentError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures and timeouts are worth a retry.
		return nil, TransientError(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, TransientError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("API returned HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
		if retryableStatus(resp.StatusCode) {
			return nil, TransientError(apiErr)
		}
		return nil, PermanentError(apiErr)
	}

	var result geminiResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, TransientError(fmt.Errorf("failed to parse response: %w", err))
	}
	if result.Error != nil {
		return nil, PermanentError(fmt.Errorf("API error %s: %s", result.Error.Status, result.Error.Message))
	}
	if len(result.Candidates) == 0 {
		return nil, PermanentError(fmt.Errorf("no candidates in API response"))
	}
	// Safety blocks are content-policy rejections, never retried.
	if reason := result.Candidates[0].FinishReason; reason == "SAFETY" || reason == "PROHIBITED_CONTENT" {
		return nil, PermanentError(fmt.Errorf("generation blocked: %s", reason))
	}
	return &result, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func imageParts(prompt string, contextImages [][]byte) []geminiPart {
	parts := make([]geminiPart, 0, len(contextImages)+1)
	parts = append(parts, geminiPart{Text: prompt})
	for _, img := range contextImages {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: http.DetectContentType(img),
			Data:     base64.StdEncoding.EncodeToString(img),
		}})
	}
	return parts
}

// GenerateText runs the text model and returns the first text part.
func (c *GeminiClient) GenerateText(ctx context.Context, prompt string, contextImages [][]byte) (string, error) {
	resp, err := c.generate(ctx, c.config.TextModel, imageParts(prompt, contextImages), nil)
	if err != nil {
		return "", err
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			return part.Text, nil
		}
	}
	return "", PermanentError(fmt.Errorf("no text found in API response"))
}

// GenerateImage runs the image model and returns the first image part's raw
// bytes.
func (c *GeminiClient) GenerateImage(ctx context.Context, prompt string, contextImages [][]byte) ([]byte, error) {
	genCfg := &geminiGenerationConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		ImageConfig: &geminiImageConfig{
			AspectRatio: c.config.AspectRatio,
			ImageSize:   c.config.Resolution,
		},
	}
	resp, err := c.generate(ctx, c.config.ImageModel, imageParts(prompt, contextImages), genCfg)
	if err != nil {
		return nil, err
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil {
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, PermanentError(fmt.Errorf("failed to decode image data: %w", err))
			}
			return data, nil
		}
	}
	return nil, PermanentError(fmt.Errorf("no image found in API response"))
}

// Caption describes one embedded image with the caption model.
func (c *GeminiClient) Caption(ctx context.Context, image []byte) (string, error) {
	parts := imageParts(captionPrompt(), [][]byte{image})
	resp, err := c.generate(ctx, c.config.CaptionModel, parts, nil)
	if err != nil {
		return "", err
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			return part.Text, nil
		}
	}
	return "", PermanentError(fmt.Errorf("no caption found in API response"))
}
