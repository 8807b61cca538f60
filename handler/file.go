package handler

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xiaolu219/banana-slides/model"
	"github.com/xiaolu219/banana-slides/service"
)

var allowedUploadExts = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".md":   "text/markdown",
	".txt":  "text/plain",
}

type FileHandler struct {
	store   *service.Store
	parse   *service.ParsePipeline
	gateway *service.PollGateway
	storage service.ObjectStorage
}

func NewFileHandler(store *service.Store, parse *service.ParsePipeline, gateway *service.PollGateway, storage service.ObjectStorage) *FileHandler {
	return &FileHandler{
		store:   store,
		parse:   parse,
		gateway: gateway,
		storage: storage,
	}
}

// Upload stores a reference document and kicks off background parsing. The
// response returns immediately with parse_status pending.
func (h *FileHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	expectedType, ok := allowedUploadExts[ext]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported file type " + ext})
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = expectedType
	}

	fileID := uuid.New().String()
	objectName := service.ReferenceFileObject(fileID, header.Filename)

	ctx := c.Request.Context()
	if err := h.storage.UploadFile(ctx, objectName, file, header.Size, contentType); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upload file: " + err.Error()})
		return
	}

	record := &model.ReferenceFile{
		ID:          fileID,
		ProjectID:   c.PostForm("project_id"),
		Filename:    header.Filename,
		Size:        header.Size,
		ContentType: contentType,
		ObjectName:  objectName,
		ParseStatus: model.StatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := h.store.SaveFile(ctx, record); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file record: " + err.Error()})
		return
	}

	if _, err := h.parse.TriggerParse(ctx, fileID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start parsing: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":           fileID,
		"filename":     record.Filename,
		"parse_status": model.StatusPending,
	})
}

func (h *FileHandler) List(c *gin.Context) {
	files, err := h.store.ListFiles(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	result := make([]gin.H, len(files))
	for i, f := range files {
		result[i] = gin.H{
			"id":           f.ID,
			"filename":     f.Filename,
			"size":         f.Size,
			"parse_status": f.ParseStatus,
			"created_at":   f.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"files": result})
}

func (h *FileHandler) Get(c *gin.Context) {
	file, err := h.store.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, file)
}

// Status returns the file record together with the live parse entry, which
// may be ahead of the persisted record while a job is running.
func (h *FileHandler) Status(c *gin.Context) {
	file, entry, err := h.gateway.File(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"id":                   file.ID,
		"parse_status":         file.ParseStatus,
		"caption_failed_count": file.CaptionFailedCount,
		"error_msg":            file.ErrorMsg,
	}
	if entry != nil {
		resp["parse_status"] = entry.Status
		if entry.Error != "" {
			resp["error_msg"] = entry.Error
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Parse re-triggers parsing, for retries after a failure. If a parse is
// already in flight the current state is returned unchanged.
func (h *FileHandler) Parse(c *gin.Context) {
	file, err := h.parse.TriggerParse(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":           file.ID,
		"parse_status": file.ParseStatus,
	})
}

// Delete removes the file record and its stored object.
func (h *FileHandler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	file, err := h.store.GetFile(ctx, id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.storage.DeleteFile(ctx, file.ObjectName); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete object: " + err.Error()})
		return
	}
	if err := h.store.DeleteFile(ctx, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File deleted"})
}
