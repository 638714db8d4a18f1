package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"docchat/internal/app"
	"docchat/internal/model"
	"docchat/internal/transport/http/response"
)

type UploadService interface {
	Submit(ctx context.Context, in app.SubmitInput) (*model.Upload, error)
	List(ctx context.Context, ownerID uint, search string) ([]model.Upload, error)
	Stats(ctx context.Context, ownerID uint) (model.UploadStats, error)
	View(ctx context.Context, ownerID uint, id string) (*app.ViewResult, error)
	Delete(ctx context.Context, ownerID uint, id string) error
}

type UploadHandler struct {
	uploads        UploadService
	maxUploadBytes int64
}

func NewUploadHandler(uploads UploadService, maxUploadBytes int64) *UploadHandler {
	return &UploadHandler{uploads: uploads, maxUploadBytes: maxUploadBytes}
}

type listUploadsResponse struct {
	Uploads []model.Upload    `json:"uploads"`
	Stats   model.UploadStats `json:"stats"`
}

// Submit accepts a multipart form with a "file" field holding a PDF.
func (h *UploadHandler) Submit(c *gin.Context) {
	owner, ok := getOwnerFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "no file uploaded, please attach a file")
		return
	}
	if h.maxUploadBytes > 0 && file.Size > h.maxUploadBytes {
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodeFileTooLarge,
			fmt.Sprintf("file too large (max %dMB)", h.maxUploadBytes>>20))
		return
	}
	if strings.ToLower(filepath.Ext(file.Filename)) != ".pdf" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "only PDF files are allowed")
		return
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}
	defer f.Close()

	upload, err := h.uploads.Submit(c.Request.Context(), app.SubmitInput{
		Owner:            owner,
		OriginalFilename: file.Filename,
		ContentType:      file.Header.Get("Content-Type"),
		Body:             f,
	})
	if err != nil {
		writeServiceError(c, err, "submit upload failed")
		return
	}
	response.Accepted(c,
		"your request has been received and is being processed, you will be notified once it is complete",
		upload)
}

func (h *UploadHandler) List(c *gin.Context) {
	ownerID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	ctx := c.Request.Context()
	uploads, err := h.uploads.List(ctx, ownerID, strings.TrimSpace(c.Query("search")))
	if err != nil {
		writeServiceError(c, err, "list uploads failed")
		return
	}
	stats, err := h.uploads.Stats(ctx, ownerID)
	if err != nil {
		writeServiceError(c, err, "list uploads failed")
		return
	}
	if uploads == nil {
		uploads = []model.Upload{}
	}
	response.OK(c, listUploadsResponse{Uploads: uploads, Stats: stats})
}

func (h *UploadHandler) Stats(c *gin.Context) {
	ownerID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	stats, err := h.uploads.Stats(c.Request.Context(), ownerID)
	if err != nil {
		writeServiceError(c, err, "load stats failed")
		return
	}
	response.OK(c, stats)
}

func (h *UploadHandler) View(c *gin.Context) {
	ownerID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	view, err := h.uploads.View(c.Request.Context(), ownerID, c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "load upload failed")
		return
	}
	response.OK(c, view)
}

func (h *UploadHandler) Delete(c *gin.Context) {
	ownerID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	id := c.Param("id")
	if err := h.uploads.Delete(c.Request.Context(), ownerID, id); err != nil {
		writeServiceError(c, err, "delete upload failed")
		return
	}
	response.OK(c, gin.H{"deleted_upload_id": id})
}

func writeServiceError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidPDF):
		response.Error(c, http.StatusBadRequest, response.CodeInvalidPDF, app.ErrInvalidPDF.Error())
	case errors.Is(err, app.ErrUploadNotFound):
		response.Error(c, http.StatusNotFound, response.CodeUploadNotFound, app.ErrUploadNotFound.Error())
	case errors.Is(err, app.ErrUploadNotReady):
		response.Error(c, http.StatusConflict, response.CodeUploadNotReady, app.ErrUploadNotReady.Error())
	case errors.Is(err, app.ErrSubmitFailed):
		response.Error(c, http.StatusInternalServerError, response.CodeSubmitFailed, app.ErrSubmitFailed.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}
