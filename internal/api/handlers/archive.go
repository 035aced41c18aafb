package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/instalabel/internal/archive"
	"github.com/orrn/instalabel/internal/db"
)

type Archiver interface {
	ListArchives() ([]*archive.ArchiveFile, error)
	ReadArchive(filename string) ([]db.HistoryEntry, error)
	RunArchive(ctx context.Context) (int, error)
}

type ArchiveHandler struct {
	archiver Archiver
}

func NewArchiveHandler(archiver Archiver) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

type ArchiveListResponse struct {
	Archives []*archive.ArchiveFile `json:"archives"`
	Count    int                    `json:"count"`
}

type ArchiveEntriesResponse struct {
	Filename string            `json:"filename"`
	Entries  []db.HistoryEntry `json:"entries"`
	Count    int               `json:"count"`
}

type TriggerArchiveResponse struct {
	Message  string `json:"message"`
	Archived int    `json:"archived"`
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "Failed to list archives"})
		return
	}
	if archives == nil {
		archives = []*archive.ArchiveFile{}
	}

	c.JSON(http.StatusOK, ArchiveListResponse{
		Archives: archives,
		Count:    len(archives),
	})
}

func (h *ArchiveHandler) GetArchive(c *gin.Context) {
	filename := c.Param("filename")

	entries, err := h.archiver.ReadArchive(filename)
	if err != nil {
		if errors.Is(err, archive.ErrArchiveNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Archive not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
		return
	}
	if entries == nil {
		entries = []db.HistoryEntry{}
	}

	c.JSON(http.StatusOK, ArchiveEntriesResponse{
		Filename: filename,
		Entries:  entries,
		Count:    len(entries),
	})
}

func (h *ArchiveHandler) TriggerArchive(c *gin.Context) {
	n, err := h.archiver.RunArchive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "archive_failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, TriggerArchiveResponse{
		Message:  "archive completed",
		Archived: n,
	})
}
