package db

import (
	"time"
)

type HistoryEntry struct {
	ID            int64     `json:"id"`
	JobID         int64     `json:"job_id"`
	PrinterName   string    `json:"printer_name"`
	Status        string    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Attempts      int       `json:"attempts"`
	LabelHeightMM int       `json:"label_height_mm"`
	Watermark     string    `json:"watermark,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

type PrintCounter struct {
	PrinterName string `json:"printer_name"`
	Date        string `json:"date"`
	Printed     int64  `json:"printed"`
	Failed      int64  `json:"failed"`
}

type ArchiveFile struct {
	ID          int64     `json:"id"`
	ArchiveFile string    `json:"archive_file"`
	Entries     int       `json:"entries"`
	OldestAt    time.Time `json:"oldest_at"`
	NewestAt    time.Time `json:"newest_at"`
	ArchivedAt  time.Time `json:"archived_at"`
}

type HistoryFilter struct {
	PrinterName string
	Status      string
	FromDate    *time.Time
	ToDate      *time.Time
	Limit       int
	Offset      int
}
