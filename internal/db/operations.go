package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orrn/instalabel/internal/core"
)

var ErrNotFound = errors.New("not found")

// CounterDateLayout is the day key used by print_counters.
const CounterDateLayout = "2006-01-02"

var _ core.JobRecorder = (*Store)(nil)

// RecordJob stores a terminal job and bumps the printer's daily counter in
// the same transaction.
func (s *Store) RecordJob(ctx context.Context, rec core.JobRecord) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = rec.CompletedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, InsertHistory,
		rec.JobID,
		rec.PrinterName,
		string(rec.Status),
		rec.ErrorMessage,
		rec.Attempts,
		rec.LabelHeightMM,
		rec.Watermark,
		rec.SubmittedAt.UTC(),
		rec.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}

	counter := UpsertPrintedCounter
	if rec.Status != core.JobStatusDone {
		counter = UpsertFailedCounter
	}
	if _, err := tx.ExecContext(ctx, counter, rec.PrinterName, rec.CompletedAt.UTC().Format(CounterDateLayout)); err != nil {
		return fmt.Errorf("failed to update print counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history entry: %w", err)
	}
	return nil
}

func (s *Store) GetHistory(ctx context.Context, id int64) (*HistoryEntry, error) {
	entry, err := scanHistory(s.db.QueryRowContext(ctx, GetHistoryByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history entry: %w", err)
	}
	return entry, nil
}

// ListHistory returns entries newest first.
func (s *Store) ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error) {
	where, args := filter.where()
	query := selectHistory + where + " ORDER BY completed_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *Store) CountHistory(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args := filter.where()
	var count int
	if err := s.db.QueryRowContext(ctx, CountHistory+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return count, nil
}

// HistoryBefore returns at most limit entries completed before cutoff,
// oldest first.
func (s *Store) HistoryBefore(ctx context.Context, cutoff time.Time, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, ListHistoryBefore, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history before cutoff: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// DeleteHistory removes the given entries and records the archive file that
// now holds them.
func (s *Store) DeleteHistory(ctx context.Context, ids []int64, archive ArchiveFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, DeleteHistoryByID)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete history entry %d: %w", id, err)
		}
	}

	if archive.ArchiveFile != "" {
		_, err := tx.ExecContext(ctx, InsertArchiveFile,
			archive.ArchiveFile,
			archive.Entries,
			archive.OldestAt.UTC(),
			archive.NewestAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to record archive file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history delete: %w", err)
	}
	return nil
}

func (s *Store) ListArchiveFiles(ctx context.Context, limit, offset int) ([]ArchiveFile, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, ListArchiveFiles, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive files: %w", err)
	}
	defer rows.Close()

	files := []ArchiveFile{}
	for rows.Next() {
		var f ArchiveFile
		var archivedAt sql.NullTime
		if err := rows.Scan(&f.ID, &f.ArchiveFile, &f.Entries, &f.OldestAt, &f.NewestAt, &archivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive file: %w", err)
		}
		if archivedAt.Valid {
			f.ArchivedAt = archivedAt.Time
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Counters returns per-printer daily counters for the inclusive day range.
func (s *Store) Counters(ctx context.Context, from, to time.Time) ([]PrintCounter, error) {
	rows, err := s.db.QueryContext(ctx, GetCountersByDateRange,
		from.UTC().Format(CounterDateLayout),
		to.UTC().Format(CounterDateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get counters: %w", err)
	}
	defer rows.Close()

	counters := []PrintCounter{}
	for rows.Next() {
		var c PrintCounter
		if err := rows.Scan(&c.PrinterName, &c.Date, &c.Printed, &c.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (*HistoryEntry, error) {
	var e HistoryEntry
	err := row.Scan(
		&e.ID,
		&e.JobID,
		&e.PrinterName,
		&e.Status,
		&e.ErrorMessage,
		&e.Attempts,
		&e.LabelHeightMM,
		&e.Watermark,
		&e.SubmittedAt,
		&e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (f HistoryFilter) where() (string, []any) {
	var clauses []string
	var args []any

	if f.PrinterName != "" {
		clauses = append(clauses, "printer_name = ?")
		args = append(args, f.PrinterName)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.FromDate != nil {
		clauses = append(clauses, "completed_at >= ?")
		args = append(args, f.FromDate.UTC())
	}
	if f.ToDate != nil {
		clauses = append(clauses, "completed_at <= ?")
		args = append(args, f.ToDate.UTC())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
