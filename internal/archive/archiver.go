// Package archive moves old print history out of the live database into
// monthly gzip'd JSON-lines files.
package archive

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/instalabel/internal/db"
	"github.com/orrn/instalabel/internal/logging"
)

const (
	archivePrefix = "archive_"
	archiveSuffix = ".jsonl.gz"
	batchSize     = 500
)

var ErrArchiveNotFound = errors.New("archive not found")

// HistoryStore is the slice of the history database the archiver needs.
type HistoryStore interface {
	HistoryBefore(ctx context.Context, cutoff time.Time, limit int) ([]db.HistoryEntry, error)
	DeleteHistory(ctx context.Context, ids []int64, archive db.ArchiveFile) error
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Month     string    `json:"month"`
}

type ArchiveConfig struct {
	ArchivePath string
	ArchiveDays int
	Interval    time.Duration
	Logger      *zap.Logger
}

type Archiver struct {
	store       HistoryStore
	archivePath string
	archiveDays int
	interval    time.Duration
	logger      *zap.Logger
	now         func() time.Time
	mu          sync.Mutex
}

func NewArchiver(store HistoryStore, config ArchiveConfig) (*Archiver, error) {
	if config.ArchivePath == "" {
		config.ArchivePath = "./data/archives"
	}
	if config.ArchiveDays <= 0 {
		config.ArchiveDays = 30
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}

	if err := os.MkdirAll(config.ArchivePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		store:       store,
		archivePath: config.ArchivePath,
		archiveDays: config.ArchiveDays,
		interval:    config.Interval,
		logger:      logging.NewComponentLogger(config.Logger, "archive"),
		now:         time.Now,
	}, nil
}

// Run archives once immediately and then on every interval until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if n, err := a.RunArchive(ctx); err != nil {
			a.logger.Warn("archive run failed", zap.Error(err))
		} else if n > 0 {
			a.logger.Info("archived print history", zap.Int("entries", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunArchive moves every entry older than the retention window into its
// month's archive file and returns how many entries were moved.
func (a *Archiver) RunArchive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().AddDate(0, 0, -a.archiveDays)
	total := 0

	for {
		entries, err := a.store.HistoryBefore(ctx, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to get entries for archival: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}

		for month, group := range groupByMonth(entries) {
			filename := archivePrefix + month + archiveSuffix
			if err := a.appendEntries(filepath.Join(a.archivePath, filename), group); err != nil {
				return total, fmt.Errorf("failed to write %s: %w", filename, err)
			}

			ids := make([]int64, len(group))
			for i, e := range group {
				ids[i] = e.ID
			}
			record := db.ArchiveFile{
				ArchiveFile: filename,
				Entries:     len(group),
				OldestAt:    group[0].CompletedAt,
				NewestAt:    group[len(group)-1].CompletedAt,
			}
			if err := a.store.DeleteHistory(ctx, ids, record); err != nil {
				return total, fmt.Errorf("failed to delete archived entries: %w", err)
			}
			total += len(group)
		}

		if len(entries) < batchSize {
			return total, nil
		}
	}
}

// appendEntries adds one gzip member to the file. Readers see concatenated
// members as a single stream.
func (a *Archiver) appendEntries(path string, entries []db.HistoryEntry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			zw.Close()
			f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func groupByMonth(entries []db.HistoryEntry) map[string][]db.HistoryEntry {
	groups := make(map[string][]db.HistoryEntry)
	for _, e := range entries {
		month := e.CompletedAt.UTC().Format("2006_01")
		groups[month] = append(groups[month], e)
	}
	return groups
}

func (a *Archiver) ListArchives() ([]*ArchiveFile, error) {
	files, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var archives []*ArchiveFile
	for _, file := range files {
		if file.IsDir() || !isArchiveName(file.Name()) {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		archives = append(archives, &ArchiveFile{
			Filename:  file.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			Month:     strings.TrimSuffix(strings.TrimPrefix(file.Name(), archivePrefix), archiveSuffix),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Filename < archives[j].Filename
	})
	return archives, nil
}

// ReadArchive decodes every entry stored in the named archive file.
func (a *Archiver) ReadArchive(filename string) ([]db.HistoryEntry, error) {
	if !isArchiveName(filename) || filepath.Base(filename) != filename {
		return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, filename)
	}

	f, err := os.Open(filepath.Join(a.archivePath, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, filename)
		}
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	defer zr.Close()

	var entries []db.HistoryEntry
	dec := json.NewDecoder(zr)
	for {
		var e db.HistoryEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode archive entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (a *Archiver) ArchiveDays() int {
	return a.archiveDays
}

func (a *Archiver) ArchivePath() string {
	return a.archivePath
}

func isArchiveName(name string) bool {
	return strings.HasPrefix(name, archivePrefix) && strings.HasSuffix(name, archiveSuffix)
}
