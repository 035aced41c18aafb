package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRetryDelay = 5 * time.Second
	DefaultJobLabel   = "Label Print"
)

type SpoolerOptions struct {
	LabelWidthMM float64
	RetryDelay   time.Duration
	// MaxRetries bounds no-printer attempts for the head job. Zero retries
	// until a printer shows up.
	MaxRetries        int
	PreferredKeywords []string
	JobLabel          string
	Recorder          JobRecorder
	Logger            *zap.Logger
}

// Spooler owns the volatile job queue and prints one job at a time.
type Spooler struct {
	snapshots SnapshotSource
	renderer  DocumentRenderer
	backend   PrinterBackend
	notifier  Notifier
	recorder  JobRecorder
	logger    *zap.Logger

	labelWidthMM float64
	retryDelay   time.Duration
	maxRetries   int
	preferred    []string
	jobLabel     string
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	jobs       []*Job
	inFlight   bool
	closed     bool
	lastID     int64
	retryTimer *time.Timer
}

type outcome struct {
	printer  string
	heightMM int
	err      error
}

func NewSpooler(snapshots SnapshotSource, renderer DocumentRenderer, backend PrinterBackend, notifier Notifier, opts SpoolerOptions) *Spooler {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LabelWidthMM <= 0 {
		opts.LabelWidthMM = DefaultLabelWidthMM
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.JobLabel == "" {
		opts.JobLabel = DefaultJobLabel
	}
	preferred := lowerAll(opts.PreferredKeywords)
	if len(preferred) == 0 {
		preferred = DefaultPreferredKeywords
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Spooler{
		snapshots:    snapshots,
		renderer:     renderer,
		backend:      backend,
		notifier:     notifier,
		recorder:     opts.Recorder,
		logger:       logger,
		labelWidthMM: opts.LabelWidthMM,
		retryDelay:   opts.RetryDelay,
		maxRetries:   opts.MaxRetries,
		preferred:    preferred,
		jobLabel:     opts.JobLabel,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Enqueue appends a job and returns its id without waiting for it to print.
func (s *Spooler) Enqueue(image []byte, requestedPrinter, watermark string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.New("spooler closed")
	}

	submitted := s.now()
	id := submitted.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id

	job := &Job{
		ID:               id,
		Image:            image,
		RequestedPrinter: requestedPrinter,
		Watermark:        watermark,
		Status:           JobStatusQueued,
		SubmittedAt:      submitted,
	}
	s.jobs = append(s.jobs, job)

	s.logger.Debug("job queued",
		zap.Int64("job_id", id),
		zap.String("requested_printer", requestedPrinter),
		zap.Int("queue_length", len(s.jobs)),
	)

	s.publishQueueLocked()
	s.kickLocked()
	return id, nil
}

// QueueSnapshot returns the queued jobs in order.
func (s *Spooler) QueueSnapshot() []JobView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewsLocked()
}

func (s *Spooler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Close stops processing. Jobs still queued are dropped with the process.
func (s *Spooler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Spooler) kickLocked() {
	if s.inFlight || s.closed || len(s.jobs) == 0 {
		return
	}
	s.inFlight = true
	s.wg.Add(1)
	go s.drain()
}

func (s *Spooler) drain() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if s.closed || len(s.jobs) == 0 {
			s.inFlight = false
			s.mu.Unlock()
			return
		}
		job := s.jobs[0]
		job.Status = JobStatusPrinting
		job.Attempts++
		s.publishQueueLocked()
		s.mu.Unlock()

		res := s.process(job)

		if !s.settle(job, res) {
			return
		}
	}
}

// settle applies the outcome of one attempt. It returns false when the drain
// loop must stop, either because the job is waiting for a retry or because
// the spooler was closed.
func (s *Spooler) settle(job *Job, res outcome) bool {
	s.mu.Lock()

	if s.closed {
		s.inFlight = false
		s.mu.Unlock()
		return false
	}

	if errors.Is(res.err, ErrNoPrinterAvailable) && (s.maxRetries == 0 || job.Attempts < s.maxRetries) {
		job.Status = JobStatusRetrying
		s.publishQueueLocked()
		s.retryTimer = time.AfterFunc(s.retryDelay, s.retry)
		s.mu.Unlock()

		s.logger.Info("no printer available, retrying",
			zap.Int64("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Duration("delay", s.retryDelay),
		)
		return false
	}

	if res.err != nil {
		job.Status = JobStatusError
	} else {
		job.Status = JobStatusDone
	}
	s.publishQueueLocked()
	s.removeLocked(job.ID)
	s.publishQueueLocked()
	s.mu.Unlock()

	if res.err != nil {
		s.logger.Error("print job failed",
			zap.Int64("job_id", job.ID),
			zap.String("printer", res.printer),
			zap.Error(res.err),
		)
	} else {
		s.logger.Info("print job completed",
			zap.Int64("job_id", job.ID),
			zap.String("printer", res.printer),
			zap.Int("label_height_mm", res.heightMM),
		)
	}

	s.record(job, res)
	return true
}

// retry is the retry timer callback. The in-flight flag is still held, so it
// hands the flag back and goes through the same guarded entry point as
// Enqueue.
func (s *Spooler) retry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retryTimer = nil
	s.inFlight = false
	s.kickLocked()
}

func (s *Spooler) process(job *Job) outcome {
	if s.snapshots == nil {
		return outcome{err: ErrNoPrinterAvailable}
	}

	target, ok := s.ResolveTarget(s.snapshots.Snapshot(s.ctx), job.RequestedPrinter)
	if !ok {
		return outcome{err: ErrNoPrinterAvailable}
	}

	doc, err := s.renderer.Render(job.Image, job.Watermark)
	if err != nil {
		if !errors.Is(err, ErrRender) {
			err = fmt.Errorf("%w: %v", ErrRender, err)
		}
		return outcome{printer: target.Name, err: err}
	}

	heightMM := doc.LabelHeightMM(s.labelWidthMM)
	res := outcome{printer: target.Name, heightMM: heightMM}

	if s.backend == nil {
		res.err = fmt.Errorf("%w: no backend configured", ErrPrintBackend)
		return res
	}

	opts := NewPrintOptions(s.labelWidthMM, heightMM)
	if err := s.backend.Submit(s.ctx, target.Name, doc, s.jobLabel, opts); err != nil {
		if !errors.Is(err, ErrPrintBackend) {
			err = fmt.Errorf("%w: %v", ErrPrintBackend, err)
		}
		res.err = err
	}
	return res
}

// ResolveTarget picks the printer for a job: the requested printer if it is
// available, else the first available printer matching a preferred keyword,
// else the first available printer. Only wired printers and connected
// wireless printers are available; a known but disconnected wireless printer
// is never chosen. When nothing is available it reports false and the job is
// retried after the retry delay instead of failing outright.
func (s *Spooler) ResolveTarget(snap Snapshot, requested string) (PrinterDescriptor, bool) {
	available := snap.Available()
	if len(available) == 0 {
		return PrinterDescriptor{}, false
	}

	if requested != "" {
		for _, p := range available {
			if p.Name == requested {
				return p, true
			}
		}
	}

	target := available[0]
	for _, p := range available {
		if MatchesKeyword(p.Name, s.preferred) {
			target = p
			break
		}
	}

	if requested != "" {
		s.logger.Warn("requested printer not available, substituting",
			zap.String("requested", requested),
			zap.String("printer", target.Name),
		)
	}
	return target, true
}

// NewPrintOptions returns the ordered option set for a label of the given
// physical size.
func NewPrintOptions(widthMM float64, heightMM int) PrintOptions {
	size := fmt.Sprintf("Custom.%sx%dmm", strconv.FormatFloat(widthMM, 'f', -1, 64), heightMM)
	return PrintOptions{
		{Key: "media", Value: size},
		{Key: "PageSize", Value: size},
		{Key: "media-type", Value: "label"},
		{Key: "fit-to-page", Value: "true"},
		{Key: "scaling", Value: "100"},
		{Key: "print-quality", Value: "5"},
		{Key: "ColorModel", Value: "Gray"},
		{Key: "copies", Value: "1"},
	}
}

func (s *Spooler) record(job *Job, res outcome) {
	if s.recorder == nil {
		return
	}

	rec := JobRecord{
		JobID:         job.ID,
		PrinterName:   res.printer,
		Status:        job.Status,
		Attempts:      job.Attempts,
		LabelHeightMM: res.heightMM,
		Watermark:     job.Watermark,
		SubmittedAt:   job.SubmittedAt,
		CompletedAt:   s.now(),
	}
	if res.err != nil {
		rec.ErrorMessage = res.err.Error()
	}

	if err := s.recorder.RecordJob(s.ctx, rec); err != nil {
		s.logger.Warn("failed to record job history",
			zap.Int64("job_id", job.ID),
			zap.Error(err),
		)
	}
}

func (s *Spooler) removeLocked(id int64) {
	for i, j := range s.jobs {
		if j.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return
		}
	}
}

func (s *Spooler) viewsLocked() []JobView {
	views := make([]JobView, len(s.jobs))
	for i, j := range s.jobs {
		views[i] = JobView{ID: j.ID, Status: j.Status, Position: i}
	}
	return views
}

func (s *Spooler) publishQueueLocked() {
	s.notifier.Publish(QueueMessage{Type: MessageQueue, Jobs: s.viewsLocked()})
}
