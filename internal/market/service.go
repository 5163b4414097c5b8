package market

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pilot/internal/logger"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusPartial = "partial"
	JobStatusFailed  = "failed"
)

// FetchParams identifies the range a fetch job should cover.
type FetchParams struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Source   string `json:"source,omitempty"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

// FetchJob tracks one download task.
type FetchJob struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Params    FetchParams `json:"params"`
	Total     int64       `json:"total"`
	Completed int64       `json:"completed"`
	Missing   []Gap       `json:"missing,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	Message   string      `json:"message,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (j *FetchJob) copy() FetchJob {
	out := *j
	out.Missing = append([]Gap{}, j.Missing...)
	out.Warnings = append([]string{}, j.Warnings...)
	return out
}

// FetchServiceConfig configures the candle fetch service.
type FetchServiceConfig struct {
	Store           *Store
	Sources         map[string]CandleSource
	DefaultSource   string
	RateLimitPerMin int
	MaxBatch        int
	MaxConcurrent   int
}

// FetchService coordinates gap detection, remote pulls and store writes.
type FetchService struct {
	store         *Store
	sources       map[string]CandleSource
	defaultSource string
	maxBatch      int

	limiter *rate.Limiter
	sem     chan struct{}

	mu   sync.RWMutex
	jobs map[string]*FetchJob

	baseCtx context.Context
}

func NewFetchService(cfg FetchServiceConfig) (*FetchService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("at least one candle source is required")
	}
	ratePerSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		ratePerSec = 8
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	svc := &FetchService{
		store:         cfg.Store,
		sources:       make(map[string]CandleSource),
		defaultSource: strings.ToLower(cfg.DefaultSource),
		maxBatch:      maxBatch,
		limiter:       rate.NewLimiter(ratePerSec, maxBatch),
		sem:           make(chan struct{}, maxConcurrent),
		jobs:          make(map[string]*FetchJob),
		baseCtx:       context.Background(),
	}
	for k, v := range cfg.Sources {
		svc.sources[strings.ToLower(k)] = v
	}
	if svc.defaultSource == "" {
		for k := range svc.sources {
			svc.defaultSource = k
			break
		}
	}
	return svc, nil
}

// SetContext injects the host context used for job cancellation.
func (s *FetchService) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *FetchService) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// SubmitFetch registers a job; if the range is already complete it only
// runs the integrity check.
func (s *FetchService) SubmitFetch(params FetchParams) (FetchJob, error) {
	if params.Symbol == "" {
		return FetchJob{}, fmt.Errorf("symbol cannot be empty")
	}
	iv, err := ParseInterval(params.Interval)
	if err != nil {
		return FetchJob{}, err
	}
	sourceName := params.Source
	if sourceName == "" {
		sourceName = s.defaultSource
	}
	src := s.sources[strings.ToLower(sourceName)]
	if src == nil {
		return FetchJob{}, fmt.Errorf("unknown candle source: %s", sourceName)
	}
	start, end := iv.AlignRange(params.Start, params.End)
	if start == end {
		return FetchJob{}, fmt.Errorf("start/end must span a range")
	}
	params.Start = start
	params.End = end

	report, err := s.store.CheckIntegrity(s.ctx(), params.Symbol, params.Interval, iv, start, end)
	if err != nil {
		return FetchJob{}, err
	}
	job := &FetchJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Params:    params,
		Total:     report.Expected,
		Completed: report.Present,
		Missing:   append([]Gap{}, report.Gaps...),
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	logger.Infof("[market] fetch job %s: %s %s [%d,%d] expected=%d gaps=%d",
		job.ID, params.Symbol, params.Interval, start, end, report.Expected, len(report.Gaps))

	if report.Complete() {
		s.setJobStatus(job.ID, JobStatusDone, "range already complete", nil)
		return job.copy(), nil
	}

	go s.runJob(job.ID, iv, report, src)
	return job.copy(), nil
}

func (s *FetchService) runJob(jobID string, iv Interval, report IntegrityReport, source CandleSource) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		s.setJobStatus(jobID, JobStatusFailed, "service shut down", nil)
		return
	}
	defer func() { <-s.sem }()

	job := s.getJob(jobID)
	if job == nil {
		return
	}
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = JobStatusRunning
		j.Message = ""
	})

	params := job.Params
	ctx := s.ctx()
	step := iv.Millis()
	var warnings []string

	for _, gap := range report.Gaps {
		cursor := gap.From
		for cursor <= gap.To {
			if err := ctx.Err(); err != nil {
				s.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
				return
			}
			if err := s.limiter.Wait(ctx); err != nil {
				s.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
				return
			}
			remaining := int((gap.To-cursor)/step) + 1
			if remaining > s.maxBatch {
				remaining = s.maxBatch
			}
			data, err := source.Fetch(ctx, FetchRequest{
				Symbol:   params.Symbol,
				Interval: iv.SourceInterval,
				Start:    cursor,
				End:      gap.To,
				Limit:    remaining,
			})
			if err != nil {
				s.setJobStatus(jobID, JobStatusFailed, fmt.Sprintf("%s fetch failed: %v", source.Name(), err), nil)
				return
			}
			if len(data) == 0 {
				warnings = append(warnings, fmt.Sprintf("range [%d,%d] returned no candles", cursor, gap.To))
				break
			}
			inserted, err := s.store.InsertCandles(ctx, params.Symbol, params.Interval, data)
			if err != nil {
				s.setJobStatus(jobID, JobStatusFailed, fmt.Sprintf("store write failed: %v", err), nil)
				return
			}
			cursor = data[len(data)-1].OpenTime + step
			s.updateJob(jobID, func(j *FetchJob) {
				j.Completed += int64(inserted)
				j.UpdatedAt = time.Now()
			})
			if inserted == 0 {
				break
			}
		}
	}

	finalReport, err := s.store.CheckIntegrity(ctx, params.Symbol, params.Interval, iv, params.Start, params.End)
	status := JobStatusDone
	message := "fetch complete"
	if err != nil {
		status = JobStatusFailed
		message = "integrity check failed: " + err.Error()
	} else if !finalReport.Complete() {
		status = JobStatusPartial
		message = "finished with remaining gaps"
	}
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, finalReport.Gaps...)
		j.UpdatedAt = time.Now()
		if len(warnings) > 0 {
			j.Warnings = append([]string{}, warnings...)
		}
	})
	logger.Infof("[market] fetch job %s finished status=%s gaps=%d", jobID, status, len(finalReport.Gaps))
}

func (s *FetchService) setJobStatus(jobID, status, message string, gaps []Gap) {
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, gaps...)
		j.UpdatedAt = time.Now()
	})
}

func (s *FetchService) getJob(id string) *FetchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

func (s *FetchService) updateJob(id string, fn func(*FetchJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && fn != nil {
		fn(job)
	}
}

// JobSnapshot returns a copy of one job.
func (s *FetchService) JobSnapshot(id string) (FetchJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return FetchJob{}, false
	}
	return job.copy(), true
}

// JobsSnapshot returns copies of all known jobs.
func (s *FetchService) JobsSnapshot() []FetchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FetchJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.copy())
	}
	return out
}
