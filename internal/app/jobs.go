package app

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/deepscan/internal/logging"
	"github.com/raysh454/deepscan/internal/pipeline"
	"github.com/raysh454/deepscan/internal/store"
)

// ErrJobNotFound is returned for unknown or purged job IDs.
var ErrJobNotFound = errors.New("job not found")

type JobEventType string

const (
	JobEventStatus   JobEventType = "status"
	JobEventProgress JobEventType = "progress"
	JobEventResult   JobEventType = "result"
)

type JobEvent struct {
	JobID string       `json:"job_id"`
	Type  JobEventType `json:"type"`

	// For status changes
	Status    JobStatus          `json:"status,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorCode pipeline.ErrorCode `json:"error_code,omitempty"`

	// For progress
	Stage     pipeline.Stage `json:"stage,omitempty"`
	Analyzer  string         `json:"analyzer,omitempty"`
	Score     float64        `json:"score,omitempty"`
	Processed int            `json:"processed,omitempty"`
	Total     int            `json:"total,omitempty"`

	Result *store.Analysis `json:"result,omitempty"`
}

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

// Finished reports whether the status is terminal.
func (s JobStatus) Finished() bool {
	return s == JobDone || s == JobFailed || s == JobCanceled
}

type Job struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"` // "upload" | "url"
	Source    string             `json:"source"`
	Status    JobStatus          `json:"status"`
	Error     string             `json:"error,omitempty"`
	ErrorCode pipeline.ErrorCode `json:"error_code,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at"`
	Events    chan JobEvent      `json:"-"`

	Result *store.Analysis `json:"result,omitempty"`
}

// StartAnalyzeJob analyzes an uploaded image in the background. Progress is
// streamed on the returned job's Events channel, which is closed when the
// job finishes.
func (s *Service) StartAnalyzeJob(ctx context.Context, filename string, data []byte) (*Job, error) {
	in := Input{Filename: filename, Data: data}
	return s.startJob(ctx, "upload", filename, func(jobCtx context.Context, observe pipeline.Observer) (*store.Analysis, error) {
		return s.analyze(jobCtx, in, observe)
	})
}

// StartAnalyzeURLJob fetches and analyzes a remote image in the background.
func (s *Service) StartAnalyzeURLJob(ctx context.Context, rawURL string) (*Job, error) {
	if s.fetcher == nil {
		return nil, ErrFetchDisabled
	}
	return s.startJob(ctx, "url", rawURL, func(jobCtx context.Context, observe pipeline.Observer) (*store.Analysis, error) {
		in, err := s.fetch(jobCtx, rawURL)
		if err != nil {
			return nil, err
		}
		return s.analyze(jobCtx, in, observe)
	})
}

type jobFunc func(ctx context.Context, observe pipeline.Observer) (*store.Analysis, error)

func (s *Service) startJob(ctx context.Context, kind, source string, run jobFunc) (*Job, error) {
	select {
	case <-s.stopPurge:
		return nil, errors.New("service is closed")
	default:
	}

	jobID := uuid.New().String()
	job := &Job{
		ID:        jobID,
		Type:      kind,
		Source:    source,
		Status:    JobPending,
		StartedAt: time.Now().UTC(),
		Events:    make(chan JobEvent, 16),
	}

	jobCtx, cancel := context.WithCancel(ctx)

	s.jobsMu.Lock()
	s.jobs[jobID] = job
	s.jobCancels[jobID] = cancel
	snapshot := *job
	s.jobsMu.Unlock()

	s.emitJobEvent(jobID, JobEvent{JobID: jobID, Type: JobEventStatus, Status: JobPending})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finishJob(jobID)

		s.setStatus(jobID, JobRunning, nil)
		s.emitJobEvent(jobID, JobEvent{JobID: jobID, Type: JobEventStatus, Status: JobRunning})

		rec, err := run(jobCtx, func(ev pipeline.Event) {
			s.emitJobEvent(jobID, JobEvent{
				JobID:     jobID,
				Type:      JobEventProgress,
				Stage:     ev.Stage,
				Analyzer:  ev.Analyzer,
				Score:     ev.Score,
				Error:     ev.Error,
				Processed: ev.Completed,
				Total:     ev.Total,
			})
		})

		switch {
		case err != nil && jobCtx.Err() != nil:
			s.setStatus(jobID, JobCanceled, jobCtx.Err())
			s.emitJobEvent(jobID, JobEvent{
				JobID:     jobID,
				Type:      JobEventStatus,
				Status:    JobCanceled,
				Error:     jobCtx.Err().Error(),
				ErrorCode: pipeline.CodeCanceled,
			})
		case err != nil:
			s.setStatus(jobID, JobFailed, err)
			s.emitJobEvent(jobID, JobEvent{
				JobID:     jobID,
				Type:      JobEventStatus,
				Status:    JobFailed,
				Error:     err.Error(),
				ErrorCode: pipeline.CodeOf(err),
			})
			s.logger.Warn("analysis job failed",
				logging.Field{Key: "job_id", Value: jobID},
				logging.Field{Key: "error", Value: err})
		default:
			s.jobsMu.Lock()
			if j, ok := s.jobs[jobID]; ok {
				j.Status = JobDone
				j.Result = rec
			}
			s.jobsMu.Unlock()
			s.emitJobEvent(jobID, JobEvent{
				JobID:  jobID,
				Type:   JobEventResult,
				Status: JobDone,
				Result: rec,
			})
		}
	}()

	s.logger.Info("started analysis job",
		logging.Field{Key: "job_id", Value: jobID},
		logging.Field{Key: "type", Value: kind})
	return &snapshot, nil
}

func (s *Service) setStatus(jobID string, status JobStatus, err error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return
	}
	j.Status = status
	if err != nil {
		j.Error = err.Error()
		j.ErrorCode = pipeline.CodeOf(err)
		if status == JobCanceled {
			j.ErrorCode = pipeline.CodeCanceled
		}
	}
}

// finishJob stamps the end time, drops the cancel func and closes the event
// channel so stream readers terminate.
func (s *Service) finishJob(jobID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if cancel, ok := s.jobCancels[jobID]; ok {
		cancel()
		delete(s.jobCancels, jobID)
	}
	if j, ok := s.jobs[jobID]; ok {
		j.EndedAt = time.Now().UTC()
		if j.Events != nil {
			close(j.Events)
		}
	}
}

func (s *Service) emitJobEvent(jobID string, ev JobEvent) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job == nil || job.Events == nil || !job.EndedAt.IsZero() {
		return
	}

	// Non-blocking send; drop if buffer is full.
	select {
	case job.Events <- ev:
	default:
	}
}

// GetJob returns a snapshot of the job.
func (s *Service) GetJob(jobID string) (*Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *j
	return &snapshot, nil
}

// ListJobs returns snapshots of all retained jobs, oldest first.
func (s *Service) ListJobs() []Job {
	s.jobsMu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	s.jobsMu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].StartedAt.Before(out[k].StartedAt)
	})
	return out
}

// CancelJob stops a running job. Canceling a finished job is a no-op.
func (s *Service) CancelJob(jobID string) error {
	s.jobsMu.Lock()
	_, known := s.jobs[jobID]
	cancel := s.jobCancels[jobID]
	s.jobsMu.Unlock()

	if !known {
		return ErrJobNotFound
	}
	if cancel != nil {
		cancel()
		s.logger.Info("canceled job", logging.Field{Key: "job_id", Value: jobID})
	}
	return nil
}

func (s *Service) purgeLoop() {
	defer s.wg.Done()
	interval := max(s.cfg.JobRetention/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopPurge:
			return
		case now := <-ticker.C:
			s.purgeJobs(now)
		}
	}
}

// purgeJobs drops finished jobs whose end time is older than JobRetention.
func (s *Service) purgeJobs(now time.Time) int {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status.Finished() && !j.EndedAt.IsZero() && now.Sub(j.EndedAt) > s.cfg.JobRetention {
			delete(s.jobs, id)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("purged finished jobs", logging.Field{Key: "count", Value: n})
	}
	return n
}
