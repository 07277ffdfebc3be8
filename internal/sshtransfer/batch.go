package sshtransfer

import (
	"context"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/apperr"
)

type BatchItem struct {
	Direction  string `json:"direction" validate:"required,oneof=upload download"`
	LocalPath  string `json:"local_path" validate:"required"`
	RemotePath string `json:"remote_path" validate:"required"`
}

type BatchItemResult struct {
	BatchItem
	JobID   string `json:"job_id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Job     *Job   `json:"job,omitempty"`
}

type BatchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type BatchResult struct {
	Results []BatchItemResult `json:"results"`
	Summary BatchSummary      `json:"summary"`
}

// Batch runs every item against the endpoint with at most MaxConcurrent in
// flight and waits for all of them. One item failing never stops the
// others; results keep the order of items.
func (e *Engine) Batch(ctx context.Context, endpointID uint, items []BatchItem, opts Options) (*BatchResult, error) {
	if len(items) == 0 {
		return nil, apperr.New(apperr.KindValidation, "batch is empty")
	}
	if len(items) > e.cfg.MaxBatchSize {
		return nil, apperr.Errorf(apperr.KindValidation, "batch of %d exceeds the maximum of %d transfers", len(items), e.cfg.MaxBatchSize)
	}

	results := make([]BatchItemResult, len(items))
	p := pool.New().WithMaxGoroutines(e.cfg.MaxConcurrent)
	for i, item := range items {
		p.Go(func() {
			results[i] = e.runItem(ctx, endpointID, item, opts)
		})
	}
	p.Wait()

	res := &BatchResult{Results: results, Summary: BatchSummary{Total: len(items)}}
	for _, r := range results {
		if r.Success {
			res.Summary.Successful++
		} else {
			res.Summary.Failed++
		}
	}
	e.logger.Info("batch finished",
		zap.Uint("endpoint", endpointID),
		zap.Int("total", res.Summary.Total),
		zap.Int("failed", res.Summary.Failed))
	return res, nil
}

func (e *Engine) runItem(ctx context.Context, endpointID uint, item BatchItem, opts Options) BatchItemResult {
	r := BatchItemResult{BatchItem: item}
	if err := validate.Struct(item); err != nil {
		r.Error = apperr.Wrap(err, apperr.KindValidation, "invalid batch item").Error()
		return r
	}

	var job Job
	var err error
	if item.Direction == DirectionUpload {
		job, err = e.Upload(ctx, endpointID, item.LocalPath, item.RemotePath, opts)
	} else {
		job, err = e.Download(ctx, endpointID, item.RemotePath, item.LocalPath, opts)
	}
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.JobID = job.ID

	job, err = e.Wait(ctx, job.ID)
	r.Job = &job
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Success = job.Status == StatusCompleted
	r.Error = job.Error
	return r
}
