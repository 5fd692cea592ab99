package keypool

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProbeFunc issues one cheap upstream call with the given secret.
type ProbeFunc func(ctx context.Context, secret string) error

type ValidationResult struct {
	Validated int `json:"validated"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
	// Skipped counts keys never probed because ctx ended first.
	Skipped int `json:"skipped,omitempty"`
}

// ValidateAll probes every credential in small concurrent batches and feeds
// each outcome through ReportSuccess/ReportFailure.
func (p *Pool) ValidateAll(ctx context.Context, probe ProbeFunc) ValidationResult {
	secrets := p.Secrets()
	res := ValidationResult{Total: len(secrets)}
	var validated, failed atomic.Int64

	for start := 0; start < len(secrets); start += p.batchSize {
		if start > 0 && p.batchPause > 0 {
			t := time.NewTimer(p.batchPause)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			break
		}
		end := min(start+p.batchSize, len(secrets))
		g, gctx := errgroup.WithContext(ctx)
		for _, secret := range secrets[start:end] {
			g.Go(func() error {
				if err := probe(gctx, secret); err != nil {
					if ctx.Err() != nil {
						// Our own cancellation says nothing about the key.
						return nil
					}
					p.ReportFailure(secret, err)
					failed.Add(1)
					p.logger.Debug("probe failed", "err", err)
					return nil
				}
				p.ReportSuccess(secret)
				validated.Add(1)
				return nil
			})
		}
		_ = g.Wait()
	}

	res.Validated = int(validated.Load())
	res.Failed = int(failed.Load())
	res.Skipped = res.Total - res.Validated - res.Failed
	p.logger.Info("validation finished",
		"validated", res.Validated, "failed", res.Failed, "total", res.Total)
	return res
}
