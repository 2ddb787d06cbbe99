package reconcile

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/carlosapgomes/eqmd/internal/adapters/legacy"
	"github.com/carlosapgomes/eqmd/internal/shared/errors"
	"github.com/carlosapgomes/eqmd/internal/shared/metrics"
)

const fetchRetries = 3

// Summary aggregates the outcome of one batch run
type Summary struct {
	Processed      int    `json:"processed"`
	Reconciled     int    `json:"reconciled"`
	Skipped        int    `json:"skipped"`
	Failed         int    `json:"failed"`
	EpisodesOpened int    `json:"episodes_opened"`
	EpisodesClosed int    `json:"episodes_closed"`
	LastCursor     string `json:"last_cursor,omitempty"`
}

// Batch walks the whole legacy feed and reconciles every record. Each
// record is its own atomic step: a failure is counted and skipped, never
// fatal to the batch. The cursor in the summary lets a restarted run
// resume from the last processed key.
type Batch struct {
	service  *Service
	feed     legacy.Feed
	limiter  *rate.Limiter
	pageSize int
}

// NewBatch creates a batch runner. fetchRate limits feed page fetches
// per second; zero disables limiting.
func NewBatch(service *Service, feed legacy.Feed, pageSize int, fetchRate int) *Batch {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if fetchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(fetchRate), fetchRate)
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Batch{
		service:  service,
		feed:     feed,
		limiter:  limiter,
		pageSize: pageSize,
	}
}

// Run reconciles the feed starting after cursor; pass an empty cursor
// for a full run
func (b *Batch) Run(ctx context.Context, cursor string) (*Summary, error) {
	start := time.Now()
	summary := &Summary{LastCursor: cursor}

	for {
		page, err := b.fetchPage(ctx, summary.LastCursor)
		if err != nil {
			// The summary still carries the resume cursor
			return summary, err
		}
		if len(page.Records) == 0 {
			break
		}

		for _, record := range page.Records {
			summary.Processed++
			outcome, err := b.service.Reconcile(ctx, record, nil)
			if err != nil {
				summary.Failed++
				if !errors.IsNotFound(err) {
					log.Printf("reconcile %s: %v", record.PatientKey, err)
				}
				continue
			}
			switch outcome.Result {
			case ResultReconciled:
				summary.Reconciled++
			case ResultSkipped:
				summary.Skipped++
			}
			summary.EpisodesOpened += outcome.EpisodesOpened
			summary.EpisodesClosed += outcome.EpisodesClosed
		}

		summary.LastCursor = page.Cursor
		if page.Cursor == "" {
			break
		}
	}

	metrics.RecordReconcileBatch(time.Since(start))
	return summary, nil
}

// fetchPage fetches one chunk, retrying transient fetch failures
func (b *Batch) fetchPage(ctx context.Context, cursor string) (*legacy.Page, error) {
	var lastErr error
	for attempt := 0; attempt < fetchRetries; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := b.feed.FetchPage(ctx, cursor, b.pageSize)
		if err == nil {
			return page, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return nil, errors.Wrap(lastErr, "failed to fetch feed page")
}
