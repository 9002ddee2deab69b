package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"smart-mail-sorter-go/internal/apperr"
)

// SweepSummary reports one pass over all connected customers
type SweepSummary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Customers  int       `json:"customers"`
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
}

// Sweep runs the pipeline for every active customer with an active
// connection, one customer at a time. A failing customer is logged and
// skipped so it never blocks the others.
func (p *Pipeline) Sweep(ctx context.Context) (*SweepSummary, error) {
	summary := &SweepSummary{StartedAt: p.now()}
	logrus.Info("Starting categorization sweep")

	for _, name := range p.providers.Names() {
		customers, err := p.store.ListSweepCandidates(ctx, name)
		if err != nil {
			return summary, err
		}

		for _, customer := range customers {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			summary.Customers++

			result, err := p.Run(ctx, customer.ID, name)
			if err != nil {
				summary.Failed++
				entry := logrus.WithError(err).WithFields(logrus.Fields{
					"customer_id": customer.ID,
					"provider":    name,
				})
				// an empty balance is expected, not a failure worth alerting on
				if apperr.HasCode(err, apperr.CodeInsufficientCredits) {
					entry.Info("Skipping customer without credits")
				} else {
					entry.Warn("Categorization run failed")
				}
				continue
			}
			summary.Processed += len(result.Processed)
		}
	}

	summary.FinishedAt = p.now()
	p.metrics.SweepCustomers.Set(float64(summary.Customers))
	p.metrics.LastSweepTimestamp.Set(float64(summary.FinishedAt.Unix()))

	logrus.WithFields(logrus.Fields{
		"customers": summary.Customers,
		"processed": summary.Processed,
		"failed":    summary.Failed,
		"duration":  summary.FinishedAt.Sub(summary.StartedAt).String(),
	}).Info("Categorization sweep completed")
	return summary, nil
}
