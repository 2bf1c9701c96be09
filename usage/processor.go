package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/metrics"
)

// DefaultBatchSize bounds one Drain call when the caller passes 0.
const DefaultBatchSize = 500

// Processor debits pending usage logs.
type Processor struct {
	Store credits.Store
	Clock credits.Clock
	Log   logrus.FieldLogger
}

func NewProcessor(store credits.Store, clock credits.Clock, log logrus.FieldLogger) *Processor {
	if clock == nil {
		clock = credits.SystemClock
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Processor{Store: store, Clock: clock, Log: log}
}

// DrainSummary reports one Drain pass.
type DrainSummary struct {
	Scanned   int
	Processed int
	Rejected  int // marked failed, e.g. insufficient funds
	Errors    int // left pending for the next pass
}

// Drain debits up to batchSize pending logs, oldest first. A log the ledger
// rejects is marked failed; a storage error leaves it pending. Either way the
// batch continues.
func (p *Processor) Drain(ctx context.Context, batchSize int) (DrainSummary, error) {
	var summary DrainSummary
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	pending, err := p.Store.ListPendingUsageLogs(ctx, batchSize)
	if err != nil {
		metrics.JobRuns.WithLabelValues("usage", "error").Inc()
		return summary, err
	}

	for _, l := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Scanned++

		err := p.debit(ctx, l)
		switch {
		case err == nil:
			summary.Processed++
		case errors.Is(err, credits.ErrDuplicateUsageLog):
			// Debited by a concurrent pass.
			summary.Processed++
		case credits.IsClientError(err):
			summary.Rejected++
			if markErr := p.markFailed(ctx, l, err); markErr != nil {
				summary.Errors++
				p.logFailure(l, markErr)
			}
		default:
			summary.Errors++
			p.logFailure(l, err)
		}
	}

	metrics.JobRuns.WithLabelValues("usage", "ok").Inc()
	if summary.Scanned > 0 {
		p.Log.WithFields(logrus.Fields{
			"scanned":   summary.Scanned,
			"processed": summary.Processed,
			"rejected":  summary.Rejected,
			"errors":    summary.Errors,
		}).Info("usage drain complete")
	}
	return summary, nil
}

// debit appends the consumption row and marks the log processed in one
// account transaction.
func (p *Processor) debit(ctx context.Context, pending credits.UsageLog) error {
	return p.Store.WithAccountTx(ctx, pending.AccountID, func(tx credits.Tx) error {
		now := p.Clock.Now()
		l, err := tx.GetUsageLog(ctx, pending.ID)
		if err != nil {
			return err
		}
		if l.Status != credits.UsagePending {
			return nil
		}

		res, err := credits.ApplyTransaction(ctx, tx, credits.TransactionRequest{
			AccountID:  l.AccountID,
			Kind:       credits.KindConsumption,
			Amount:     -l.Cost,
			Note:       fmt.Sprintf("%s x%d", l.Service, l.Quantity),
			UsageLogID: l.ID,
		}, now)
		if err != nil {
			return err
		}

		l.Status = credits.UsageProcessed
		l.TransactionID = res.Transaction.ID
		l.ProcessedAt = &now
		return tx.UpdateUsageLog(ctx, *l)
	})
}

func (p *Processor) markFailed(ctx context.Context, l credits.UsageLog, cause error) error {
	now := p.Clock.Now()
	l.Status = credits.UsageFailed
	l.Error = cause.Error()
	l.ProcessedAt = &now
	return p.Store.WithAccountTx(ctx, l.AccountID, func(tx credits.Tx) error {
		return tx.UpdateUsageLog(ctx, l)
	})
}

func (p *Processor) logFailure(l credits.UsageLog, err error) {
	metrics.JobItemFailures.WithLabelValues("usage").Inc()
	p.Log.WithFields(logrus.Fields{
		"account_id":   l.AccountID,
		"usage_log_id": l.ID,
		"error":        err,
	}).Error("usage debit failed")
}
