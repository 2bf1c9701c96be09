package credits

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/credit-engine/metrics"
)

// =============================================================================
// MONTHLY SNAPSHOTS
// =============================================================================

// Snapshotter writes month-start snapshots so balance reads only sum the
// current month. It runs as a batch job at the start of each month.
type Snapshotter struct {
	Store Store
	Clock Clock
	Log   logrus.FieldLogger
}

type SnapshotSummary struct {
	Accounts int
	Created  int
	Skipped  int // snapshot already present
	Failed   int
}

func NewSnapshotter(store Store, clock Clock, log logrus.FieldLogger) *Snapshotter {
	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Snapshotter{Store: store, Clock: clock, Log: log}
}

// CreateMonthlySnapshots snapshots every account that has none for the
// current month. Per-account failures are logged and counted; only a failure
// to enumerate accounts is returned.
func (s *Snapshotter) CreateMonthlySnapshots(ctx context.Context) (SnapshotSummary, error) {
	var summary SnapshotSummary
	now := s.Clock.Now()

	ids, err := s.Store.ListAccountIDs(ctx)
	if err != nil {
		metrics.JobRuns.WithLabelValues("snapshots", "error").Inc()
		return summary, err
	}
	summary.Accounts = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		created, err := s.SnapshotAccount(ctx, id, now)
		switch {
		case err != nil:
			summary.Failed++
			metrics.JobItemFailures.WithLabelValues("snapshots").Inc()
			s.Log.WithFields(logrus.Fields{
				"account_id": id,
				"error":      err,
			}).Error("monthly snapshot failed")
		case created:
			summary.Created++
		default:
			summary.Skipped++
		}
	}

	metrics.JobRuns.WithLabelValues("snapshots", "ok").Inc()
	s.Log.WithFields(logrus.Fields{
		"month":    StartOfMonth(now).Format("2006-01"),
		"accounts": summary.Accounts,
		"created":  summary.Created,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
	}).Info("monthly snapshots complete")
	return summary, nil
}

// SnapshotAccount writes the snapshot for the month containing now and closes
// the previous month's EndingBalance with the same figure. It reports false
// when the month was already snapshotted.
func (s *Snapshotter) SnapshotAccount(ctx context.Context, accountID AccountID, now time.Time) (bool, error) {
	monthStart := StartOfMonth(now)
	prevMonthStart := monthStart.AddDate(0, -1, 0)

	created := false
	err := s.Store.WithAccountTx(ctx, accountID, func(tx Tx) error {
		existing, err := tx.FindSnapshot(ctx, accountID, monthStart)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		starting, err := tx.SumAmounts(ctx, accountID, time.Time{}, monthStart)
		if err != nil {
			return err
		}

		err = tx.SaveSnapshot(ctx, Snapshot{
			AccountID:       accountID,
			MonthStart:      monthStart,
			StartingBalance: starting,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if errors.Is(err, ErrSnapshotExists) {
			return nil
		}
		if err != nil {
			return err
		}
		created = true

		return tx.UpdateSnapshotEnding(ctx, accountID, prevMonthStart, starting, now)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}
