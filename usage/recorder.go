package usage

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/credit-engine/credits"
)

// Recorder stores pending usage logs.
type Recorder struct {
	Store   credits.Store
	Clock   credits.Clock
	Log     logrus.FieldLogger
	Pricing Pricing
}

func NewRecorder(store credits.Store, clock credits.Clock, log logrus.FieldLogger, pricing Pricing) *Recorder {
	if clock == nil {
		clock = credits.SystemClock
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &Recorder{Store: store, Clock: clock, Log: log, Pricing: pricing}
}

// Record prices the call and stores it as a pending usage log.
func (r *Recorder) Record(ctx context.Context, accountID credits.AccountID, service credits.ServiceKind, quantity int64) (*credits.UsageLog, error) {
	return r.RecordEvent(ctx, "", accountID, service, quantity)
}

// RecordEvent is Record with a producer-assigned id. A second event with the
// same id returns credits.ErrUsageLogExists and stores nothing, so a
// redelivered event is debited once. An empty id gets a fresh one.
func (r *Recorder) RecordEvent(ctx context.Context, id credits.UsageLogID, accountID credits.AccountID, service credits.ServiceKind, quantity int64) (*credits.UsageLog, error) {
	if accountID == "" {
		return nil, credits.ErrInvalidAccount
	}
	cost, err := r.Pricing.Cost(service, quantity)
	if err != nil {
		return nil, err
	}

	if id == "" {
		id = credits.UsageLogID(uuid.NewString())
	}
	l := credits.UsageLog{
		ID:        id,
		AccountID: accountID,
		Service:   service,
		Quantity:  quantity,
		Cost:      cost,
		Status:    credits.UsagePending,
		CreatedAt: r.Clock.Now(),
	}
	if err := r.Store.InsertUsageLog(ctx, l); err != nil {
		return nil, err
	}

	r.Log.WithFields(logrus.Fields{
		"account_id": accountID,
		"service":    service,
		"quantity":   quantity,
		"cost":       cost,
	}).Debug("usage recorded")
	return &l, nil
}
