/*
Package usage meters paid service calls and debits them from the ledger.

PURPOSE:
  Chat, image, speech and voice calls are recorded as pending UsageLogs with
  a precomputed cost, then debited in batches. Recording never fails for lack
  of credits; the debit does, and the log is marked failed.

FLOW:
  Consumer (AMQP) ─┐
                   ├─► Recorder.Record ─► usage_logs (pending)
  HTTP /usage ─────┘                           │
                                               ▼
                            Processor.Drain ─► consumption tx (usage_log_id)
                                               │
                                               ▼
                                     usage_logs (processed | failed)

PRICING:
  Rates are decimal credits per unit, rounded up to whole credits with a
  minimum of 1 for any positive quantity:
    chat_tokens       1 credit per 1000 tokens
    image_generation  10 credits per image
    tts_characters    1 credit per 500 characters
    voice_minutes     5 credits per minute

SEE ALSO:
  - recorder.go, processor.go, consumer.go
  - credits/ledger.go: ApplyTransaction
*/
package usage

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credits"
)

var (
	ErrUnknownService  = errors.New("unknown service")
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// Rate prices a service in credits per unit of quantity.
type Rate struct {
	PerUnit decimal.Decimal
}

// RatePer builds a rate of credits per `units` of quantity.
func RatePer(credits, units int64) Rate {
	return Rate{PerUnit: decimal.NewFromInt(credits).Div(decimal.NewFromInt(units))}
}

// Cost returns the whole-credit cost of quantity units.
func (r Rate) Cost(quantity int64) int64 {
	cost := r.PerUnit.Mul(decimal.NewFromInt(quantity)).Ceil().IntPart()
	if cost < 1 {
		return 1
	}
	return cost
}

// Pricing maps each metered service to its rate.
type Pricing map[credits.ServiceKind]Rate

// DefaultPricing is the production price list.
var DefaultPricing = Pricing{
	credits.ServiceChatTokens:      RatePer(1, 1000),
	credits.ServiceImageGeneration: RatePer(10, 1),
	credits.ServiceTTSCharacters:   RatePer(1, 500),
	credits.ServiceVoiceMinutes:    RatePer(5, 1),
}

// Cost prices quantity units of service.
func (p Pricing) Cost(service credits.ServiceKind, quantity int64) (int64, error) {
	rate, ok := p[service]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	return rate.Cost(quantity), nil
}

// IsInvalid reports whether err rejects the request itself, so retrying it
// cannot succeed.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrUnknownService) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, credits.ErrInvalidAccount)
}
