/*
Package factory provides JSON to Go plan catalog conversion.

PURPOSE:
  Converts JSON plan definitions into credits.Plan values and seeds them into
  a store. The catalog lives in a file under version control so pricing
  changes do not need a release.

JSON SCHEMA:
  {
    "plans": [
      {"id": "free",    "name": "Free",    "tier": "FREE",    "credits_per_month": 50},
      {"id": "plus",    "name": "Plus",    "tier": "PLUS",    "credits_per_month": 500,
       "stripe_price_id": "price_123", "paypal_plan_id": "P-123"},
      {"id": "premium", "name": "Premium", "tier": "PREMIUM", "credits_per_month": 1500}
    ]
  }

RULES:
  - ids are unique and non-empty
  - tier is FREE, PLUS or PREMIUM (case-insensitive)
  - credits_per_month is >= 0
  - exactly one FREE plan; signup and plan fallback depend on it
  - provider ids are unique across plans

USAGE:
  catalog, err := factory.ParseCatalog(data)
  err = catalog.Seed(ctx, store)

SEE ALSO:
  - credits/types.go: Plan
  - cli/seed.go: seed command
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/warp/credit-engine/credits"
)

// ErrInvalidCatalog wraps every validation failure.
var ErrInvalidCatalog = errors.New("invalid plan catalog")

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of the plan catalog.
type CatalogJSON struct {
	Plans []PlanJSON `json:"plans"`
}

// PlanJSON is the JSON representation of a plan.
type PlanJSON struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Tier            string `json:"tier"`
	CreditsPerMonth int64  `json:"credits_per_month"`
	StripePriceID   string `json:"stripe_price_id,omitempty"`
	PayPalPlanID    string `json:"paypal_plan_id,omitempty"`
}

// Catalog is a validated plan list.
type Catalog struct {
	Plans []credits.Plan
}

// DefaultCatalog is seeded when no catalog file is given.
func DefaultCatalog() *Catalog {
	return &Catalog{Plans: []credits.Plan{
		{ID: "free", Name: "Free", Tier: credits.TierFree, CreditsPerMonth: 50},
		{ID: "plus", Name: "Plus", Tier: credits.TierPlus, CreditsPerMonth: 500},
		{ID: "premium", Name: "Premium", Tier: credits.TierPremium, CreditsPerMonth: 1500},
	}}
}

// =============================================================================
// PARSING
// =============================================================================

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates catalog JSON.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return FromJSON(cj)
}

// FromJSON converts CatalogJSON to a Catalog.
func FromJSON(cj CatalogJSON) (*Catalog, error) {
	if len(cj.Plans) == 0 {
		return nil, fmt.Errorf("%w: no plans", ErrInvalidCatalog)
	}

	var (
		catalog  Catalog
		ids      = make(map[string]bool)
		external = make(map[string]string)
		free     int
	)
	for i, pj := range cj.Plans {
		p, err := parsePlan(pj)
		if err != nil {
			return nil, fmt.Errorf("%w: plan %d: %w", ErrInvalidCatalog, i, err)
		}
		if ids[pj.ID] {
			return nil, fmt.Errorf("%w: duplicate plan id %q", ErrInvalidCatalog, pj.ID)
		}
		ids[pj.ID] = true

		for _, key := range []string{"stripe:" + p.StripePriceID, "paypal:" + p.PayPalPlanID} {
			if strings.HasSuffix(key, ":") {
				continue
			}
			if other, ok := external[key]; ok {
				return nil, fmt.Errorf("%w: %s used by %q and %q", ErrInvalidCatalog, key, other, p.ID)
			}
			external[key] = string(p.ID)
		}

		if p.Tier == credits.TierFree {
			free++
		}
		catalog.Plans = append(catalog.Plans, p)
	}

	if free != 1 {
		return nil, fmt.Errorf("%w: want exactly one FREE plan, found %d", ErrInvalidCatalog, free)
	}
	return &catalog, nil
}

func parsePlan(pj PlanJSON) (credits.Plan, error) {
	if strings.TrimSpace(pj.ID) == "" {
		return credits.Plan{}, errors.New("id is required")
	}
	tier := credits.Tier(strings.ToUpper(strings.TrimSpace(pj.Tier)))
	if !tier.Valid() {
		return credits.Plan{}, fmt.Errorf("unknown tier %q", pj.Tier)
	}
	if pj.CreditsPerMonth < 0 {
		return credits.Plan{}, fmt.Errorf("credits_per_month must be >= 0, got %d", pj.CreditsPerMonth)
	}

	name := pj.Name
	if name == "" {
		name = pj.ID
	}
	return credits.Plan{
		ID:              credits.PlanID(pj.ID),
		Name:            name,
		Tier:            tier,
		CreditsPerMonth: pj.CreditsPerMonth,
		StripePriceID:   pj.StripePriceID,
		PayPalPlanID:    pj.PayPalPlanID,
	}, nil
}

// ToJSON converts a Catalog back to its JSON form.
func (c *Catalog) ToJSON() CatalogJSON {
	var cj CatalogJSON
	for _, p := range c.Plans {
		cj.Plans = append(cj.Plans, PlanJSON{
			ID:              string(p.ID),
			Name:            p.Name,
			Tier:            string(p.Tier),
			CreditsPerMonth: p.CreditsPerMonth,
			StripePriceID:   p.StripePriceID,
			PayPalPlanID:    p.PayPalPlanID,
		})
	}
	return cj
}

// =============================================================================
// SEEDING
// =============================================================================

// Seed upserts every plan in one transaction.
func (c *Catalog) Seed(ctx context.Context, store credits.Store) error {
	return store.WithTx(ctx, func(tx credits.Tx) error {
		for _, p := range c.Plans {
			if err := tx.SavePlan(ctx, p); err != nil {
				return fmt.Errorf("plan %s: %w", p.ID, err)
			}
		}
		return nil
	})
}
