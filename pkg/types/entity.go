package types

import "time"

// Entity represents an investment-adviser firm profile.
//
// ID is the firm's CRD number when one is known; otherwise it is allocated
// from the reserved synthetic range (see SyntheticIDBase).
type Entity struct {
	ID          int64  `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	City        string `json:"city,omitempty" yaml:"city,omitempty"`
	Region      string `json:"region,omitempty" yaml:"region,omitempty"` // state / region code, upper case

	// AUM is assets under management in whole dollars. Nil when unknown.
	AUM *float64 `json:"aum,omitempty" yaml:"aum,omitempty"`

	// AUMNormalized marks records whose AUM is known to be in whole dollars.
	// Bulk unit correction only touches records where this is false.
	AUMNormalized bool `json:"aum_normalized" yaml:"aum_normalized"`

	// Activity scores derived from the firm's private funds.
	PrivateFundCount int     `json:"private_fund_count" yaml:"private_fund_count"`
	PrivateFundAUM   float64 `json:"private_fund_aum" yaml:"private_fund_aum"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// ActivityScore is the value compared against QueryFilter.MinActivity.
func (e *Entity) ActivityScore() int {
	return e.PrivateFundCount
}

// AUMValue returns the AUM or 0 when unknown.
func (e *Entity) AUMValue() float64 {
	if e.AUM == nil {
		return 0
	}
	return *e.AUM
}
