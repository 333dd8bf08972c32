// Package athlete handles athlete identifier validation and the issuance
// rules for an athlete's token pool: initial mint size, supply generation
// against the fixed cap, and administrative pricing.
package athlete

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultMaxSupply is the cap on an athlete's total supply.
const DefaultMaxSupply int64 = 100

// idRegex matches lowercase slugs such as "athlete-3f9a2c1b".
var idRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,63}$`)

var (
	ErrInvalidID     = errors.New("athlete: invalid athlete id")
	ErrInvalidSupply = errors.New("athlete: invalid supply")
	ErrSupplyCap     = errors.New("athlete: supply cap exceeded")
	ErrInvalidPrice  = errors.New("athlete: price must be positive")
)

// Issuance is a validated request to mint a pool.
type Issuance struct {
	AthleteID   string          `json:"athlete_id"`
	Name        string          `json:"name"`
	TotalSupply int64           `json:"total_supply"`
	Price       decimal.Decimal `json:"price"`
}

// ValidateID checks an athlete id and returns it normalized (trimmed).
func ValidateID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if !idRegex.MatchString(id) {
		return "", fmt.Errorf("%w: %q (expected lowercase letters, digits and dashes)", ErrInvalidID, id)
	}
	return id, nil
}

// ValidatePrice checks that an administratively set price is positive.
func ValidatePrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidPrice, price)
	}
	return nil
}

// NewIssuance validates the parameters of a new pool against maxSupply.
func NewIssuance(id, name string, totalSupply int64, price decimal.Decimal, maxSupply int64) (*Issuance, error) {
	id, err := ValidateID(id)
	if err != nil {
		return nil, err
	}
	if totalSupply <= 0 {
		return nil, fmt.Errorf("%w: total supply must be positive, got %d", ErrInvalidSupply, totalSupply)
	}
	if totalSupply > maxSupply {
		return nil, fmt.Errorf("%w: %d > %d", ErrSupplyCap, totalSupply, maxSupply)
	}
	if err := ValidatePrice(price); err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}
	return &Issuance{
		AthleteID:   id,
		Name:        name,
		TotalSupply: totalSupply,
		Price:       price,
	}, nil
}

// ValidateGeneration checks that adding amount units to a pool whose total
// supply is currentTotal stays within maxSupply.
func ValidateGeneration(currentTotal, amount, maxSupply int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: generated amount must be positive, got %d", ErrInvalidSupply, amount)
	}
	if amount > maxSupply-currentTotal {
		return fmt.Errorf("%w: %d + %d > %d", ErrSupplyCap, currentTotal, amount, maxSupply)
	}
	return nil
}

// MarketCap is price × total supply.
func MarketCap(price decimal.Decimal, totalSupply int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(totalSupply))
}
