package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Table maps an insurance provider name to the discount ratio it gets, in [0, 1].
type Table map[string]decimal.Decimal

// Named tables. The priced reservation and the checkout paths use different
// discounts for the same provider names, so each call site picks one explicitly.
const (
	TableReservation = "reservation"
	TableCheckout    = "checkout"
)

// SelfPay is the insurance category used when a payer did not pick one.
const SelfPay = "Particular"

var ErrUnknownTable = errors.New("unknown pricing table")

// DefaultReservation is the table of the priced reservation path.
func DefaultReservation() Table {
	return Table{
		"OSDE":          decimal.RequireFromString("0.3"),
		"Swiss Medical": decimal.RequireFromString("0.25"),
		"IOSFA":         decimal.RequireFromString("0.2"),
		"Otra":          decimal.RequireFromString("0.1"),
		SelfPay:         decimal.Zero,
	}
}

// DefaultCheckout is the table of the payment-preference path.
func DefaultCheckout() Table {
	return Table{
		"OSDE":          decimal.NewFromInt(1),
		"Swiss Medical": decimal.RequireFromString("0.998"),
		"IOSFA":         decimal.RequireFromString("0.2"),
		"Otra":          decimal.RequireFromString("0.1"),
		SelfPay:         decimal.Zero,
	}
}

// Discount returns the ratio for name, zero for providers the table does not know.
func (t Table) Discount(name string) decimal.Decimal {
	if d, ok := t[name]; ok {
		return d
	}
	return decimal.Zero
}

// String renders the table in the same format ParseTable accepts.
func (t Table) String() string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+t[name].String())
	}
	return strings.Join(parts, ",")
}

// ParseTable reads "OSDE=0.3,Swiss Medical=0.25". An empty string yields an empty table.
func ParseTable(raw string) (Table, error) {
	t := Table{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, ratio, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid discount entry %q", entry)
		}

		d, err := decimal.NewFromString(strings.TrimSpace(ratio))
		if err != nil {
			return nil, fmt.Errorf("invalid discount for %q: %w", name, err)
		}
		if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("discount for %q must be between 0 and 1, got %s", name, d)
		}
		t[name] = d
	}
	return t, nil
}

// Price computes round2(base * (1 - discount(name))).
func Price(t Table, name string, base decimal.Decimal) decimal.Decimal {
	return base.Mul(decimal.NewFromInt(1).Sub(t.Discount(name))).Round(2)
}

// Policy binds a fixed base price to the named discount tables.
type Policy struct {
	BasePrice decimal.Decimal
	Tables    map[string]Table
}

func NewPolicy(base decimal.Decimal, reservation, checkout Table) Policy {
	return Policy{
		BasePrice: base,
		Tables: map[string]Table{
			TableReservation: reservation,
			TableCheckout:    checkout,
		},
	}
}

// Quote prices insuranceName against the named table.
func (p Policy) Quote(table, insuranceName string) (decimal.Decimal, error) {
	t, ok := p.Tables[table]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return Price(t, insuranceName, p.BasePrice), nil
}

// FullyCovered reports whether price leaves nothing to collect.
func FullyCovered(price decimal.Decimal) bool {
	return price.IsZero()
}
