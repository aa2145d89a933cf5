// Package models holds the canonical types produced by the bankapi client.
//
// The upstream Open Banking providers have shipped several wire formats over
// time, so every payload is validated and normalized once here, at the
// boundary. Consumers only ever see the canonical shapes below.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance types as tagged by the banks. InterimAvailable reflects real-time
// available funds, InterimBooked the ledger-booked position.
const (
	BalanceInterimAvailable = "InterimAvailable"
	BalanceInterimBooked    = "InterimBooked"
)

// Credit/debit indicators on transactions.
const (
	IndicatorCredit = "Credit"
	IndicatorDebit  = "Debit"
)

// NoDescription is used when none of the known remittance fields is present.
const NoDescription = "no description"

// Account is a snapshot of one bank account as returned by ListAccounts.
// It is immutable per fetch cycle and never persisted.
type Account struct {
	ID       string    `json:"account_id"`
	BankCode string    `json:"bank_code,omitempty"`
	Type     string    `json:"account_type,omitempty"`
	Name     string    `json:"account_name,omitempty"`
	Currency string    `json:"currency,omitempty"`
	IBAN     string    `json:"iban,omitempty"`
	Balances []Balance `json:"balances,omitempty"`
}

// Balance is a single normalized balance entry.
type Balance struct {
	Type     string          `json:"balance_type"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`
	DateTime *time.Time      `json:"date_time,omitempty"`
}

// Transaction is a normalized account transaction. Amount is always the
// absolute value; the direction lives in Indicator.
type Transaction struct {
	ID          string          `json:"transaction_id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
	Indicator   string          `json:"credit_debit_indicator"`
	BookingDate *time.Time      `json:"booking_date,omitempty"`
	ValueDate   *time.Time      `json:"value_date,omitempty"`
	Description string          `json:"description"`
}

// SortTime resolves the date a transaction sorts by: the first non-nil of
// booking date and value date. ok is false when the transaction carries no
// date at all, in which case it sorts after all dated transactions.
func (t Transaction) SortTime() (ts time.Time, ok bool) {
	if t.BookingDate != nil {
		return *t.BookingDate, true
	}
	if t.ValueDate != nil {
		return *t.ValueDate, true
	}
	return time.Time{}, false
}

// IsCredit reports whether the transaction is an inflow.
func (t Transaction) IsCredit() bool {
	return t.Indicator == IndicatorCredit
}

// Consent is the bank-side view of an account access consent.
type Consent struct {
	ConsentID    string     `json:"consent_id"`
	Status       string     `json:"status"`
	AutoApproved bool       `json:"auto_approved"`
	Permissions  []string   `json:"permissions,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// SelectBalance picks the amount a single-figure view should show for an
// account: InterimAvailable is preferred, then InterimBooked, then whatever
// entry came first. No entries at all means zero, never an error.
func SelectBalance(balances []Balance) decimal.Decimal {
	if len(balances) == 0 {
		return decimal.Zero
	}
	for _, b := range balances {
		if b.Type == BalanceInterimAvailable {
			return b.Amount
		}
	}
	for _, b := range balances {
		if b.Type == BalanceInterimBooked {
			return b.Amount
		}
	}
	return balances[0].Amount
}

// ParseAmount parses a monetary amount from its wire representation. Bad or
// missing input degrades to zero; a corrupt figure from one bank must never
// take down an aggregation pass.
func ParseAmount(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseTime parses the timestamp formats observed across the banks' API
// versions. Returns nil when the value is empty or unparsable.
func ParseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return &ts
		}
	}
	return nil
}
