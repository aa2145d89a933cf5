package aggregate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finflow-dev/finflow/bankapi/models"
)

// AccountView is one account with its resolved single-figure balance and
// transaction window. Degraded marks accounts whose balance or transaction
// fetch failed and was zeroed.
type AccountView struct {
	models.Account
	Balance      decimal.Decimal      `json:"balance"`
	Transactions []models.Transaction `json:"transactions,omitempty"`
	Degraded     bool                 `json:"degraded,omitempty"`
}

// BankResult is the per-bank outcome of an aggregation pass: either accounts
// or an error string, never an aborted sibling.
type BankResult struct {
	BankCode  string        `json:"bank_code"`
	BankName  string        `json:"bank_name"`
	ConsentID string        `json:"consent_id,omitempty"`
	Accounts  []AccountView `json:"accounts"`
	Error     string        `json:"error,omitempty"`
}

// OK reports whether the bank contributed data to the pass.
func (r BankResult) OK() bool {
	return r.Error == ""
}

// FeedEntry is a transaction in the combined feed, annotated with the bank
// it came from.
type FeedEntry struct {
	models.Transaction
	BankCode string `json:"bank_code"`
	BankName string `json:"bank_name"`
}

// Snapshot is the aggregated view model one pass produces.
type Snapshot struct {
	TakenAt      time.Time             `json:"taken_at"`
	TotalBalance decimal.Decimal       `json:"total_balance"`
	AccountCount int                   `json:"account_count"`
	Banks        map[string]BankResult `json:"banks"`
	Transactions []FeedEntry           `json:"transactions"`
}

// Receivables returns the credit-only view of the combined feed, the basis
// of the accounts receivable dashboard.
func (s *Snapshot) Receivables() []FeedEntry {
	var credits []FeedEntry
	for _, entry := range s.Transactions {
		if entry.IsCredit() {
			credits = append(credits, entry)
		}
	}
	return credits
}

// Summary holds the dashboard aggregates computed from a snapshot.
type Summary struct {
	TotalBalance     decimal.Decimal `json:"total_balance"`
	AccountCount     int             `json:"account_count"`
	Revenue          decimal.Decimal `json:"revenue"`
	Expenses         decimal.Decimal `json:"expenses"`
	NetIncome        decimal.Decimal `json:"net_income"`
	ReceivablesTotal decimal.Decimal `json:"receivables_total"`
	TransactionCount int             `json:"transaction_count"`
	TakenAt          time.Time       `json:"taken_at"`
}

// Summarize computes revenue (sum of credits), expenses (sum of debits) and
// net income over the snapshot's transaction window.
func (s *Snapshot) Summarize() Summary {
	revenue := decimal.Zero
	expenses := decimal.Zero
	for _, entry := range s.Transactions {
		if entry.IsCredit() {
			revenue = revenue.Add(entry.Amount)
		} else {
			expenses = expenses.Add(entry.Amount)
		}
	}
	return Summary{
		TotalBalance:     s.TotalBalance,
		AccountCount:     s.AccountCount,
		Revenue:          revenue,
		Expenses:         expenses,
		NetIncome:        revenue.Sub(expenses),
		ReceivablesTotal: revenue,
		TransactionCount: len(s.Transactions),
		TakenAt:          s.TakenAt,
	}
}

// sortFeed orders the combined feed newest first; transactions without any
// resolvable date sort last, keeping their relative order.
func sortFeed(feed []FeedEntry) {
	sort.SliceStable(feed, func(i, j int) bool {
		ti, iOK := feed[i].SortTime()
		tj, jOK := feed[j].SortTime()
		if iOK && jOK {
			return ti.After(tj)
		}
		return iOK && !jOK
	})
}
