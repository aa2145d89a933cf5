package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// The banks' historical API versions disagree on envelope shape and field
// naming. The raw types below accept every variant seen in the wild and
// normalize it into the canonical types in models.go. Unknown or malformed
// fragments degrade to zero values instead of failing the whole payload.

// flexString decodes a JSON string or number into a string. Anything else
// becomes the empty string.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	*f = ""
	return nil
}

// rawAmount decodes either a bare amount ("100.00" or 100.0) or the nested
// form {"amount": "100.00", "currency": "RUB"}.
type rawAmount struct {
	Amount   flexString
	Currency string
}

func (a *rawAmount) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var nested struct {
			Amount   flexString `json:"amount"`
			Currency string     `json:"currency"`
		}
		if err := json.Unmarshal(trimmed, &nested); err == nil {
			a.Amount = nested.Amount
			a.Currency = nested.Currency
		}
		return nil
	}
	return a.Amount.UnmarshalJSON(trimmed)
}

type rawBalance struct {
	BalanceType   string     `json:"balance_type"`
	BalanceTypeCC string     `json:"balanceType"`
	TypeAlt       string     `json:"type"`
	Amount        rawAmount  `json:"amount"`
	BalanceAmount flexString `json:"balance_amount"`
	Currency      string     `json:"currency"`
	DateTime      string     `json:"date_time"`
}

func (r rawBalance) normalize() Balance {
	amount := string(r.Amount.Amount)
	if amount == "" {
		amount = string(r.BalanceAmount)
	}
	currency := r.Currency
	if currency == "" {
		currency = r.Amount.Currency
	}
	return Balance{
		Type:     canonicalBalanceType(firstNonEmpty(r.BalanceType, r.BalanceTypeCC, r.TypeAlt)),
		Amount:   ParseAmount(amount),
		Currency: currency,
		DateTime: ParseTime(r.DateTime),
	}
}

func canonicalBalanceType(t string) string {
	switch {
	case strings.EqualFold(t, BalanceInterimAvailable):
		return BalanceInterimAvailable
	case strings.EqualFold(t, BalanceInterimBooked):
		return BalanceInterimBooked
	}
	return t
}

// BalancesResponse accepts the three balance envelope shapes observed across
// API versions: a flat array, {"data": {"balance": [...]}} and
// {"Data": {"Balance": [...]}} (Go's case-insensitive field matching folds
// the latter two together), plus the {"balances": [...]} wrapper used by the
// accounts listing.
type BalancesResponse struct {
	Balances []Balance
}

func (r *BalancesResponse) UnmarshalJSON(data []byte) error {
	var flat []rawBalance
	if err := json.Unmarshal(data, &flat); err == nil {
		r.Balances = normalizeBalances(flat)
		return nil
	}

	var envelope struct {
		Data struct {
			Balance []rawBalance `json:"balance"`
		} `json:"data"`
		Balances []rawBalance `json:"balances"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		r.Balances = nil
		return nil
	}
	if len(envelope.Data.Balance) > 0 {
		r.Balances = normalizeBalances(envelope.Data.Balance)
		return nil
	}
	r.Balances = normalizeBalances(envelope.Balances)
	return nil
}

func normalizeBalances(raw []rawBalance) []Balance {
	if len(raw) == 0 {
		return nil
	}
	balances := make([]Balance, 0, len(raw))
	for _, b := range raw {
		balances = append(balances, b.normalize())
	}
	return balances
}

type rawAccount struct {
	AccountID   flexString `json:"account_id"`
	AccountIDCC flexString `json:"accountId"`
	ID          flexString `json:"id"`
	Nested      struct {
		Identification flexString `json:"identification"`
	} `json:"account"`
	AccountType string           `json:"account_type"`
	AccountName string           `json:"account_name"`
	Name        string           `json:"name"`
	Currency    string           `json:"currency"`
	IBAN        string           `json:"iban"`
	Balances    BalancesResponse `json:"balances"`
}

// normalize resolves the account ID across the four historical field-name
// variants. Accounts with no resolvable ID are dropped by the caller.
func (r rawAccount) normalize() (Account, bool) {
	id := firstNonEmpty(
		string(r.AccountID),
		string(r.ID),
		string(r.AccountIDCC),
		string(r.Nested.Identification),
	)
	if id == "" {
		return Account{}, false
	}
	return Account{
		ID:       id,
		Type:     r.AccountType,
		Name:     firstNonEmpty(r.AccountName, r.Name),
		Currency: r.Currency,
		IBAN:     r.IBAN,
		Balances: r.Balances.Balances,
	}, true
}

// AccountsResponse is the accounts listing envelope.
type AccountsResponse struct {
	Accounts []Account
}

func (r *AccountsResponse) UnmarshalJSON(data []byte) error {
	var flat []rawAccount
	if err := json.Unmarshal(data, &flat); err == nil {
		r.Accounts = normalizeAccounts(flat)
		return nil
	}
	var envelope struct {
		Accounts []rawAccount `json:"accounts"`
		Data     struct {
			Account []rawAccount `json:"account"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		r.Accounts = nil
		return nil
	}
	if len(envelope.Accounts) > 0 {
		r.Accounts = normalizeAccounts(envelope.Accounts)
		return nil
	}
	r.Accounts = normalizeAccounts(envelope.Data.Account)
	return nil
}

func normalizeAccounts(raw []rawAccount) []Account {
	accounts := make([]Account, 0, len(raw))
	for _, a := range raw {
		if account, ok := a.normalize(); ok {
			accounts = append(accounts, account)
		}
	}
	return accounts
}

// flexRemittance decodes remittance information given either as a plain
// string or as {"unstructured": "..."}.
type flexRemittance string

func (f *flexRemittance) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexRemittance(s)
		return nil
	}
	var nested struct {
		Unstructured string `json:"unstructured"`
	}
	if err := json.Unmarshal(data, &nested); err == nil {
		*f = flexRemittance(nested.Unstructured)
		return nil
	}
	*f = ""
	return nil
}

type rawTransaction struct {
	TransactionID          flexString     `json:"transaction_id"`
	TransactionIDCC        flexString     `json:"transactionId"`
	ID                     flexString     `json:"id"`
	AccountID              flexString     `json:"account_id"`
	Amount                 rawAmount      `json:"amount"`
	Currency               string         `json:"currency"`
	CreditDebitIndicator   string         `json:"credit_debit_indicator"`
	CreditDebitIndicatorCC string         `json:"creditDebitIndicator"`
	TransactionType        string         `json:"transaction_type"`
	BookingDate            string         `json:"booking_date"`
	BookingDateCC          string         `json:"bookingDate"`
	BookingDateTime        string         `json:"bookingDateTime"`
	ValueDate              string         `json:"value_date"`
	ValueDateCC            string         `json:"valueDate"`
	ValueDateTime          string         `json:"valueDateTime"`
	TransactionInformation string         `json:"transactionInformation"`
	Remittance             flexRemittance `json:"remittance_information"`
	RemittanceInfo         flexRemittance `json:"remittanceInformation"`
}

func (r rawTransaction) normalize() Transaction {
	amount := ParseAmount(string(r.Amount.Amount))

	indicator := canonicalIndicator(firstNonEmpty(
		r.CreditDebitIndicator,
		r.CreditDebitIndicatorCC,
		r.TransactionType,
	))
	if indicator == "" {
		// older API versions carried signed amounts instead of an indicator
		if amount.Sign() < 0 {
			indicator = IndicatorDebit
		} else {
			indicator = IndicatorCredit
		}
	}

	description := firstNonEmpty(
		r.TransactionInformation,
		string(r.Remittance),
		string(r.RemittanceInfo),
	)
	if description == "" {
		description = NoDescription
	}

	currency := r.Currency
	if currency == "" {
		currency = r.Amount.Currency
	}

	return Transaction{
		ID:          firstNonEmpty(string(r.TransactionID), string(r.TransactionIDCC), string(r.ID)),
		AccountID:   string(r.AccountID),
		Amount:      amount.Abs(),
		Currency:    currency,
		Indicator:   indicator,
		BookingDate: firstParsedTime(r.BookingDate, r.BookingDateCC, r.BookingDateTime),
		ValueDate:   firstParsedTime(r.ValueDate, r.ValueDateCC, r.ValueDateTime),
		Description: description,
	}
}

func canonicalIndicator(t string) string {
	switch {
	case strings.EqualFold(t, IndicatorCredit):
		return IndicatorCredit
	case strings.EqualFold(t, IndicatorDebit):
		return IndicatorDebit
	}
	return ""
}

// TransactionsResponse is the transactions listing envelope. Like balances it
// tolerates a flat array, {"transactions": [...]} and
// {"Data": {"Transaction": [...]}}.
type TransactionsResponse struct {
	Transactions []Transaction
}

func (r *TransactionsResponse) UnmarshalJSON(data []byte) error {
	var flat []rawTransaction
	if err := json.Unmarshal(data, &flat); err == nil {
		r.Transactions = normalizeTransactions(flat)
		return nil
	}
	var envelope struct {
		Transactions []rawTransaction `json:"transactions"`
		Data         struct {
			Transaction []rawTransaction `json:"transaction"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		r.Transactions = nil
		return nil
	}
	if len(envelope.Transactions) > 0 {
		r.Transactions = normalizeTransactions(envelope.Transactions)
		return nil
	}
	r.Transactions = normalizeTransactions(envelope.Data.Transaction)
	return nil
}

func normalizeTransactions(raw []rawTransaction) []Transaction {
	if len(raw) == 0 {
		return nil
	}
	transactions := make([]Transaction, 0, len(raw))
	for _, t := range raw {
		transactions = append(transactions, t.normalize())
	}
	return transactions
}

// ConsentResponse is the consent creation/status envelope. Pending consents
// from some banks carry only a request_id, which then doubles as the consent
// id for status polling.
type ConsentResponse struct {
	ConsentID    flexString `json:"consent_id"`
	ConsentIDCC  flexString `json:"consentId"`
	RequestID    flexString `json:"request_id"`
	Status       string     `json:"status"`
	AutoApproved bool       `json:"auto_approved"`
	Permissions  []string   `json:"permissions"`
	ExpiresAt    string     `json:"expires_at"`
}

func (r ConsentResponse) Normalize() Consent {
	id := firstNonEmpty(string(r.ConsentID), string(r.ConsentIDCC))
	status := r.Status
	if status == "" {
		status = "approved"
	}
	if id == "" && strings.EqualFold(status, "pending") {
		id = string(r.RequestID)
	}
	return Consent{
		ConsentID:    id,
		Status:       strings.ToLower(status),
		AutoApproved: r.AutoApproved,
		Permissions:  r.Permissions,
		ExpiresAt:    ParseTime(r.ExpiresAt),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstParsedTime(values ...string) *time.Time {
	for _, v := range values {
		if ts := ParseTime(v); ts != nil {
			return ts
		}
	}
	return nil
}
