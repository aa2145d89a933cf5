// Package registry resolves bank codes to display metadata and API endpoints.
package registry

import "sort"

// Bank describes one linked Open Banking provider.
type Bank struct {
	Code         string
	Name         string
	BaseURL      string
	ClientID     string
	ClientSecret string
}

// Registry is the configured set of banks the aggregator may query.
type Registry struct {
	banks map[string]Bank
}

// New builds a registry from the given banks. Later entries with a duplicate
// code win.
func New(banks ...Bank) *Registry {
	r := &Registry{banks: make(map[string]Bank, len(banks))}
	for _, b := range banks {
		r.banks[b.Code] = b
	}
	return r
}

// Default returns the standard three-bank setup of the hackathon Open
// Banking sandbox.
func Default() *Registry {
	return New(
		Bank{Code: "vbank", Name: "Virtual Bank", BaseURL: "https://vbank.open.bankingapi.ru"},
		Bank{Code: "abank", Name: "Awesome Bank", BaseURL: "https://abank.open.bankingapi.ru"},
		Bank{Code: "sbank", Name: "Smart Bank", BaseURL: "https://sbank.open.bankingapi.ru"},
	)
}

// Lookup returns the bank for code.
func (r *Registry) Lookup(code string) (Bank, bool) {
	b, ok := r.banks[code]
	return b, ok
}

// DisplayName resolves a bank code to its human label. Unknown codes come
// back verbatim so a missing registry entry never hides data.
func (r *Registry) DisplayName(code string) string {
	if b, ok := r.banks[code]; ok && b.Name != "" {
		return b.Name
	}
	return code
}

// Codes returns all registered bank codes in stable order.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.banks))
	for code := range r.banks {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Banks returns all registered banks ordered by code.
func (r *Registry) Banks() []Bank {
	banks := make([]Bank, 0, len(r.banks))
	for _, code := range r.Codes() {
		banks = append(banks, r.banks[code])
	}
	return banks
}
