package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	reg := New(
		Bank{Code: "vbank", Name: "Virtual Bank"},
		Bank{Code: "abank", Name: "Awesome Bank"},
	)

	bank, ok := reg.Lookup("vbank")
	require.True(t, ok)
	assert.Equal(t, "Virtual Bank", bank.Name)

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
}

func TestDuplicateCodesLastWins(t *testing.T) {
	reg := New(
		Bank{Code: "vbank", Name: "Old Name"},
		Bank{Code: "vbank", Name: "New Name"},
	)

	bank, _ := reg.Lookup("vbank")
	assert.Equal(t, "New Name", bank.Name)
}

func TestDisplayName(t *testing.T) {
	reg := New(Bank{Code: "vbank", Name: "Virtual Bank"}, Bank{Code: "nameless"})

	assert.Equal(t, "Virtual Bank", reg.DisplayName("vbank"))
	assert.Equal(t, "nameless", reg.DisplayName("nameless"))
	assert.Equal(t, "unknown", reg.DisplayName("unknown"))
}

func TestCodesAndBanksAreSorted(t *testing.T) {
	reg := Default()

	assert.Equal(t, []string{"abank", "sbank", "vbank"}, reg.Codes())

	banks := reg.Banks()
	require.Len(t, banks, 3)
	assert.Equal(t, "abank", banks[0].Code)
	assert.Equal(t, "vbank", banks[2].Code)
	for _, bank := range banks {
		assert.NotEmpty(t, bank.BaseURL)
	}
}
