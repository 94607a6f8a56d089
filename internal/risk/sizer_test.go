package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestLotSizer_Lot(t *testing.T) {
	tests := []struct {
		name     string
		sizer    LotSizer
		balance  string
		price    string
		expected string
	}{
		{
			name:     "default sizer",
			sizer:    DefaultLotSizer(),
			balance:  "10000",
			price:    "30000",
			expected: "0.316", // 9500/30000 = 0.31666 floored to 0.001
		},
		{
			name:     "leverage multiplies",
			sizer:    LotSizer{Leverage: decimal.NewFromInt(3), Pct: decimal.RequireFromString("0.5"), Step: decimal.NewFromInt(1)},
			balance:  "1000",
			price:    "100",
			expected: "15",
		},
		{
			name:     "no step keeps precision",
			sizer:    LotSizer{Leverage: decimal.NewFromInt(1), Pct: decimal.NewFromInt(1)},
			balance:  "100",
			price:    "8",
			expected: "12.5",
		},
		{
			name:     "below min qty",
			sizer:    LotSizer{Leverage: decimal.NewFromInt(1), Pct: decimal.NewFromInt(1), Step: decimal.NewFromInt(1), MinQty: decimal.NewFromInt(1)},
			balance:  "50",
			price:    "100",
			expected: "0",
		},
		{
			name:     "zero leverage treated as 1x",
			sizer:    LotSizer{Pct: decimal.NewFromInt(1), Step: decimal.NewFromInt(1)},
			balance:  "500",
			price:    "100",
			expected: "5",
		},
		{
			name:     "zero balance",
			sizer:    DefaultLotSizer(),
			balance:  "0",
			price:    "100",
			expected: "0",
		},
		{
			name:     "negative balance",
			sizer:    DefaultLotSizer(),
			balance:  "-100",
			price:    "100",
			expected: "0",
		},
		{
			name:     "zero price",
			sizer:    DefaultLotSizer(),
			balance:  "1000",
			price:    "0",
			expected: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.sizer.Lot(decimal.RequireFromString(tt.balance), decimal.RequireFromString(tt.price))
			want := decimal.RequireFromString(tt.expected)
			if !got.Equal(want) {
				t.Errorf("Lot() = %s, want %s", got, want)
			}
		})
	}
}

func TestLotSizer_Clamp(t *testing.T) {
	s := DefaultLotSizer()

	tests := []struct {
		qty, max, want string
	}{
		{"5", "10", "5"},
		{"15", "10", "10"},
		{"15", "0", "15"},
	}

	for _, tt := range tests {
		got := s.Clamp(decimal.RequireFromString(tt.qty), decimal.RequireFromString(tt.max))
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Clamp(%s, %s) = %s, want %s", tt.qty, tt.max, got, tt.want)
		}
	}
}
