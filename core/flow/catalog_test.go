package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"0912345678":       "0912345678",
		"+84912345678":     "0912345678",
		"091 234 5678":     "0912345678",
		"091.234.5678":     "0912345678",
		" +84-91-234-5678": "0912345678",
	}
	for in, want := range cases {
		got, ok := NormalizePhone(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "12345", "091234567", "09123456789", "+8512345678", "0912abc678"} {
		_, ok := NormalizePhone(in)
		assert.False(t, ok, in)
	}
}

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1500000", 1_500_000},
		{"1.500.000", 1_500_000},
		{"1,500,000", 1_500_000},
		{"1.500.000đ", 1_500_000},
		{"250k", 250_000},
		{"250K", 250_000},
		{"1.5tr", 1_500_000},
		{"1,5tr", 1_500_000},
		{"2 triệu", 2_000_000},
		{"12tr", 12_000_000},
		{"300 nghìn", 300_000},
		{"500000 vnd", 500_000},
	}
	for _, tc := range cases {
		got, err := ParsePrice(tc.in)
		if assert.NoError(t, err, tc.in) {
			assert.Equal(t, tc.want, got, tc.in)
		}
	}
	for _, in := range []string{"", "abc", "0", "-5", "k", "1.2.3tr", "200000000000", "1tr5", "1.-5tr", "1.+5tr", "+2tr", "+500000"} {
		_, err := ParsePrice(in)
		assert.Error(t, err, in)
	}
}
