package calculator

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int32
		want     string
		wantErr  bool
	}{
		{name: "one and a half ether", amount: "1.5", decimals: 18, want: "1500000000000000000"},
		{name: "whole amount", amount: "42", decimals: 6, want: "42000000"},
		{name: "smallest unit", amount: "0.000001", decimals: 6, want: "1"},
		{name: "zero", amount: "0", decimals: 18, want: "0"},
		{name: "too precise", amount: "0.0000001", decimals: 6, wantErr: true},
		{name: "negative", amount: "-1", decimals: 18, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToBaseUnits(decimal.RequireFromString(tt.amount), tt.decimals)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ToBaseUnits() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.String() != tt.want {
				t.Errorf("ToBaseUnits() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFromBaseUnits(t *testing.T) {
	v, _ := new(big.Int).SetString("1500000000000000000", 10)
	got := FromBaseUnits(v, NativeDecimals)
	if !got.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("FromBaseUnits() = %s, want 1.5", got)
	}
	if !FromBaseUnits(nil, 18).IsZero() {
		t.Error("FromBaseUnits(nil) should be zero")
	}
}
