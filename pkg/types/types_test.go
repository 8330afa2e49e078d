package types

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestFixed18ZeroValue(t *testing.T) {
	t.Parallel()
	var f Fixed18
	if !f.IsZero() {
		t.Error("zero value not zero")
	}
	if f.String() != "0" {
		t.Errorf("String() = %q, want 0", f.String())
	}
	if f.Decimal() != "0" {
		t.Errorf("Decimal() = %q, want 0", f.Decimal())
	}
	if f.Int().Sign() != 0 {
		t.Error("Int() of zero value not 0")
	}
}

func TestFixed18ParseAndRender(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		decimal string
	}{
		{"1000000000000000000", "1"},
		{"1500000000000000000", "1.5"},
		{"500000000000000000", "0.5"},
		{"990099000000000000", "0.990099"},
		{"0", "0"},
		{"101000000000000000000", "101"},
	}
	for _, c := range cases {
		f := ParseFixed18(c.raw)
		if f.String() != c.raw {
			t.Errorf("String(%s) = %s", c.raw, f.String())
		}
		if f.Decimal() != c.decimal {
			t.Errorf("Decimal(%s) = %s, want %s", c.raw, f.Decimal(), c.decimal)
		}
	}
}

func TestFixed18ParseMalformed(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "abc", "1.5", "0x10"} {
		if f := ParseFixed18(s); !f.IsZero() {
			t.Errorf("ParseFixed18(%q) = %s, want 0", s, f.String())
		}
	}
}

func TestFixed18CopiesInput(t *testing.T) {
	t.Parallel()
	v := big.NewInt(42)
	f := NewFixed18(v)
	v.SetInt64(99)
	if f.Int().Int64() != 42 {
		t.Error("NewFixed18 aliases its input")
	}

	out := f.Int()
	out.SetInt64(7)
	if f.Int().Int64() != 42 {
		t.Error("Int() exposes internal state")
	}
}

func TestFixed18JSONRoundTrip(t *testing.T) {
	t.Parallel()
	in := ParseFixed18("1500000000000000000")

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"1500000000000000000"` {
		t.Errorf("marshaled = %s", data)
	}

	var out Fixed18
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != in.String() {
		t.Errorf("round trip: %s → %s", in.String(), out.String())
	}
}

func TestNewMarketStateLowercasesPool(t *testing.T) {
	t.Parallel()
	s := NewMarketState("m1", "0xABCDEF")
	if s.FPMMAddress != "0xabcdef" {
		t.Errorf("fpmm = %s, want lowercased", s.FPMMAddress)
	}
	if s.YesReserve == nil || s.NoReserve == nil {
		t.Error("reserves not initialized")
	}
	if s.HasLiquidity {
		t.Error("fresh state reports liquidity")
	}
}
