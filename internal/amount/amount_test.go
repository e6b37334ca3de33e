package amount

import (
	"math/big"
	"strings"
	"testing"
)

func TestFormat(t *testing.T) {
	cases := []struct {
		base     string
		decimals int32
		want     string
	}{
		{"400000000000000000", 18, "0.4"},
		{"1000000", 6, "1"},
		{"1", 18, "0.000000000000000001"},
		{"0", 6, "0"},
		{"123456789", 0, "123456789"},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", 18, "115792089237316195423570985008687907853269984665640564039457.584007913129639935"},
	}
	for _, tc := range cases {
		v, ok := new(big.Int).SetString(tc.base, 10)
		if !ok {
			t.Fatalf("bad fixture %s", tc.base)
		}
		if got := Format(v, tc.decimals); got != tc.want {
			t.Fatalf("Format(%s,%d) = %s, want %s", tc.base, tc.decimals, got, tc.want)
		}
	}
	if got := Format(nil, 6); got != "0" {
		t.Fatalf("unexpected nil format: %s", got)
	}
}

func TestParseBaseUnits(t *testing.T) {
	v, err := ParseBaseUnits(" 500000000000000000 ")
	if err != nil {
		t.Fatalf("ParseBaseUnits failed: %v", err)
	}
	if v.String() != "500000000000000000" {
		t.Fatalf("unexpected value %s", v)
	}
	for _, bad := range []string{"", "-1", "1.5", "0x10", "abc", "1" + strings.Repeat("0", 78)} {
		if _, err := ParseBaseUnits(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestToBaseUnits(t *testing.T) {
	v, err := ToBaseUnits("1.25", 6)
	if err != nil {
		t.Fatalf("ToBaseUnits failed: %v", err)
	}
	if v.String() != "1250000" {
		t.Fatalf("unexpected base units %s", v)
	}
	if _, err := ToBaseUnits("1.1234567", 6); err == nil {
		t.Fatal("expected precision error")
	}
	if _, err := ToBaseUnits("1e5", 6); err == nil {
		t.Fatal("expected exponent form to be rejected")
	}
	if got := FormatString("not-a-number", 6); got != "" {
		t.Fatalf("expected empty format for malformed input, got %q", got)
	}
}
