package main

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

const (
	solDecimals    uint8  = 9
	lamportsPerSOL uint64 = 1_000_000_000
)

// Addr shortens base58 addresses for logs and chat replies. Keys are long enough that printing
// them in full makes every line wrap on a phone screen.
type Addr string

func (a Addr) String() string {
	s := string(a)
	if len(s) <= 12 {
		return s
	}
	return s[:4] + "…" + s[len(s)-4:]
}

func fixedPointScale(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

func fmtForDisplay(raw *big.Int, decimals uint8, precision int) string {
	if raw == nil {
		return "0"
	}
	scale := fixedPointScale(decimals)
	rat := new(big.Rat).SetFrac(raw, scale)
	return rat.FloatString(precision)
}

func fmtForMath(amountStr string, decimals uint8) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(amountStr)
	if !ok {
		return nil, fmt.Errorf("the amount provided is an invalid decimal number: %q", amountStr)
	}
	if rat.Sign() <= 0 {
		return nil, errors.New("amount must be greater than zero")
	}
	scale := fixedPointScale(decimals)
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	if !rat.IsInt() {
		return nil, fmt.Errorf("amount %s exceeds decimal precision of %d", amountStr, decimals)
	}
	return new(big.Int).Set(rat.Num()), nil
}

var plainDecimal = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// parseSOLAmount turns a user typed SOL amount ("0.25") into lamports without going through floats.
func parseSOLAmount(amountStr string) (uint64, error) {
	amountStr = strings.TrimSpace(amountStr)
	// big.Rat also takes fractions, exponents and base prefixes ("1/3", "1e3", "0x10")
	if !plainDecimal.MatchString(amountStr) {
		return 0, fmt.Errorf("the amount provided is an invalid decimal number: %q", amountStr)
	}
	lamports, err := fmtForMath(amountStr, solDecimals)
	if err != nil {
		return 0, err
	}
	if !lamports.IsUint64() {
		return 0, fmt.Errorf("amount %s is too large", amountStr)
	}
	return lamports.Uint64(), nil
}

func displaySOL(lamports uint64) string {
	return fmtForDisplay(new(big.Int).SetUint64(lamports), solDecimals, 4)
}

// shareOf returns floor(amount * pct / 100). The product is computed in big.Int so that large raw
// token balances can't overflow before the division.
func shareOf(amount uint64, pct uint8) uint64 {
	if pct >= 100 {
		return amount
	}
	v := new(big.Int).SetUint64(amount)
	v.Mul(v, big.NewInt(int64(pct)))
	v.Quo(v, big.NewInt(100))
	return v.Uint64()
}

func formatPercent(p float64) string {
	str := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", p), "0"), ".")
	if str == "" {
		str = "0"
	}
	return fmt.Sprintf("%s%%", str)
}

func formatBps(bps uint16) string {
	return formatPercent(float64(bps) / 100)
}
