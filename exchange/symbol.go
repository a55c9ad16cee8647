package exchange

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/quantbox/quantbox/model"
)

var contractCode = regexp.MustCompile(`^([A-Za-z]+)([0-9]{3,4})$`)

// SplitSymbol splits a canonical EXCHANGE.code symbol.
func SplitSymbol(symbol string) (exchangeCode, code string, err error) {
	parts := strings.SplitN(symbol, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if !IsCanonical(parts[0]) {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownExchange, parts[0])
	}
	return parts[0], parts[1], nil
}

// SplitCode splits a contract code into product letters and year-month
// digits, e.g. cu2403 into cu and 2403.
func SplitCode(code string) (product, yearMonth string, err error) {
	match := contractCode.FindStringSubmatch(code)
	if match == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbol, code)
	}
	return match[1], match[2], nil
}

// NormalizeFuture builds the canonical EXCHANGE.code symbol from a contract
// code in any vendor spelling: case is folded to the exchange's official
// convention and three-digit CZCE year-months are widened to four using
// anchor as the decade reference.
func NormalizeFuture(exchangeCode, code string, anchor model.Date) (string, error) {
	market, err := Market(exchangeCode)
	if err != nil {
		return "", err
	}
	if market != MarketFutures {
		return "", fmt.Errorf("%w: %q is not a futures exchange", ErrInvalidSymbol, exchangeCode)
	}

	product, yearMonth, err := SplitCode(code)
	if err != nil {
		return "", err
	}

	if len(yearMonth) == 3 {
		if exchangeCode != CZCE {
			return "", fmt.Errorf("%w: three-digit year-month %q outside CZCE", ErrInvalidSymbol, code)
		}
		yearMonth = widenYearMonth(yearMonth, anchor)
	}

	if month, _ := strconv.Atoi(yearMonth[2:]); month < 1 || month > 12 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, code)
	}

	if UpperCase(exchangeCode) {
		product = strings.ToUpper(product)
	} else {
		product = strings.ToLower(product)
	}
	return exchangeCode + "." + product + yearMonth, nil
}

// widenYearMonth resolves a single year digit against the anchor decade;
// digits already in the past roll into the next decade. With anchor 2024,
// 501 widens to 2501; with anchor 2034 it widens to 3501.
func widenYearMonth(yearMonth string, anchor model.Date) string {
	digit := int(yearMonth[0] - '0')
	anchorYY := anchor.Year() % 100
	yy := anchorYY/10*10 + digit
	if yy < anchorYY {
		yy += 10
	}
	return fmt.Sprintf("%02d%s", yy%100, yearMonth[1:])
}

// narrowYearMonth drops the decade digit, the reverse of widenYearMonth.
func narrowYearMonth(yearMonth string) string {
	if len(yearMonth) == 4 {
		return yearMonth[1:]
	}
	return yearMonth
}

// VendorFuture encodes a canonical future symbol the way the vendor
// writes it, including CZCE year narrowing for three-digit dialects.
func VendorFuture(d Dialect, symbol string) (string, error) {
	exchangeCode, code, err := SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	product, yearMonth, err := SplitCode(code)
	if err != nil {
		return "", err
	}

	if d.ThreeDigitYear && exchangeCode == CZCE {
		yearMonth = narrowYearMonth(yearMonth)
	}
	if d.UpperCode {
		product = strings.ToUpper(product)
	}

	if d.SuffixStyle {
		suffix, err := d.Code(exchangeCode, UsageSuffix)
		if err != nil {
			return "", err
		}
		return product + yearMonth + "." + suffix, nil
	}

	prefix, err := d.Code(exchangeCode, UsageAPI)
	if err != nil {
		return "", err
	}
	return prefix + "." + product + yearMonth, nil
}

// ParseVendorFuture decodes a vendor-form future symbol back to canonical.
func ParseVendorFuture(d Dialect, symbol string, anchor model.Date) (string, error) {
	parts := strings.SplitN(symbol, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	exchangePart, codePart := parts[0], parts[1]
	if d.SuffixStyle {
		exchangePart, codePart = parts[1], parts[0]
	}

	exchangeCode, err := d.ToCanonical(exchangePart)
	if err != nil {
		return "", err
	}
	return NormalizeFuture(exchangeCode, codePart, anchor)
}

// NormalizeStock infers the exchange of a bare six-digit stock code from
// its first digit and returns the canonical symbol.
func NormalizeStock(code string) (string, error) {
	if len(code) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, code)
		}
	}

	var exchangeCode string
	switch code[0] {
	case '6':
		exchangeCode = SHSE
	case '0', '3':
		exchangeCode = SZSE
	case '4', '8', '9':
		exchangeCode = BSE
	default:
		return "", fmt.Errorf("%w: no exchange for code %q", ErrInvalidSymbol, code)
	}
	return exchangeCode + "." + code, nil
}

// VendorStock encodes a canonical stock symbol for the vendor, either
// code.SUFFIX or EXCHANGE.code depending on the dialect.
func VendorStock(d Dialect, symbol string) (string, error) {
	exchangeCode, code, err := SplitSymbol(symbol)
	if err != nil {
		return "", err
	}

	if d.SuffixStyle {
		suffix, err := d.Code(exchangeCode, UsageSuffix)
		if err != nil {
			return "", err
		}
		return code + "." + suffix, nil
	}

	prefix, err := d.Code(exchangeCode, UsageAPI)
	if err != nil {
		return "", err
	}
	return prefix + "." + code, nil
}

// ParseVendorStock decodes a vendor-form stock symbol back to canonical.
func ParseVendorStock(d Dialect, symbol string) (string, error) {
	parts := strings.SplitN(symbol, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	exchangePart, codePart := parts[0], parts[1]
	if d.SuffixStyle {
		exchangePart, codePart = parts[1], parts[0]
	}

	exchangeCode, err := d.ToCanonical(exchangePart)
	if err != nil {
		return "", err
	}
	if market, err := Market(exchangeCode); err != nil || market != MarketStock {
		return "", fmt.Errorf("%w: %q is not a stock exchange", ErrInvalidSymbol, exchangePart)
	}
	return exchangeCode + "." + codePart, nil
}
