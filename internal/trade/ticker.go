package trade

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches exchange symbols such as RELIANCE, M&M, BAJAJ-AUTO
// or an optional suffix like INFY.NS.
var tickerRegex = regexp.MustCompile(`^[A-Z0-9&.\-]{1,20}$`)

var ErrInvalidTicker = errors.New("trade: invalid ticker format")

// NormalizeTicker upper-cases and trims s and validates the result.
func NormalizeTicker(s string) (string, error) {
	ticker := strings.ToUpper(strings.TrimSpace(s))
	if !tickerRegex.MatchString(ticker) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, s)
	}
	return ticker, nil
}
