package deribit

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	// LotInstrument is the only instrument with a client-side lot rule.
	LotInstrument = "BTC-PERPETUAL"
	// LotSize is the BTC-PERPETUAL amount increment in USD.
	LotSize = 10

	pricePlaces = 2
)

// NormalizeAmount applies the BTC-PERPETUAL lot rule: round to the nearest
// multiple of 10 (ties away from zero), never below 10. Other instruments
// pass through.
func NormalizeAmount(instrument string, amount float64) float64 {
	if instrument != LotInstrument || !finite(amount) {
		return amount
	}
	rounded := decimal.NewFromFloat(amount).Round(-1)
	if rounded.LessThan(decimal.NewFromInt(LotSize)) {
		return LotSize
	}
	return rounded.InexactFloat64()
}

// RoundPrice rounds a limit price to two decimal places, ties away from zero.
func RoundPrice(price float64) float64 {
	if !finite(price) {
		return price
	}
	return decimal.NewFromFloat(price).Round(pricePlaces).InexactFloat64()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// checkOrderValues rejects amounts and prices no exchange call can carry.
func checkOrderValues(method string, amount, price float64, limit bool) error {
	if !finite(amount) {
		return invalidRequest(method, fmt.Sprintf("amount must be finite, got %v", amount))
	}
	if limit && !finite(price) {
		return invalidRequest(method, fmt.Sprintf("price must be finite, got %v", price))
	}
	return nil
}
