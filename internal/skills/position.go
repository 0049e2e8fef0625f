package skills

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quantlab-io/backtest/internal/domain"
)

// Direction of a position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// SymbolWeight is one leg of a position: a symbol and its signed weight.
type SymbolWeight struct {
	Symbol string
	Weight float64
}

// Position is a parsed position spec.
type Position struct {
	Raw         string
	Direction   Direction
	Symbols     []SymbolWeight
	TotalWeight float64
}

// ParsePosition parses a position spec. Supported forms:
//
//	"多AU"       long AU, weight 1
//	"空AG"       short AG, weight 1
//	"多AU:2"     long AU, weight 2
//	"多L-V:1:1"  long L one part, short V one part (a hedged pair)
//	"AU"         bare symbol, treated as long
//
// The leading 多/空 marker selects the direction; a hyphen separates the two
// legs of a hedged pair and the colon-separated ratios weight them.
func ParsePosition(position string) (*Position, error) {
	raw := strings.TrimSpace(position)
	if raw == "" {
		return nil, domain.DataValidationError("empty position")
	}

	direction := DirectionLong
	rest := raw
	switch {
	case strings.HasPrefix(rest, "多"):
		rest = strings.TrimPrefix(rest, "多")
	case strings.HasPrefix(rest, "空"):
		direction = DirectionShort
		rest = strings.TrimPrefix(rest, "空")
	}

	parts := strings.Split(rest, ":")
	symbolsPart := strings.TrimSpace(parts[0])
	if symbolsPart == "" {
		return nil, domain.DataValidationError(fmt.Sprintf("invalid position %q: no symbol", raw))
	}

	ratio := func(idx int, fallback float64) (float64, error) {
		if idx >= len(parts) {
			return fallback, nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[idx]), 64)
		if err != nil || v <= 0 {
			return 0, domain.DataValidationError(fmt.Sprintf("invalid position %q: bad ratio %q", raw, parts[idx]))
		}
		return v, nil
	}

	sign := 1.0
	if direction == DirectionShort {
		sign = -1.0
	}

	if strings.Contains(symbolsPart, "-") {
		legs := strings.SplitN(symbolsPart, "-", 2)
		symA := strings.ToUpper(strings.TrimSpace(legs[0]))
		symB := strings.ToUpper(strings.TrimSpace(legs[1]))
		if symA == "" || symB == "" {
			return nil, domain.DataValidationError(fmt.Sprintf("invalid position %q: bad pair", raw))
		}
		ratioA, err := ratio(1, 1)
		if err != nil {
			return nil, err
		}
		ratioB, err := ratio(2, 1)
		if err != nil {
			return nil, err
		}
		return &Position{
			Raw:       raw,
			Direction: direction,
			Symbols: []SymbolWeight{
				{Symbol: symA, Weight: sign * ratioA},
				{Symbol: symB, Weight: -sign * ratioB},
			},
			TotalWeight: ratioA + ratioB,
		}, nil
	}

	symbol := strings.ToUpper(symbolsPart)
	weight, err := ratio(1, 1)
	if err != nil {
		return nil, err
	}
	return &Position{
		Raw:         raw,
		Direction:   direction,
		Symbols:     []SymbolWeight{{Symbol: symbol, Weight: sign * weight}},
		TotalWeight: weight,
	}, nil
}
