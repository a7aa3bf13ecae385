// Package universe loads the ticker table and resolves symbols to gateway
// contracts. The table is a CSV checked in alongside the configuration so
// adding an instrument never requires a code change.
package universe

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"ibdaily/internal/domain"
)

// Resolver maps a symbol to the contract the gateway expects.
type Resolver interface {
	Resolve(symbol string) (domain.Contract, error)
}

// Universe is the in-memory ticker table.
type Universe struct {
	contracts map[string]domain.Contract
	order     []string
	log       *slog.Logger
}

// Load reads the ticker CSV. Expected columns: symbol, secType, exchange,
// currency, then optional lastTradeDateOrContractMonth, strike, right,
// multiplier for derivatives. Invalid rows are skipped with a warning.
func Load(path string) (*Universe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening tickers file %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading tickers file %s: %w", path, err)
	}

	u := &Universe{
		contracts: make(map[string]domain.Contract),
		log:       slog.Default().With("component", "universe"),
	}
	for i, row := range rows {
		if i == 0 && len(row) > 0 && strings.EqualFold(row[0], "symbol") {
			continue
		}
		c, err := parseRow(row)
		if err != nil {
			u.log.Warn("skipping ticker row", "line", i+1, "err", err)
			continue
		}
		if err := ValidateContract(c); err != nil {
			u.log.Warn("skipping invalid contract", "symbol", c.Symbol, "err", err)
			continue
		}
		if _, dup := u.contracts[c.Symbol]; dup {
			u.log.Warn("duplicate ticker", "symbol", c.Symbol)
			continue
		}
		u.contracts[c.Symbol] = c
		u.order = append(u.order, c.Symbol)
	}
	return u, nil
}

func parseRow(row []string) (domain.Contract, error) {
	var c domain.Contract
	if len(row) < 4 {
		return c, fmt.Errorf("want at least 4 fields, got %d", len(row))
	}

	symbol, err := CleanSymbol(row[0])
	if err != nil {
		return c, err
	}
	c = domain.Contract{
		Symbol:   symbol,
		SecType:  domain.SecType(strings.ToUpper(strings.TrimSpace(row[1]))),
		Exchange: strings.ToUpper(strings.TrimSpace(row[2])),
		Currency: strings.ToUpper(strings.TrimSpace(row[3])),
	}
	if len(row) > 4 {
		c.LastTradeDateOrContractMonth = strings.TrimSpace(row[4])
	}
	if len(row) > 5 && strings.TrimSpace(row[5]) != "" {
		strike, err := strconv.ParseFloat(strings.TrimSpace(row[5]), 64)
		if err != nil {
			return c, fmt.Errorf("bad strike %q: %w", row[5], err)
		}
		c.Strike = strike
	}
	if len(row) > 6 {
		c.Right = strings.ToUpper(strings.TrimSpace(row[6]))
	}
	if len(row) > 7 {
		c.Multiplier = strings.TrimSpace(row[7])
	}
	return c, nil
}

// CleanSymbol normalizes user and file input to an uppercase symbol. Dots
// and dashes are allowed for share classes (BRK.B, BF-B).
func CleanSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-':
		default:
			return "", fmt.Errorf("symbol %q contains invalid character %q", raw, r)
		}
	}
	return s, nil
}

// ValidateContract applies the per-secType field requirements.
func ValidateContract(c domain.Contract) error {
	if c.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	if c.Exchange == "" {
		return fmt.Errorf("missing exchange")
	}
	if c.Currency == "" {
		return fmt.Errorf("missing currency")
	}

	switch c.SecType {
	case domain.SecStock:
		return nil
	case domain.SecFuture:
		if c.LastTradeDateOrContractMonth == "" {
			return fmt.Errorf("future %s missing contract month", c.Symbol)
		}
		return nil
	case domain.SecOption:
		if c.LastTradeDateOrContractMonth == "" {
			return fmt.Errorf("option %s missing expiry", c.Symbol)
		}
		if c.Strike <= 0 {
			return fmt.Errorf("option %s missing strike", c.Symbol)
		}
		if c.Right != "C" && c.Right != "P" {
			return fmt.Errorf("option %s right must be C or P, got %q", c.Symbol, c.Right)
		}
		return nil
	default:
		return fmt.Errorf("unsupported secType %q", c.SecType)
	}
}

// Resolve implements Resolver.
func (u *Universe) Resolve(symbol string) (domain.Contract, error) {
	clean, err := CleanSymbol(symbol)
	if err != nil {
		return domain.Contract{}, err
	}
	c, ok := u.contracts[clean]
	if !ok {
		return domain.Contract{}, fmt.Errorf("symbol %s not in ticker table", clean)
	}
	return c, nil
}

// Symbols returns all symbols in file order.
func (u *Universe) Symbols() []string {
	out := make([]string, len(u.order))
	copy(out, u.order)
	return out
}
