// Package signal defines the universal alert envelope consumed by trading
// agents. Every detector in the service emits the same versioned shape so a
// consumer only has to parse one schema regardless of which loop fired.
package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

const Version = 1

type (
	Code     string
	Severity string
	Action   string
)

const (
	CodeNonceIncrement          Code = "NONCE_INCREMENT"
	CodeSuspiciousTiming        Code = "SUSPICIOUS_TIMING"
	CodeNewExploiter            Code = "NEW_EXPLOITER"
	CodeBlacklistedCounterparty Code = "BLACKLISTED_COUNTERPARTY"
	CodeMarketManipulation      Code = "MARKET_MANIPULATION"
)

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	ActionHold   Action = "HOLD"
	ActionCancel Action = "CANCEL"
	ActionSell   Action = "SELL"
)

type Signal struct {
	Version   int            `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Code      Code           `json:"code"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
}

func New(code Code, severity Severity, source string, data map[string]any) Signal {
	return Signal{
		Version:   Version,
		Timestamp: time.Now().UTC(),
		Code:      code,
		Severity:  severity,
		Source:    source,
		Data:      data,
	}
}

func (s Signal) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// DedupID identifies a signal for broker-side duplicate suppression. Signals
// tied to a transaction reuse its hash so replayed blocks collapse to one
// published message; the rest fall back to a timestamp key.
func (s Signal) DedupID() string {
	if tx, ok := s.Data["tx_hash"].(string); ok && tx != "" {
		return fmt.Sprintf("%s:%s", s.Code, tx)
	}
	return fmt.Sprintf("%s:%d", s.Code, s.Timestamp.UnixNano())
}
