package event

import "encoding/json"

type (
	// Window describes the 5-minute market resolution window a chain event
	// fell into. Start and End are unix seconds aligned to 300s boundaries.
	Window struct {
		Start      int64   `json:"window_start"`
		End        int64   `json:"window_end"`
		Remaining  int64   `json:"remaining_secs"`
		Elapsed    int64   `json:"elapsed_secs"`
		PctElapsed float64 `json:"pct_elapsed"`
	}

	// NonceEvent is one observed nonce-increment call against the exchange
	// contract. It is the unit of the durable event log: created once,
	// never mutated, unique by TxHash.
	NonceEvent struct {
		Caller    string `json:"caller"`
		TxHash    string `json:"tx_hash"`
		Block     uint64 `json:"block"`
		GasPrice  uint64 `json:"gas_price"`
		Timestamp int64  `json:"timestamp"`
		// Offset is the signed distance in seconds from the nearest market
		// window boundary, always in [-150, 150].
		Offset int64  `json:"offset"`
		Window Window `json:"window"`
	}

	// FillRecord is a decoded OrderFilled settlement log entry.
	FillRecord struct {
		TxHash       string `json:"tx_hash"`
		Block        uint64 `json:"block"`
		LogIndex     uint   `json:"log_index"`
		Maker        string `json:"maker"`
		Taker        string `json:"taker"`
		MakerAssetID string `json:"maker_asset_id"`
		TakerAssetID string `json:"taker_asset_id"`
		MakerAmount  uint64 `json:"maker_amount"`
		TakerAmount  uint64 `json:"taker_amount"`
		Fee          uint64 `json:"fee"`
	}

	AnomalyKind string

	// ManipulationAlert is emitted by the anomaly detector when an orderbook
	// delta crosses the configured threshold.
	ManipulationAlert struct {
		Timestamp int64       `json:"timestamp"`
		Market    string      `json:"market"`
		Kind      AnomalyKind `json:"kind"`
		// Magnitude is the deviation expressed as a multiple of the trailing
		// standard deviation of the triggering field.
		Magnitude float64 `json:"magnitude"`
		Message   string  `json:"message"`
		Window    Window  `json:"window"`
	}
)

const (
	AnomalySizeSpike     AnomalyKind = "size_spike"
	AnomalySizeVanish    AnomalyKind = "size_vanish"
	AnomalyPriceJump     AnomalyKind = "price_jump"
	AnomalySpreadBlowout AnomalyKind = "spread_blowout"
)

func (e NonceEvent) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

func (f FillRecord) Serialize() ([]byte, error) {
	return json.Marshal(f)
}

func (a ManipulationAlert) Serialize() ([]byte, error) {
	return json.Marshal(a)
}
