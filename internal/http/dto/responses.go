package dto

type AuthResponse struct {
	Token   string `json:"token"`
	Arbiter bool   `json:"arbiter"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// SettlementPreview shows the payee's net payout and the retained fee
// for a transaction, computed from the same split the release uses.
type SettlementPreview struct {
	AmountCents int64 `json:"amount_cents"`
	NetCents    int64 `json:"net_cents"`
	FeeCents    int64 `json:"fee_cents"`
	FeeBPS      int   `json:"fee_bps"`
}
