package dto

type CreateTransactionRequest struct {
	InvoiceID            string  `json:"invoice_id"`
	PayeeID              string  `json:"payee_id"`
	AmountCents          int64   `json:"amount_cents"`
	Currency             string  `json:"currency"`
	PayerCustomerID      string  `json:"payer_customer_id"`
	PayeePayoutAccountID *string `json:"payee_payout_account_id,omitempty"`
	ReviewPeriodDays     int     `json:"review_period_days,omitempty"`
	CompletionPeriodDays int     `json:"completion_period_days,omitempty"`
}

type SubmitWorkRequest struct {
	Description string   `json:"description"`
	Notes       *string  `json:"notes,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

type ResolveRequest struct {
	Outcome string `json:"outcome"` // release / refund
}

type LoginRequest struct {
	UserID string `json:"user_id"`
}
