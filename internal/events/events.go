package events

// Billing event types written to the outbox.
const (
	EventInvoiceIssued      = "invoice_issued"
	EventInvoiceVoided      = "invoice_voided"
	EventCreditNoteIssued   = "credit_note_issued"
	EventPaymentApplied     = "payment_applied"
	EventBillingRunFinished = "billing_run_finished"
	EventEnforcementIntent  = "enforcement_intent"
)

// EnforcementIntentPayload describes the desired downstream action for a
// dunning transition. The network-side executor consumes it out of
// process; the engine never calls network services directly.
type EnforcementIntentPayload struct {
	AccountID string `json:"account_id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Reason    string `json:"reason"`
}

// ToMap converts the payload into an outbox-friendly map.
func (p EnforcementIntentPayload) ToMap() map[string]any {
	return map[string]any{
		"account_id": p.AccountID,
		"from_state": p.FromState,
		"to_state":   p.ToState,
		"reason":     p.Reason,
	}
}

// InvoicePayload captures the minimal data consumers need to load an
// issued or voided document.
type InvoicePayload struct {
	InvoiceID string `json:"invoice_id"`
	AccountID string `json:"account_id"`
	RunID     string `json:"run_id,omitempty"`
}

// ToMap converts the payload into an outbox-friendly map.
func (p InvoicePayload) ToMap() map[string]any {
	payload := map[string]any{
		"invoice_id": p.InvoiceID,
		"account_id": p.AccountID,
	}
	if p.RunID != "" {
		payload["run_id"] = p.RunID
	}
	return payload
}
