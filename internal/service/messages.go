package service

import "encoding/json"

// Direct-message payloads exchanged with buyers. The type numbers and
// field names are part of the marketplace's wire protocol and must not
// change.
const (
	messageTypePaymentStatus = 2
	messageTypeOrder         = 10
)

type orderItemMessage struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type orderMessage struct {
	ID    string             `json:"id"`
	Type  int                `json:"type"`
	Items []orderItemMessage `json:"items"`
}

type paymentStatusMessage struct {
	ID      string `json:"id"`
	Type    int    `json:"type"`
	Paid    bool   `json:"paid"`
	Shipped bool   `json:"shipped"`
	Message string `json:"message"`
}

func marshalMessage(v any) string {
	body, err := json.Marshal(v)
	if err != nil {
		// all message types marshal unconditionally
		panic(err)
	}
	return string(body)
}
