package domain

import (
	"fmt"
	"strings"
	"time"
)

// Channel represents the payment rail a transaction travelled on
type Channel string

const (
	ChannelCard   Channel = "CARD"
	ChannelACH    Channel = "ACH"
	ChannelWallet Channel = "WALLET"
	ChannelCrypto Channel = "CRYPTO"
)

// Channels lists the accepted channels in feature-vector order
var Channels = []Channel{ChannelCard, ChannelACH, ChannelWallet, ChannelCrypto}

// IsValid returns true if the channel is one of the known rails
func (c Channel) IsValid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

// Geolocation describes where a transaction originated
type Geolocation struct {
	Country   string  `json:"country,omitempty"` // ISO 3166-1 alpha-2
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	IPAddress string  `json:"ip_address,omitempty"`
}

// Transaction represents a payment event submitted for evaluation.
// It is created once at ingestion and never mutated afterwards.
type Transaction struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"` // account/customer being monitored

	// Amount in integer minor units (cents for USD)
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`

	Timestamp         time.Time   `json:"timestamp"`
	MerchantCategory  string      `json:"merchant_category,omitempty"`
	MerchantID        string      `json:"merchant_id,omitempty"`
	Geolocation       Geolocation `json:"geolocation"`
	Channel           Channel     `json:"channel"`
	DeviceFingerprint string      `json:"device_fingerprint,omitempty"`
}

// TransactionEvent is the Kafka envelope received from payment processors and ledgers
type TransactionEvent struct {
	EventID     string       `json:"event_id"`
	EventType   string       `json:"event_type"`
	Timestamp   time.Time    `json:"timestamp"`
	Transaction *Transaction `json:"payload"`
}

// Country returns the normalized country code of the transaction origin
func (t *Transaction) Country() string {
	return strings.ToUpper(strings.TrimSpace(t.Geolocation.Country))
}

// Merchant returns the key used for distinct-merchant counting
func (t *Transaction) Merchant() string {
	if t.MerchantID != "" {
		return t.MerchantID
	}
	return t.MerchantCategory
}

// WithCountry returns a copy of the transaction with the origin country set.
// Used by ingestion enrichment so the submitted record itself is never mutated.
func (t *Transaction) WithCountry(country string) *Transaction {
	cp := *t
	cp.Geolocation.Country = strings.ToUpper(country)
	return &cp
}

// Validate checks required fields and value ranges
func (t *Transaction) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return &ValidationError{Field: "id", Reason: "is required"}
	case strings.TrimSpace(t.EntityID) == "":
		return &ValidationError{Field: "entity_id", Reason: "is required"}
	case t.Amount <= 0:
		return &ValidationError{Field: "amount", Reason: "must be a positive number of minor units"}
	case len(t.Currency) != 3:
		return &ValidationError{Field: "currency", Reason: "must be an ISO 4217 code"}
	case t.Timestamp.IsZero():
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	case !t.Channel.IsValid():
		return &ValidationError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", t.Channel)}
	}
	return nil
}
