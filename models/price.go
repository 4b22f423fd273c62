package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

const (
	// MessageTypeSubscribe is the type of a subscription request.
	MessageTypeSubscribe = "subscribe"
	// MessageTypePriceUpdate is the type of a streamed price update.
	MessageTypePriceUpdate = "price_update"
	// MessageTypeResponse is the type Hermes uses to acknowledge requests.
	MessageTypeResponse = "response"
)

// Price is a single quote. Price and confidence stay decimal strings so no
// precision is lost between upstream and clients.
type Price struct {
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	Price       string `json:"price"`
	PublishTime uint32 `json:"publish_time"`
}

// Float64 returns price * 10^expo. Intended for logging and display only.
func (p Price) Float64() (float64, error) {
	v, err := strconv.ParseFloat(p.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", p.Price, err)
	}
	if p.Expo < 0 {
		return v / math.Pow10(-int(p.Expo)), nil
	}
	return v * math.Pow10(int(p.Expo)), nil
}

// PriceFeed is the payload of a price update.
type PriceFeed struct {
	EMAPrice Price  `json:"ema_price"`
	ID       FeedID `json:"id"`
	Price    Price  `json:"price"`
	VAA      string `json:"vaa"`
}

// PriceUpdate is the message relayed from upstream to every matching client.
type PriceUpdate struct {
	Type      string    `json:"type"`
	PriceFeed PriceFeed `json:"price_feed"`
}

// Subscription is both the request sent upstream and the request clients
// send to the gateway. Clients may omit everything but ids.
type Subscription struct {
	IDs     []FeedID `json:"ids"`
	Type    string   `json:"type"`
	Verbose bool     `json:"verbose"`
	Binary  bool     `json:"binary"`
}

// NewSubscription builds an upstream subscribe request with verbose output
// disabled and binary proofs enabled.
func NewSubscription(ids []FeedID) Subscription {
	if ids == nil {
		ids = []FeedID{}
	}
	return Subscription{
		IDs:    ids,
		Type:   MessageTypeSubscribe,
		Binary: true,
	}
}

// Envelope is used to peek at the type of an upstream frame before decoding it.
type Envelope struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DecodeSubscription parses a client request.
func DecodeSubscription(data []byte) (Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return Subscription{}, fmt.Errorf("decode subscription: %w", err)
	}
	return sub, nil
}

// DecodePriceUpdate parses an upstream price update frame.
func DecodePriceUpdate(data []byte) (PriceUpdate, error) {
	var update PriceUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return PriceUpdate{}, fmt.Errorf("decode price update: %w", err)
	}
	if update.Type != MessageTypePriceUpdate {
		return PriceUpdate{}, fmt.Errorf("decode price update: unexpected type %q", update.Type)
	}
	if update.PriceFeed.ID.IsZero() {
		return PriceUpdate{}, fmt.Errorf("decode price update: missing feed id")
	}
	return update, nil
}
