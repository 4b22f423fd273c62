package models

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// FeedIDSize is the width of a feed identifier in bytes.
const FeedIDSize = 32

// FeedID identifies a single price feed on the upstream venue.
type FeedID [FeedIDSize]byte

// ParseFeedID decodes a hex encoded identifier. A leading "0x" is optional.
func ParseFeedID(s string) (FeedID, error) {
	var id FeedID

	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != FeedIDSize*2 {
		return id, fmt.Errorf("feed id %q: expected %d hex characters, got %d", s, FeedIDSize*2, len(raw))
	}
	if _, err := hex.Decode(id[:], []byte(raw)); err != nil {
		return id, fmt.Errorf("feed id %q: %w", s, err)
	}
	return id, nil
}

// MustParseFeedID is ParseFeedID for identifiers known at compile time.
func MustParseFeedID(s string) FeedID {
	id, err := ParseFeedID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the lowercase 0x-prefixed hex form.
func (id FeedID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// IsZero reports whether every byte of the identifier is zero.
func (id FeedID) IsZero() bool {
	return id == FeedID{}
}

func (id FeedID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *FeedID) UnmarshalText(text []byte) error {
	parsed, err := ParseFeedID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// UnmarshalJSON rejects non-string values with a clearer message than the
// default text unmarshaler path.
func (id *FeedID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("feed id must be a string: %w", err)
	}
	return id.UnmarshalText([]byte(s))
}

// SubscriptionSet is the ordered list of feeds requested by one client.
type SubscriptionSet struct {
	ids    []FeedID
	lookup map[FeedID]struct{}
}

// NewSubscriptionSet copies ids and indexes them for membership checks.
func NewSubscriptionSet(ids []FeedID) SubscriptionSet {
	set := SubscriptionSet{
		ids:    append([]FeedID(nil), ids...),
		lookup: make(map[FeedID]struct{}, len(ids)),
	}
	for _, id := range ids {
		set.lookup[id] = struct{}{}
	}
	return set
}

// IDs returns a copy of the identifiers in request order.
func (s SubscriptionSet) IDs() []FeedID {
	return append([]FeedID(nil), s.ids...)
}

// Contains reports whether id was requested.
func (s SubscriptionSet) Contains(id FeedID) bool {
	_, ok := s.lookup[id]
	return ok
}

// Len is the number of identifiers, duplicates included.
func (s SubscriptionSet) Len() int {
	return len(s.ids)
}
