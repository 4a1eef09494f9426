/*
Package signal defines the message vocabulary spoken on a participant's connection and the
transport surface the matchmaking core depends on.
*/
package signal

import "encoding/json"

// Inbound event names.
const (
	EventReady          = "ready"
	EventOffer          = "offer"
	EventAnswer         = "answer"
	EventCandidate      = "candidate"
	EventReaction       = "reaction"
	EventGetPartnerInfo = "getPartnerInfo"
	EventNext           = "next"
)

// Outbound event names. Relayed events keep their inbound names.
const (
	EventWaiting             = "waiting"
	EventMatched             = "matched"
	EventPartnerDisconnected = "partnerDisconnected"
	EventPartnerInfo         = "partnerInfo"
)

// FromField is injected into every relayed payload with the sender's id.
const FromField = "from"

// Transport is what the core needs from the connection layer.
type Transport interface {
	// Send queues event with payload for participant id. A nil payload is sent without one.
	Send(id, event string, payload any) error

	// IsLive reports whether id currently has an open connection.
	IsLive(id string) bool
}

// Envelope is the JSON frame exchanged with clients in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Matched is sent to both sides of a new partnership. Exactly one side has Initiator set.
type Matched struct {
	PartnerID       string `json:"partnerId"`
	Initiator       bool   `json:"initiator"`
	PartnerNickname string `json:"partnerNickname"`
}

// PartnerInfo answers getPartnerInfo.
type PartnerInfo struct {
	Nickname string `json:"nickname"`
	Gender   string `json:"gender"`
}

// IsRelayable reports whether event is forwarded between partners.
func IsRelayable(event string) bool {
	switch event {
	case EventOffer, EventAnswer, EventCandidate, EventReaction:
		return true
	}
	return false
}
