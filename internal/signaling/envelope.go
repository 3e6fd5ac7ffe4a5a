package signaling

import "encoding/json"

// Client-originated envelope types. Offer, answer and ice are relayed
// verbatim to the rest of the room; join and leave drive the connection
// lifecycle. Anything else is dropped silently.
const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
	TypeICE    = "ice"
	TypeJoin   = "join"
	TypeLeave  = "leave"
)

// Server-originated envelope types.
const (
	TypeJoined     = "joined"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
)

// Envelope is the signaling wire message. The relay never inspects Payload;
// it only tags envelopes with the sender's identity and session id.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	From      string          `json:"fromIdentity,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// presencePayload is the payload of joined/peer-joined/peer-left events.
type presencePayload struct {
	PeerCount int64 `json:"peerCount"`
}

func presenceEnvelope(typ, sessionID, from string, count int64) Envelope {
	payload, _ := json.Marshal(presencePayload{PeerCount: count})
	return Envelope{Type: typ, SessionID: sessionID, From: from, Payload: payload}
}
