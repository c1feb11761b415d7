package signal

import (
	"encoding/json"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/dkeye/Proctor/internal/domain"
)

// Methods carried in jsonrpc2 envelopes.
const (
	MethodJoin         = "join"
	MethodLeave        = "leave"
	MethodOffer        = "offer"
	MethodAnswer       = "answer"
	MethodICECandidate = "ice-candidate"
	MethodUpdate       = "update"
	MethodPing         = "ping"
	MethodPong         = "pong"
)

// Message is the params object of every envelope.
type Message struct {
	SessionKey domain.SessionKey `json:"sessionKey,omitempty"`
	FromID     string            `json:"fromId,omitempty"`
	ToID       string            `json:"toId,omitempty"`
	Topic      domain.Topic      `json:"topic,omitempty"`
	ItemID     string            `json:"itemId,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
}

// target is the session key an envelope is routed to.
func (m Message) target(method string) domain.SessionKey {
	switch method {
	case MethodAnswer, MethodICECandidate:
		if m.ToID != "" {
			return domain.SessionKey(m.ToID)
		}
	case MethodOffer:
		if m.FromID != "" {
			return domain.SessionKey(m.FromID)
		}
	}
	return m.SessionKey
}

func notification(method string, msg *Message) ([]byte, error) {
	req := &jsonrpc2.Request{Method: method, Notif: true}
	if msg != nil {
		if err := req.SetParams(msg); err != nil {
			return nil, err
		}
	}
	return json.Marshal(req)
}

func request(id uint64, method string, msg *Message) ([]byte, error) {
	req := &jsonrpc2.Request{Method: method, ID: jsonrpc2.ID{Num: id}}
	if err := req.SetParams(msg); err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

// envelope tells requests from responses before full decoding.
type envelope struct {
	Method string           `json:"method"`
	ID     *json.RawMessage `json:"id"`
}
