package liveserver

// Message is the envelope written to subscribers
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// MessageType constants
const (
	TypeLegClosed       = "leg_closed"
	TypePositionSettled = "position_settled"
	TypePositions       = "positions"
)

// NewMessage creates a Message
func NewMessage(msgType string, data interface{}) Message {
	return Message{
		Type: msgType,
		Data: data,
	}
}
