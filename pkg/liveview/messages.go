package liveview

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// MessageType constants
const (
	TypeBatchStart = "batch_start"
	TypeProgress   = "progress"
	TypeSummary    = "summary"
	TypeBatchEnd   = "batch_end"
)

// NewMessage - Helper function to create a Message
func NewMessage(msgType string, data interface{}) Message {
	return Message{
		Type: msgType,
		Data: data,
	}
}

// NewBatchStartMessage - Helper to create typed messages
func NewBatchStartMessage(data interface{}) Message {
	return NewMessage(TypeBatchStart, data)
}

// NewProgressMessage - Helper to create typed messages
func NewProgressMessage(data interface{}) Message {
	return NewMessage(TypeProgress, data)
}

// NewSummaryMessage - Helper to create typed messages
func NewSummaryMessage(data interface{}) Message {
	return NewMessage(TypeSummary, data)
}

// NewBatchEndMessage - Helper to create typed messages
func NewBatchEndMessage(data interface{}) Message {
	return NewMessage(TypeBatchEnd, data)
}
