package types

// MessageType identifies the payload of a QueueMessage.
type MessageType int

const (
	// MessageDelta carries a DeltaEvent to the partition owner.
	MessageDelta MessageType = iota + 1
	// MessageRecorded carries a RecordedEvent back to the emitting node.
	MessageRecorded
	// MessageUpdate carries a filtered Update to an interested node.
	MessageUpdate
	// MessageSourceUpdate carries a raw Update from its source to the partition owner.
	MessageSourceUpdate
)

// String returns the wire name of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageDelta:
		return "DELTA"
	case MessageRecorded:
		return "RECORDED"
	case MessageUpdate:
		return "UPDATE"
	case MessageSourceUpdate:
		return "SOURCE_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// QueueMessage is the envelope exchanged between nodes.
// Exactly one payload field is set, matching Type.
type QueueMessage struct {
	Type       MessageType    `json:"type"`
	FromNodeID string         `json:"from"`
	Delta      *DeltaEvent    `json:"delta,omitempty"`
	Recorded   *RecordedEvent `json:"recorded,omitempty"`
	Update     *Update        `json:"update,omitempty"`
}

// EntityID returns the entity the message is about, used as ordering key.
func (m QueueMessage) EntityID() string {
	switch {
	case m.Delta != nil:
		return m.Delta.EntityID
	case m.Recorded != nil:
		return m.Recorded.EntityID
	case m.Update != nil:
		return m.Update.EntityID
	default:
		return ""
	}
}
