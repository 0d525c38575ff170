package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/thingsboard/thingsboard-sub020/types"
)

// encMode is the CBOR encoder mode for queue messages, configured for
// deterministic output so identical messages produce identical bytes.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for queue messages.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient for forward compatibility; integers in untyped values decode as int64.
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
		IntDec:      cbor.IntDecConvertSigned,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// EncodeMessage encodes a queue message to CBOR bytes.
func EncodeMessage(msg types.QueueMessage) ([]byte, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}

	data, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}

	return data, nil
}

// DecodeMessage decodes CBOR bytes into a queue message.
func DecodeMessage(data []byte) (types.QueueMessage, error) {
	var msg types.QueueMessage
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode queue message: %w", err)
	}
	if err := validateMessage(msg); err != nil {
		return msg, err
	}

	return msg, nil
}

func validateMessage(msg types.QueueMessage) error {
	var ok bool
	switch msg.Type {
	case types.MessageDelta:
		ok = msg.Delta != nil
	case types.MessageRecorded:
		ok = msg.Recorded != nil
	case types.MessageUpdate, types.MessageSourceUpdate:
		ok = msg.Update != nil
	default:
		return fmt.Errorf("%w: %d", types.ErrUnknownMessageType, msg.Type)
	}
	if !ok {
		return fmt.Errorf("%s message without payload: %w", msg.Type, types.ErrUnknownMessageType)
	}

	return nil
}
