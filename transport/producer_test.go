package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thingsboard/thingsboard-sub020/types"
)

func TestMessageID(t *testing.T) {
	delta := types.QueueMessage{
		Type:       types.MessageDelta,
		FromNodeID: "node-1",
		Delta:      &types.DeltaEvent{EntityID: "e1", SeqNumber: 7},
	}

	t.Run("delta retries share the id", func(t *testing.T) {
		id := messageID("ep", "node-2", delta)
		require.Equal(t, "ep:DELTA:node-1:node-2:e1:7", id)
		require.Equal(t, id, messageID("ep", "node-2", delta))
	})

	t.Run("sequence and epoch change the id", func(t *testing.T) {
		next := delta
		next.Delta = &types.DeltaEvent{EntityID: "e1", SeqNumber: 8}
		require.NotEqual(t, messageID("ep", "node-2", delta), messageID("ep", "node-2", next))
		require.NotEqual(t, messageID("ep", "node-2", delta), messageID("other", "node-2", delta))
	})

	t.Run("recorded is keyed by its sequence", func(t *testing.T) {
		recorded := types.QueueMessage{
			Type:       types.MessageRecorded,
			FromNodeID: "node-2",
			Recorded:   &types.RecordedEvent{EntityID: "e1", SeqNumber: 7},
		}
		require.Equal(t, "ep:RECORDED:node-2:node-1:e1:7", messageID("ep", "node-1", recorded))
	})

	t.Run("updates are never collapsed", func(t *testing.T) {
		update := types.QueueMessage{
			Type:       types.MessageUpdate,
			FromNodeID: "node-1",
			Update:     &types.Update{EntityID: "e1"},
		}
		require.NotEqual(t, messageID("ep", "node-2", update), messageID("ep", "node-2", update))
	})
}
