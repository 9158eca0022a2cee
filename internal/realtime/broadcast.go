package realtime

import "chatconsole/internal/domain"

// Broadcaster adapts the hub to the conversation update frames the service emits.
type Broadcaster struct {
	Hub *Hub
}

func (b Broadcaster) ConversationUpdated(groupIDs []int64, s domain.ConversationSummary) {
	b.publish(groupIDs, FrameConversationUpdate, s)
}

func (b Broadcaster) NewMessage(groupIDs []int64, m domain.MessageView) {
	b.publish(groupIDs, FrameNewMessage, m)
}

func (b Broadcaster) publish(groupIDs []int64, typ string, payload any) {
	f, err := NewFrame(typ, payload)
	if err != nil {
		b.Hub.log.Error("encode payload", "err", err, "type", typ)
		return
	}
	b.Hub.Publish(groupIDs, f)
}
