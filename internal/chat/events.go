package chat

// Server → client events.
const (
	EventOnlineUsers          = "getOnlineUsers"
	EventNewMessage           = "newMessage"
	EventMessageDelivered     = "messageDelivered"
	EventMessagesSeen         = "messagesSeen"
	EventSeenByReceiver       = "messageSeenByReceiver"
	EventReceivedInActiveChat = "messageReceivedInActiveChat"
	EventMessageEdited        = "messageEdited"
	EventMessageDeleted       = "messageDeleted"
	EventUserTyping           = "userTyping"
	EventUserStopTyping       = "userStopTyping"
	EventError                = "error"
)

// Client → server signals.
//
// Typing indicators are relayed, never stored. A receiving client must
// expire a "typing" indicator on its own if no stop arrives: the stop
// signal is lost whenever the typist disconnects mid-word, and the server
// keeps no timer for it.
const (
	SignalTyping          = "typing"
	SignalStopTyping      = "stopTyping"
	SignalSetActiveChat   = "setActiveChat"
	SignalClearActiveChat = "clearActiveChat"
	SignalSeenAck         = "messageSeenByReceiver"
)
