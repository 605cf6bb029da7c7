package ws

import (
	"log"

	"github.com/campusly/presence/internal/metrics"
	"github.com/campusly/presence/internal/protocol"
)

// CodeUnsupported is the error code for a valid client frame no handler
// serves.
const CodeUnsupported = "unsupported_type"

// MessageHandler handles one decoded client frame. msg holds the struct
// protocol.ParseClientMessage produced, e.g. protocol.TypingMsg.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames by type. Pings are answered
// without a handler.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register sets the handler for msgType, replacing any earlier one. Register
// is not safe to call once the server is running.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch has the signature of the server's onMessage callback. Frames that
// fail to parse or have no handler are answered with an error frame.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		countFrame(msgType, "invalid")
		log.Printf("ws: bad frame session=%s: %v", conn.ID, err)
		SendError(conn, protocol.CodeInvalidMessage, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		countFrame(msgType, "ping")
		conn.Touch()
		Send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler := d.handlers[msgType]
	if handler == nil {
		countFrame(msgType, "unsupported")
		log.Printf("ws: no handler for type=%q session=%s", msgType, conn.ID)
		SendError(conn, CodeUnsupported, "unsupported message type")
		return
	}
	countFrame(msgType, "handled")
	handler(conn, msg)
}

// countFrame labels unparseable types as "unknown" so clients cannot grow
// the label set.
func countFrame(msgType, result string) {
	switch msgType {
	case protocol.TypeOpenContext, protocol.TypeTyping, protocol.TypeCloseContext, protocol.TypePing:
	default:
		msgType = "unknown"
	}
	metrics.FramesTotal.WithLabelValues(msgType, result).Inc()
}

// Send writes a server frame to conn within its write timeout. Errors are
// only logged; a dead connection is reaped by the event loop or the
// heartbeat.
func Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err == nil {
		err = conn.WriteMessage(data)
	}
	if err != nil {
		log.Printf("ws: send %s session=%s: %v", msgType, conn.ID, err)
	}
}

// SendError writes an error frame to conn.
func SendError(conn *Connection, code, message string) {
	Send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
