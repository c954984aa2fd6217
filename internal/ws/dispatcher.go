package ws

import (
	"log"

	"github.com/quicknotes/collab/internal/protocol"
)

// MessageHandler handles one decoded client message. msg is the concrete
// type protocol.ParseClientMessage returned for the frame's type.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher decodes client frames and routes them by type. Pings are
// answered here; unknown or malformed frames get an error reply and the
// connection stays open.
type MessageDispatcher struct {
	server *Server
	routes map[string]MessageHandler
}

// NewMessageDispatcher returns a dispatcher with no routes. server may be
// nil and set later with SetServer, since NewServer needs Dispatch first.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{server: server, routes: map[string]MessageHandler{}}
}

func (d *MessageDispatcher) SetServer(server *Server) { d.server = server }

// Register routes msgType to h. Registration happens before Start.
func (d *MessageDispatcher) Register(msgType string, h MessageHandler) {
	d.routes[msgType] = h
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	switch {
	case err != nil:
		log.Printf("ws: bad frame conn=%s type=%q: %v", conn.ID, msgType, err)
		sendError(conn, protocol.CodeBadMessage, "invalid message format")
	case msgType == protocol.TypePing:
		conn.Touch()
		if d.server != nil {
			d.server.refreshSession(conn.ID)
		}
		send(conn, protocol.TypePong, protocol.PongMsg{})
	default:
		h := d.routes[msgType]
		if h == nil {
			log.Printf("ws: no route type=%q conn=%s", msgType, conn.ID)
			sendError(conn, protocol.CodeBadMessage, "unsupported message type")
			return
		}
		h(conn, msg)
	}
}

// send writes a server message. Failures are only logged: the read loop or
// the heartbeat evicts dead connections.
func send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: encode %s conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: write %s conn=%s: %v", msgType, conn.ID, err)
	}
}

func sendError(conn *Connection, code, message string) {
	send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
