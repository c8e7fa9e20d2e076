package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/clearnet/pkg/messaging"
)

// WSClient is one connected operations feed subscriber.
type WSClient struct {
	ID   uuid.UUID
	Conn *websocket.Conn
	Send chan []byte
	Done chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// opsFeedSubjects are the event streams fanned out to websocket clients.
var opsFeedSubjects = []string{
	messaging.EventTypeBatchCreated,
	messaging.EventTypeBatchSettled,
	messaging.EventTypeBatchFailed,
	messaging.EventTypeSolvencyPaused,
	messaging.EventTypeSolvencyCleared,
	messaging.EventTypeChainHealth,
	messaging.EventTypeChainFailover,
	messaging.EventTypeChainRollback,
}

// startOpsFeed bridges the event bus onto connected websocket clients.
func (g *Gateway) startOpsFeed() error {
	if g.msgClient == nil {
		return nil
	}
	for _, subject := range opsFeedSubjects {
		subject := subject
		if err := g.msgClient.Subscribe(subject, func(msg *nats.Msg) {
			g.broadcast(subject, msg.Data)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &WSClient{
		ID:   uuid.New(),
		Conn: conn,
		Send: make(chan []byte, 64),
		Done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.ID] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *WSClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.ID)
		g.wsMu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

func (g *Gateway) broadcast(subject string, payload []byte) {
	framed := append([]byte(subject+" "), payload...)

	g.wsMu.RLock()
	defer g.wsMu.RUnlock()
	for _, client := range g.wsClients {
		select {
		case client.Send <- framed:
		default:
			// slow consumer, drop rather than block the feed
		}
	}
}
