package feed

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Tenant scoping is enforced before the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// hello is the first frame on every stream.
type hello struct {
	Type       string `json:"type"`
	CustomerID int64  `json:"customerId"`
}

// Stream upgrades the request and forwards customerID's changes as JSON text
// frames until the client disconnects or the request context ends.
func (r *Router) Stream(w http.ResponseWriter, req *http.Request, customerID int64) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("feed websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := r.Subscribe(customerID)
	defer sub.Close()

	// The read pump only exists to process control frames and notice the
	// client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					r.logger.Debug("feed websocket read ended", "customer_id", customerID, "error", err)
				}
				return
			}
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello{Type: "subscribed", CustomerID: customerID}); err != nil {
		return
	}
	r.logger.Debug("feed websocket subscribed", "customer_id", customerID)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			closeFrame(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-gone:
			return
		case change, ok := <-sub.Changes:
			if !ok {
				closeFrame(conn, websocket.CloseNormalClosure, "")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(change); err != nil {
				r.logger.Debug("feed websocket write failed", "customer_id", customerID, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeFrame(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
