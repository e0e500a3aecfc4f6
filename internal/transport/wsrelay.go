package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/avscall/callcore/internal/codec"
	"github.com/avscall/callcore/internal/obslog"
)

// wireEnvelope is the framing the relay puts around a codec-encoded
// message so the server knows where to route it without decoding the
// signaling payload itself — mirrors the teacher's call.Envelope
// (internal/call/types.go: Channel/From/Payload).
type wireEnvelope struct {
	ConvID    string `json:"convid"`
	Src       codec.UserClient `json:"src"`
	Dest      codec.UserClient `json:"dest"`
	Transient bool   `json:"transient"`
	Data      []byte `json:"data"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// relayConn pairs a websocket connection with the write lock gorilla
// requires: concurrent WriteMessage calls on the same *websocket.Conn are
// not supported, and route() can be invoked from many senders' read-loop
// goroutines at once for the same destination.
type relayConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (rc *relayConn) write(raw []byte) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.conn.WriteMessage(websocket.BinaryMessage, raw)
}

// RelayServer is a minimal backend relay over WebSocket: one connection per
// (userid,clientid), envelopes routed by dest alone (an empty dest reaches
// every other connection; convid is carried but not used). It is the reference
// implementation of "transport to the backend" (§6); production deployments
// supply their own.
type RelayServer struct {
	mu    sync.RWMutex
	conns map[codec.UserClient]*relayConn
}

// NewRelayServer creates an empty RelayServer.
func NewRelayServer() *RelayServer {
	return &RelayServer{conns: make(map[codec.UserClient]*relayConn)}
}

// ServeHTTP upgrades the connection and registers it under the user/client
// id given in the query string (?user=...&client=...).
func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uc := codec.UserClient{UserID: r.URL.Query().Get("user"), ClientID: r.URL.Query().Get("client")}
	if uc.UserID == "" || uc.ClientID == "" {
		http.Error(w, "missing user/client", http.StatusBadRequest)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		obslog.L().Warn().Err(err).Msg("relay: upgrade failed")
		return
	}

	rc := &relayConn{conn: conn}
	s.mu.Lock()
	s.conns[uc] = rc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, uc)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env wireEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			obslog.L().Warn().Err(err).Msg("relay: malformed envelope")
			continue
		}
		s.route(env)
	}
}

func (s *RelayServer) route(env wireEnvelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	for uc, rc := range s.conns {
		if uc.Equal(env.Src) {
			continue
		}
		if !env.Dest.IsZero() && !uc.Equal(env.Dest) {
			continue
		}
		_ = rc.write(raw)
	}
}

// RelayClient is the application side of the WebSocket backend relay: it
// dials a RelayServer and implements transport.Backend plus a simple
// blocking read loop for inbound envelopes.
type RelayClient struct {
	conn *websocket.Conn
	self codec.UserClient
}

// DialRelay connects to a RelayServer at url, identifying as self.
func DialRelay(url string, self codec.UserClient) (*RelayClient, error) {
	full := fmt.Sprintf("%s?user=%s&client=%s", url, self.UserID, self.ClientID)
	conn, _, err := websocket.DefaultDialer.Dial(full, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial relay: %w", err)
	}
	return &RelayClient{conn: conn, self: self}, nil
}

// Send implements Backend.
func (c *RelayClient) Send(_ context.Context, convid string, self, dest codec.UserClient, data []byte, transient bool) (int, error) {
	env := wireEnvelope{ConvID: convid, Src: self, Dest: dest, Transient: transient, Data: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return 0, err
	}
	return 1, nil
}

// Recv blocks for the next inbound envelope. The caller is expected to loop
// calling Recv on its own goroutine and passing convid and the raw data to
// wcall.RecvMsg, which decodes it.
func (c *RelayClient) Recv() (convid string, data []byte, err error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, err
	}
	return env.ConvID, env.Data, nil
}

// Close closes the underlying connection.
func (c *RelayClient) Close() error { return c.conn.Close() }
