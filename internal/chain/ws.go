package chain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"CryptoSettle/internal/models"

	"github.com/gorilla/websocket"
)

// WSClient speaks the blockchain.info websocket protocol: addr_sub to watch
// an address, utx frames for unconfirmed transactions touching it.
type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *WSClient) Subscribe(address string) error {
	if c.Conn == nil {
		return errors.New("websocket is not connected")
	}
	return c.Conn.WriteJSON(map[string]string{"op": "addr_sub", "addr": address})
}

func (c *WSClient) Ping() error {
	if c.Conn == nil {
		return errors.New("websocket is not connected")
	}
	return c.Conn.WriteJSON(map[string]string{"op": "ping"})
}

func (c *WSClient) Read() ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// ParseWSReceipts extracts receipts for watched addresses from a utx frame.
// Frames of other kinds yield no receipts and no error.
func ParseWSReceipts(msg []byte, watched map[string]struct{}) ([]models.Receipt, error) {
	var env struct {
		Op string `json:"op"`
		X  btcTx  `json:"x"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, err
	}
	if env.Op != "utx" || env.X.Hash == "" {
		return nil, nil
	}

	var out []models.Receipt
	done := map[string]struct{}{}
	for _, o := range env.X.Out {
		if _, ok := watched[o.Addr]; !ok {
			continue
		}
		if _, ok := done[o.Addr]; ok {
			continue
		}
		done[o.Addr] = struct{}{}
		if r, ok := btcReceipt(env.X, o.Addr, time.Now); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

