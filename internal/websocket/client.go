package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	requestTimeout   = 10 * time.Second
	reconnectBackoff = time.Second
	reconnectMax     = 30 * time.Second
)

// Client is a JSON-RPC subscription client over the RPC node's websocket
// endpoint. It survives disconnects: on reconnect every account
// subscription is re-established automatically.
type Client struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  uint64
	pending map[uint64]chan json.RawMessage

	subMu    sync.Mutex
	handlers map[uint64]func(json.RawMessage) // server sub id -> handler
	accounts map[string]accountSub            // address -> active subscription

	closed bool
	doneCh chan struct{}
}

type accountSub struct {
	subID   uint64
	handler func(json.RawMessage)
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type wsMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Method string `json:"method,omitempty"`
	Params *struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

// NewClient creates a websocket client for the given ws:// or wss:// URL
func NewClient(url string) *Client {
	return &Client{
		url:      url,
		pending:  make(map[uint64]chan json.RawMessage),
		handlers: make(map[uint64]func(json.RawMessage)),
		accounts: make(map[string]accountSub),
		doneCh:   make(chan struct{}),
	}
}

// Connect dials the endpoint and starts the read loop
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	log.Info().Str("url", c.url).Msg("websocket connected")
	return nil
}

// Close shuts the client down permanently
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	close(c.doneCh)
}

// AccountSubscribe subscribes to account changes for an address with
// confirmed commitment. The handler receives the raw notification value.
func (c *Client) AccountSubscribe(address string, handler func(json.RawMessage)) (uint64, error) {
	result, err := c.call("accountSubscribe", []any{
		address,
		map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"},
	})
	if err != nil {
		return 0, err
	}

	var subID uint64
	if err := json.Unmarshal(result, &subID); err != nil {
		return 0, fmt.Errorf("decode subscription id: %w", err)
	}

	c.subMu.Lock()
	c.handlers[subID] = handler
	c.accounts[address] = accountSub{subID: subID, handler: handler}
	c.subMu.Unlock()

	return subID, nil
}

// AccountUnsubscribe cancels an account subscription
func (c *Client) AccountUnsubscribe(address string) error {
	c.subMu.Lock()
	sub, ok := c.accounts[address]
	if ok {
		delete(c.accounts, address)
		delete(c.handlers, sub.subID)
	}
	c.subMu.Unlock()
	if !ok {
		return nil
	}

	_, err := c.call("accountUnsubscribe", []any{sub.subID})
	return err
}

func (c *Client) call(method string, params []any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client closed")
	}
	conn := c.conn
	c.nextID++
	id := c.nextID
	ch := make(chan json.RawMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	req := wsRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case result := <-ch:
		return result, nil
	case <-time.After(requestTimeout):
		c.dropPending(id)
		return nil, fmt.Errorf("%s: timed out", method)
	case <-c.doneCh:
		return nil, fmt.Errorf("client closed")
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			log.Warn().Err(err).Msg("websocket read failed, reconnecting")
			c.reconnect()
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("malformed websocket message")
			continue
		}

		switch {
		case msg.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if ok {
				if msg.Error != nil {
					log.Warn().Int("code", msg.Error.Code).Str("msg", msg.Error.Message).Msg("websocket rpc error")
					close(ch)
				} else {
					ch <- msg.Result
				}
			}
		case msg.Params != nil:
			c.subMu.Lock()
			handler := c.handlers[msg.Params.Subscription]
			c.subMu.Unlock()
			if handler != nil {
				handler(msg.Params.Result)
			}
		}
	}
}

// reconnect redials with backoff and re-establishes every account
// subscription.
func (c *Client) reconnect() {
	backoff := reconnectBackoff
	for {
		select {
		case <-c.doneCh:
			return
		case <-time.After(backoff):
		}

		if err := c.Connect(); err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("websocket reconnect failed")
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		c.subMu.Lock()
		addrs := make(map[string]func(json.RawMessage), len(c.accounts))
		for addr, sub := range c.accounts {
			addrs[addr] = sub.handler
		}
		c.accounts = make(map[string]accountSub)
		c.handlers = make(map[uint64]func(json.RawMessage))
		c.subMu.Unlock()

		for addr, handler := range addrs {
			if _, err := c.AccountSubscribe(addr, handler); err != nil {
				log.Warn().Err(err).Str("addr", addr).Msg("resubscribe failed")
			}
		}
		log.Info().Int("resubscribed", len(addrs)).Msg("websocket reconnected")
		return
	}
}
