package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/elnosh/nutvault/cashu/nuts/nut17"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveWS implements proof_state subscriptions.
func (m *FakeMint) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsClient{
		conn:          conn,
		mint:          m,
		subscriptions: make(map[string]*proofStateSub),
		send:          make(chan []byte, 64),
		done:          make(chan struct{}),
	}
	go c.writeMessages()
	c.readMessages()
}

type wsClient struct {
	conn          *websocket.Conn
	mint          *FakeMint
	mu            sync.Mutex
	subscriptions map[string]*proofStateSub

	// only one concurrent writer on the connection
	send chan []byte
	done chan struct{}
}

type proofStateSub struct {
	subId      string
	Ys         []string
	subscriber *subscriber
}

func (c *wsClient) readMessages() {
	defer c.close()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var wsRequest nut17.WsRequest
		if err := json.Unmarshal(msg, &wsRequest); err != nil {
			c.write(nut17.NewWsError(1000, "invalid request", -1))
			continue
		}

		switch wsRequest.Method {
		case nut17.SUBSCRIBE:
			c.subscribe(wsRequest)
		case nut17.UNSUBSCRIBE:
			c.unsubscribe(wsRequest)
		default:
			c.write(nut17.NewWsError(1000, "invalid request method", wsRequest.Id))
		}
	}
}

func (c *wsClient) writeMessages() {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) write(msg any) {
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- jsonMsg:
	case <-c.done:
	}
}

func (c *wsClient) subscribe(req nut17.WsRequest) {
	if nut17.StringToKind(req.Params.Kind) != nut17.ProofState {
		c.write(nut17.NewWsError(1000, fmt.Sprintf("kind '%v' not supported", req.Params.Kind), req.Id))
		return
	}

	c.mu.Lock()
	if _, ok := c.subscriptions[req.Params.SubId]; ok {
		c.mu.Unlock()
		errMsg := fmt.Sprintf("subscription with subId '%v' already exists", req.Params.SubId)
		c.write(nut17.NewWsError(1000, errMsg, req.Id))
		return
	}
	sub := &proofStateSub{
		subId:      req.Params.SubId,
		Ys:         req.Params.Filters,
		subscriber: newSubscriber(),
	}
	c.subscriptions[sub.subId] = sub
	c.mu.Unlock()

	c.mint.subscriptions.Subscribe(sub.subscriber, sub.Ys...)

	c.write(nut17.WsResponse{
		JsonRPC: nut17.JSONRPC_2,
		Result:  nut17.Result{Status: nut17.OK, SubId: sub.subId},
		Id:      req.Id,
	})

	// initial state of every proof followed by the updates
	c.mint.mu.Lock()
	initial := make([]nut07.ProofState, len(sub.Ys))
	for i, Y := range sub.Ys {
		initial[i] = nut07.ProofState{Y: Y, State: c.mint.state(Y)}
	}
	c.mint.mu.Unlock()
	for _, state := range initial {
		c.notify(sub.subId, state)
	}

	go func() {
		for state := range sub.subscriber.Messages() {
			c.notify(sub.subId, state)
		}
	}()
}

func (c *wsClient) notify(subId string, state nut07.ProofState) {
	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	c.write(nut17.WsNotification{
		JsonRPC: nut17.JSONRPC_2,
		Method:  nut17.SUBSCRIBE,
		Params:  nut17.NotificationParams{SubId: subId, Payload: payload},
	})
}

func (c *wsClient) unsubscribe(req nut17.WsRequest) {
	c.mu.Lock()
	sub, ok := c.subscriptions[req.Params.SubId]
	delete(c.subscriptions, req.Params.SubId)
	c.mu.Unlock()

	if !ok {
		errMsg := fmt.Sprintf("subscription with subId '%v' does not exist", req.Params.SubId)
		c.write(nut17.NewWsError(1000, errMsg, req.Id))
		return
	}
	c.mint.subscriptions.Unsubscribe(sub.subscriber, sub.Ys...)
	sub.subscriber.Close()

	c.write(nut17.WsResponse{
		JsonRPC: nut17.JSONRPC_2,
		Result:  nut17.Result{Status: nut17.OK, SubId: sub.subId},
		Id:      req.Id,
	})
}

func (c *wsClient) close() {
	c.mu.Lock()
	for _, sub := range c.subscriptions {
		c.mint.subscriptions.Unsubscribe(sub.subscriber, sub.Ys...)
		sub.subscriber.Close()
	}
	c.subscriptions = nil
	c.mu.Unlock()
	close(c.done)
	c.conn.Close()
}
