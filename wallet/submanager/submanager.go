package submanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/cashu/nuts/nut06"
	"github.com/elnosh/nutvault/cashu/nuts/nut17"
	"github.com/gorilla/websocket"
)

var (
	ErrNUT17NotSupported = errors.New("NUT-17 Not supported")
	ErrClosed            = errors.New("subscription manager closed")
)

type InfoGetter interface {
	GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error)
}

type SubscriptionManager struct {
	wsConn *websocket.Conn
	logger *slog.Logger

	mu               sync.Mutex
	subs             map[string]*Subscription
	idCounter        int
	supportedMethods []nut17.SupportedMethod

	// gorilla connections support one concurrent writer
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewSubscriptionManager dials the websocket of the mint if it
// advertises NUT-17 support in its info.
func NewSubscriptionManager(ctx context.Context, mint string, info InfoGetter,
	logger *slog.Logger) (*SubscriptionManager, error) {

	mintInfo, err := info.GetMintInfo(ctx, mint)
	if err != nil {
		return nil, fmt.Errorf("could not get mint info: %w", err)
	}
	if len(mintInfo.Nuts.Nut17.Supported) == 0 {
		return nil, ErrNUT17NotSupported
	}

	wsURL, err := websocketURL(mint)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not connect to mint websocket: %w", err)
	}

	return &SubscriptionManager{
		wsConn:           conn,
		logger:           logger,
		subs:             make(map[string]*Subscription),
		supportedMethods: mintInfo.Nuts.Nut17.Supported,
		done:             make(chan struct{}),
	}, nil
}

func websocketURL(mint string) (string, error) {
	mintURL, err := url.Parse(mint)
	if err != nil {
		return "", fmt.Errorf("invalid mint url: %v", err)
	}
	scheme := "ws"
	if mintURL.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + mintURL.Host + strings.TrimSuffix(mintURL.Path, "/") + "/v1/ws", nil
}

// Run reads messages from the mint until the connection fails or the
// manager is closed. It should be run on its own goroutine. Once it
// returns the manager should be closed.
func (sm *SubscriptionManager) Run() error {
	for {
		_, msg, err := sm.wsConn.ReadMessage()
		if err != nil {
			select {
			case <-sm.done:
				return nil
			default:
				return err
			}
		}

		wsMessage, err := nut17.ParseWsMessage(msg)
		if err != nil {
			sm.logger.Debug("ignoring websocket message", slog.String("error", err.Error()))
			continue
		}

		switch {
		case wsMessage.Notification != nil:
			sm.mu.Lock()
			sub, ok := sm.subs[wsMessage.Notification.Params.SubId]
			sm.mu.Unlock()
			if ok {
				sub.deliver(*wsMessage.Notification)
			}
		case wsMessage.Response != nil:
			if sub := sm.subscriptionByRequestId(wsMessage.Response.Id); sub != nil {
				sub.respond(wsMessage.Response, nil)
			}
		case wsMessage.Error != nil:
			if sub := sm.subscriptionByRequestId(wsMessage.Error.Id); sub != nil {
				sub.respond(nil, wsMessage.Error)
			}
		}
	}
}

func (sm *SubscriptionManager) subscriptionByRequestId(id int) *Subscription {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, sub := range sm.subs {
		if sub.requestId() == id {
			return sub
		}
	}
	return nil
}

func (sm *SubscriptionManager) Close() error {
	var err error
	sm.once.Do(func() {
		close(sm.done)
		sm.mu.Lock()
		for id, sub := range sm.subs {
			sub.close()
			delete(sm.subs, id)
		}
		sm.mu.Unlock()
		err = sm.wsConn.Close()
	})
	return err
}

func (sm *SubscriptionManager) nextId() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	id := sm.idCounter
	sm.idCounter++
	return id
}

func (sm *SubscriptionManager) write(request nut17.WsRequest) error {
	sm.writeMu.Lock()
	defer sm.writeMu.Unlock()
	return sm.wsConn.WriteJSON(request)
}

func (sm *SubscriptionManager) removeSubscription(subId string) {
	sm.mu.Lock()
	if sub, ok := sm.subs[subId]; ok {
		sub.close()
		delete(sm.subs, subId)
	}
	sm.mu.Unlock()
}

// Subscribe subscribes to updates of kind for the filters and waits
// for the mint to accept it until ctx is done.
func (sm *SubscriptionManager) Subscribe(ctx context.Context, kind nut17.SubscriptionKind,
	filters []string) (*Subscription, error) {

	if len(filters) < 1 {
		return nil, errors.New("filters cannot be empty")
	}
	if !sm.IsSubscriptionKindSupported(kind) {
		return nil, fmt.Errorf("subscription to %s not supported by mint", kind)
	}

	hash := sha256.Sum256([]byte(strings.Join(filters, "")))
	subId := hex.EncodeToString(hash[:])
	id := sm.nextId()

	sub := newSubscription(subId, id)
	sm.mu.Lock()
	if _, ok := sm.subs[subId]; ok {
		sm.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to these filters")
	}
	sm.subs[subId] = sub
	sm.mu.Unlock()

	request := nut17.WsRequest{
		JsonRPC: nut17.JSONRPC_2,
		Method:  nut17.SUBSCRIBE,
		Params: nut17.RequestParams{
			Kind:    kind.String(),
			SubId:   subId,
			Filters: filters,
		},
		Id: id,
	}
	if err := sm.write(request); err != nil {
		sm.removeSubscription(subId)
		return nil, fmt.Errorf("could not send request for subscription: %v", err)
	}

	select {
	case result := <-sub.responseChannel:
		if result.err != nil {
			sm.removeSubscription(subId)
			return nil, fmt.Errorf("could not setup subscription to mint: %v", result.err.Error())
		}
		if result.response.Result.Status != nut17.OK {
			sm.removeSubscription(subId)
			return nil, fmt.Errorf("could not setup subscription to mint: status '%v'", result.response.Result.Status)
		}
		return sub, nil
	case <-ctx.Done():
		sm.removeSubscription(subId)
		return nil, ctx.Err()
	case <-sm.done:
		return nil, ErrClosed
	}
}

// CloseSubscription asks the mint to stop sending updates for the subscription.
func (sm *SubscriptionManager) CloseSubscription(subId string) error {
	sm.mu.Lock()
	_, ok := sm.subs[subId]
	sm.mu.Unlock()
	if !ok {
		return errors.New("subscription does not exist")
	}

	request := nut17.WsRequest{
		JsonRPC: nut17.JSONRPC_2,
		Method:  nut17.UNSUBSCRIBE,
		Params:  nut17.RequestParams{SubId: subId},
		Id:      sm.nextId(),
	}
	sm.removeSubscription(subId)
	if err := sm.write(request); err != nil {
		return fmt.Errorf("could not send unsubscribe request to mint: %v", err)
	}
	return nil
}

func (sm *SubscriptionManager) IsSubscriptionKindSupported(kind nut17.SubscriptionKind) bool {
	for _, method := range sm.supportedMethods {
		if method.Method == cashu.BOLT11_METHOD && slices.Contains(method.Commands, kind.String()) {
			return true
		}
	}
	return false
}

type subscribeResult struct {
	response *nut17.WsResponse
	err      *nut17.WsError
}

type Subscription struct {
	subId string

	mu                  sync.Mutex
	id                  int
	closed              bool
	responseChannel     chan subscribeResult
	notificationChannel chan nut17.WsNotification
}

func newSubscription(subId string, id int) *Subscription {
	return &Subscription{
		subId:               subId,
		id:                  id,
		responseChannel:     make(chan subscribeResult, 1),
		notificationChannel: make(chan nut17.WsNotification, 64),
	}
}

func (s *Subscription) requestId() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Subscription) respond(response *nut17.WsResponse, err *nut17.WsError) {
	select {
	case s.responseChannel <- subscribeResult{response: response, err: err}:
	default:
	}
}

// deliver drops the notification if the reader is too far behind.
// A sync with the mint catches up on any missed state.
func (s *Subscription) deliver(notification nut17.WsNotification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.notificationChannel <- notification:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.notificationChannel)
	}
}

// Read waits for the next notification until ctx is done.
func (s *Subscription) Read(ctx context.Context) (nut17.WsNotification, error) {
	select {
	case msg, ok := <-s.notificationChannel:
		if !ok {
			return nut17.WsNotification{}, errors.New("could not read from subscription. Channel got closed")
		}
		return msg, nil
	case <-ctx.Done():
		return nut17.WsNotification{}, ctx.Err()
	}
}

func (s *Subscription) SubId() string {
	return s.subId
}
