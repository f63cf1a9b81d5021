// Package nut17 contains the websocket messages defined in [NUT-17]
//
// [NUT-17]: https://github.com/cashubtc/nuts/blob/main/17.md
package nut17

import (
	"encoding/json"
	"errors"
)

type SubscriptionKind int

const (
	Bolt11MintQuote SubscriptionKind = iota
	Bolt11MeltQuote
	ProofState
	Unknown
)

const (
	JSONRPC_2   = "2.0"
	OK          = "OK"
	SUBSCRIBE   = "subscribe"
	UNSUBSCRIBE = "unsubscribe"
)

func (kind SubscriptionKind) String() string {
	switch kind {
	case Bolt11MintQuote:
		return "bolt11_mint_quote"
	case Bolt11MeltQuote:
		return "bolt11_melt_quote"
	case ProofState:
		return "proof_state"
	default:
		return "unknown"
	}
}

func StringToKind(kind string) SubscriptionKind {
	switch kind {
	case "bolt11_mint_quote":
		return Bolt11MintQuote
	case "bolt11_melt_quote":
		return Bolt11MeltQuote
	case "proof_state":
		return ProofState
	}
	return Unknown
}

type WsRequest struct {
	JsonRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  RequestParams `json:"params"`
	Id      int           `json:"id"`
}

type RequestParams struct {
	Kind    string   `json:"kind,omitempty"`
	SubId   string   `json:"subId"`
	Filters []string `json:"filters,omitempty"`
}

type WsResponse struct {
	JsonRPC string `json:"jsonrpc"`
	Result  Result `json:"result"`
	Id      int    `json:"id"`
}

type Result struct {
	Status string `json:"status"`
	SubId  string `json:"subId"`
}

type WsNotification struct {
	JsonRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

type NotificationParams struct {
	SubId   string          `json:"subId"`
	Payload json.RawMessage `json:"payload"`
}

type WsError struct {
	JsonRPC     string        `json:"jsonrpc"`
	ErrResponse ErrorResponse `json:"error"`
	Id          int           `json:"id"`
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewWsError(code int, message string, id int) WsError {
	return WsError{
		JsonRPC:     JSONRPC_2,
		ErrResponse: ErrorResponse{Code: code, Message: message},
		Id:          id,
	}
}

func (e WsError) Error() string {
	return e.ErrResponse.Message
}

var errNotWsMessage = errors.New("not a websocket message")

// WsMessage is any message a mint can send over the websocket.
// Exactly one of the fields is set after ParseWsMessage.
type WsMessage struct {
	Notification *WsNotification
	Response     *WsResponse
	Error        *WsError
}

// ParseWsMessage decodes a message by the fields present in it: notifications
// carry params, responses carry a result and errors carry an error object.
func ParseWsMessage(data []byte) (WsMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return WsMessage{}, err
	}

	switch {
	case fields["params"] != nil:
		var notification WsNotification
		if err := json.Unmarshal(data, &notification); err != nil {
			return WsMessage{}, err
		}
		return WsMessage{Notification: &notification}, nil
	case fields["result"] != nil:
		var response WsResponse
		if err := json.Unmarshal(data, &response); err != nil {
			return WsMessage{}, err
		}
		return WsMessage{Response: &response}, nil
	case fields["error"] != nil:
		var wsError WsError
		if err := json.Unmarshal(data, &wsError); err != nil {
			return WsMessage{}, err
		}
		return WsMessage{Error: &wsError}, nil
	}

	return WsMessage{}, errNotWsMessage
}

type InfoSetting struct {
	Supported []SupportedMethod `json:"supported"`
}

type SupportedMethod struct {
	Method   string   `json:"method"`
	Unit     string   `json:"unit"`
	Commands []string `json:"commands"`
}
