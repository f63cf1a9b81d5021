// Package client is the HTTP client for the mint API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/cashu/nuts/nut01"
	"github.com/elnosh/nutvault/cashu/nuts/nut02"
	"github.com/elnosh/nutvault/cashu/nuts/nut03"
	"github.com/elnosh/nutvault/cashu/nuts/nut04"
	"github.com/elnosh/nutvault/cashu/nuts/nut05"
	"github.com/elnosh/nutvault/cashu/nuts/nut06"
	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/elnosh/nutvault/cashu/nuts/nut09"
)

// ErrConnection is returned when the request could not reach the mint or
// no response was received in time. The mint may or may not have
// processed the request.
var ErrConnection = errors.New("could not reach mint")

const defaultTimeout = 30 * time.Second

type Client struct {
	httpClient *http.Client
}

func New(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error) {
	var mintInfo nut06.MintInfo
	if err := c.get(ctx, mintURL+"/v1/info", &mintInfo); err != nil {
		return nil, err
	}
	return &mintInfo, nil
}

func (c *Client) GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, mintURL+"/v1/keys", &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := c.get(ctx, mintURL+"/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func (c *Client) GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, mintURL+"/v1/keys/"+url.PathEscape(id), &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) PostMintQuoteBolt11(ctx context.Context, mintURL string,
	mintQuoteRequest nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error) {

	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := c.post(ctx, mintURL+"/v1/mint/quote/bolt11", mintQuoteRequest, &mintQuoteResponse); err != nil {
		return nil, err
	}
	return &mintQuoteResponse, nil
}

func (c *Client) GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := c.get(ctx, mintURL+"/v1/mint/quote/bolt11/"+url.PathEscape(quoteId), &mintQuoteResponse); err != nil {
		return nil, err
	}
	return &mintQuoteResponse, nil
}

func (c *Client) PostMintBolt11(ctx context.Context, mintURL string,
	mintRequest nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error) {

	var mintResponse nut04.PostMintBolt11Response
	if err := c.post(ctx, mintURL+"/v1/mint/bolt11", mintRequest, &mintResponse); err != nil {
		return nil, err
	}
	return &mintResponse, nil
}

func (c *Client) PostSwap(ctx context.Context, mintURL string,
	swapRequest nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {

	var swapResponse nut03.PostSwapResponse
	if err := c.post(ctx, mintURL+"/v1/swap", swapRequest, &swapResponse); err != nil {
		return nil, err
	}
	return &swapResponse, nil
}

func (c *Client) PostMeltQuoteBolt11(ctx context.Context, mintURL string,
	meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {

	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, mintURL+"/v1/melt/quote/bolt11", meltQuoteRequest, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func (c *Client) GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := c.get(ctx, mintURL+"/v1/melt/quote/bolt11/"+url.PathEscape(quoteId), &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func (c *Client) PostMeltBolt11(ctx context.Context, mintURL string,
	meltRequest nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {

	var meltResponse nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, mintURL+"/v1/melt/bolt11", meltRequest, &meltResponse); err != nil {
		return nil, err
	}
	return &meltResponse, nil
}

func (c *Client) PostCheckProofState(ctx context.Context, mintURL string,
	stateRequest nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error) {

	var stateResponse nut07.PostCheckStateResponse
	if err := c.post(ctx, mintURL+"/v1/checkstate", stateRequest, &stateResponse); err != nil {
		return nil, err
	}
	return &stateResponse, nil
}

func (c *Client) PostRestore(ctx context.Context, mintURL string,
	restoreRequest nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error) {

	var restoreResponse nut09.PostRestoreResponse
	if err := c.post(ctx, mintURL+"/v1/restore", restoreRequest, &restoreResponse); err != nil {
		return nil, err
	}
	return &restoreResponse, nil
}

func (c *Client) get(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, dst)
}

func (c *Client) post(ctx context.Context, url string, body, dst any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dst)
}

func (c *Client) do(req *http.Request, dst any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if err := parse(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("error reading response from mint: %v", err)
	}
	return nil
}

func parse(response *http.Response) error {
	switch {
	case response.StatusCode == http.StatusBadRequest:
		var errResponse cashu.Error
		if err := json.NewDecoder(response.Body).Decode(&errResponse); err != nil {
			return fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return errResponse

	// a proxy in front of the mint did not get an answer
	case response.StatusCode == http.StatusBadGateway,
		response.StatusCode == http.StatusServiceUnavailable,
		response.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: mint returned status %v", ErrConnection, response.StatusCode)

	case response.StatusCode != http.StatusOK:
		body, err := io.ReadAll(response.Body)
		if err != nil {
			return err
		}
		return fmt.Errorf("mint returned status %v: %s", response.StatusCode, body)
	}

	return nil
}
