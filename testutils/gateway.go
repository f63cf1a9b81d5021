package testutils

import (
	"context"
	"fmt"

	"github.com/elnosh/nutvault/cashu/nuts/nut01"
	"github.com/elnosh/nutvault/cashu/nuts/nut02"
	"github.com/elnosh/nutvault/cashu/nuts/nut03"
	"github.com/elnosh/nutvault/cashu/nuts/nut04"
	"github.com/elnosh/nutvault/cashu/nuts/nut05"
	"github.com/elnosh/nutvault/cashu/nuts/nut06"
	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/elnosh/nutvault/cashu/nuts/nut09"
	"github.com/elnosh/nutvault/wallet/client"
)

// FakeMints routes calls to fake mints by mint URL so that a wallet
// can talk to several mints without a network.
type FakeMints map[string]*FakeMint

func (fm FakeMints) mint(mintURL string) (*FakeMint, error) {
	mint, ok := fm[mintURL]
	if !ok {
		return nil, fmt.Errorf("%w: no mint at %v", client.ErrConnection, mintURL)
	}
	return mint, nil
}

func (fm FakeMints) GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.GetMintInfo(ctx, mintURL)
}

func (fm FakeMints) GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.GetActiveKeysets(ctx, mintURL)
}

func (fm FakeMints) GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.GetAllKeysets(ctx, mintURL)
}

func (fm FakeMints) GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.GetKeysetById(ctx, mintURL, id)
}

func (fm FakeMints) PostMintQuoteBolt11(ctx context.Context, mintURL string,
	req nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.PostMintQuoteBolt11(ctx, mintURL, req)
}

func (fm FakeMints) GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.GetMintQuoteState(ctx, mintURL, quoteId)
}

func (fm FakeMints) PostMintBolt11(ctx context.Context, mintURL string,
	req nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.PostMintBolt11(ctx, mintURL, req)
}

func (fm FakeMints) PostSwap(ctx context.Context, mintURL string, req nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.PostSwap(ctx, mintURL, req)
}

func (fm FakeMints) PostMeltQuoteBolt11(ctx context.Context, mintURL string,
	req nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.PostMeltQuoteBolt11(ctx, mintURL, req)
}

func (fm FakeMints) GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.GetMeltQuoteState(ctx, mintURL, quoteId)
}

func (fm FakeMints) PostMeltBolt11(ctx context.Context, mintURL string,
	req nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.PostMeltBolt11(ctx, mintURL, req)
}

func (fm FakeMints) PostCheckProofState(ctx context.Context, mintURL string,
	req nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.PostCheckProofState(ctx, mintURL, req)
}

func (fm FakeMints) PostRestore(ctx context.Context, mintURL string,
	req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error) {
	mint, err := fm.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return mint.PostRestore(ctx, mintURL, req)
}
