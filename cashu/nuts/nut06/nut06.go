// Package nut06 contains structs as defined in [NUT-06]
//
// [NUT-06]: https://github.com/cashubtc/nuts/blob/main/06.md
package nut06

import (
	"encoding/json"

	"github.com/elnosh/nutvault/cashu/nuts/nut17"
)

type MintInfo struct {
	Name            string        `json:"name"`
	Pubkey          string        `json:"pubkey"`
	Version         string        `json:"version"`
	Description     string        `json:"description"`
	LongDescription string        `json:"description_long,omitempty"`
	Contact         []ContactInfo `json:"contact,omitempty"`
	Motd            string        `json:"motd,omitempty"`
	Time            int64         `json:"time,omitempty"`
	Nuts            Nuts          `json:"nuts"`
}

type ContactInfo struct {
	Method string `json:"method"`
	Info   string `json:"info"`
}

// UnmarshalJSON ignores the contact field when a mint still
// sends it in the old list of pairs format.
func (mi *MintInfo) UnmarshalJSON(data []byte) error {
	type mintInfo MintInfo
	var tempInfo struct {
		mintInfo
		Contact json.RawMessage `json:"contact,omitempty"`
	}

	if err := json.Unmarshal(data, &tempInfo); err != nil {
		return err
	}

	*mi = MintInfo(tempInfo.mintInfo)
	mi.Contact = nil
	json.Unmarshal(tempInfo.Contact, &mi.Contact)

	return nil
}

type NutSetting struct {
	Methods  []MethodSetting `json:"methods"`
	Disabled bool            `json:"disabled"`
}

type MethodSetting struct {
	Method    string `json:"method"`
	Unit      string `json:"unit"`
	MinAmount uint64 `json:"min_amount,omitempty"`
	MaxAmount uint64 `json:"max_amount,omitempty"`
}

type Supported struct {
	Supported bool `json:"supported"`
}

type Nuts struct {
	Nut04 NutSetting        `json:"4"`
	Nut05 NutSetting        `json:"5"`
	Nut07 Supported         `json:"7"`
	Nut08 Supported         `json:"8"`
	Nut09 Supported         `json:"9"`
	Nut13 Supported         `json:"13"`
	Nut17 nut17.InfoSetting `json:"17"`
}

// SupportsUnit reports whether the mint accepts minting and melting in unit.
func (nuts Nuts) SupportsUnit(unit string) bool {
	mint, melt := false, false
	for _, method := range nuts.Nut04.Methods {
		if method.Unit == unit {
			mint = true
		}
	}
	for _, method := range nuts.Nut05.Methods {
		if method.Unit == unit {
			melt = true
		}
	}
	return mint && melt
}
