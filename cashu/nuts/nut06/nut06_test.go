package nut06

import (
	"encoding/json"
	"testing"
)

func TestMintInfoUnmarshal(t *testing.T) {
	tests := []struct {
		info             string
		expectedContacts int
	}{
		{
			info: `{"name":"test mint","version":"nutvault/0.1.0","contact":[{"method":"email","info":"mint@example.com"}],
				"nuts":{"4":{"methods":[{"method":"bolt11","unit":"sat"}],"disabled":false},"5":{"methods":[{"method":"bolt11","unit":"sat"}]},"7":{"supported":true}}}`,
			expectedContacts: 1,
		},
		{
			// old contact format
			info: `{"name":"test mint","version":"nutvault/0.1.0","contact":[["email","mint@example.com"]],
				"nuts":{"4":{"methods":[{"method":"bolt11","unit":"sat"}],"disabled":false},"5":{"methods":[{"method":"bolt11","unit":"sat"}]},"7":{"supported":true}}}`,
			expectedContacts: 0,
		},
	}

	for _, test := range tests {
		var info MintInfo
		if err := json.Unmarshal([]byte(test.info), &info); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.Name != "test mint" {
			t.Fatalf("expected name 'test mint' but got '%v'", info.Name)
		}
		if len(info.Contact) != test.expectedContacts {
			t.Fatalf("expected %v contacts but got %v", test.expectedContacts, len(info.Contact))
		}
		if !info.Nuts.Nut07.Supported {
			t.Fatal("expected nut 7 to be supported")
		}
		if !info.Nuts.SupportsUnit("sat") {
			t.Fatal("expected sat to be supported")
		}
		if info.Nuts.SupportsUnit("usd") {
			t.Fatal("expected usd to not be supported")
		}
	}
}
