package nut07

import (
	"encoding/json"
	"testing"
)

func TestProofStateJSON(t *testing.T) {
	tests := []struct {
		json     string
		expected State
		err      bool
	}{
		{json: `{"Y":"02aa","state":"UNSPENT"}`, expected: Unspent},
		{json: `{"Y":"02aa","state":"PENDING"}`, expected: Pending},
		{json: `{"Y":"02aa","state":"SPENT","witness":""}`, expected: Spent},
		{json: `{"Y":"02aa","state":"BURNED"}`, err: true},
	}

	for _, test := range tests {
		var proofState ProofState
		err := json.Unmarshal([]byte(test.json), &proofState)
		if test.err {
			if err == nil {
				t.Fatalf("expected error unmarshaling '%v'", test.json)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if proofState.State != test.expected {
			t.Fatalf("expected state '%v' but got '%v'", test.expected, proofState.State)
		}

		jsonBytes, err := json.Marshal(proofState)
		if err != nil {
			t.Fatal(err)
		}
		var again ProofState
		if err := json.Unmarshal(jsonBytes, &again); err != nil || again != proofState {
			t.Fatalf("expected '%v' after re-encoding but got '%v' (err: %v)", proofState, again, err)
		}
	}
}
