package nut01

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestKeysMapJSON(t *testing.T) {
	keys := KeysMap{
		8:  "02fdfd6796bfeac490cbee12f778f867f0a2c68f6508d17c649759ea0dc3547528",
		1:  "03a40f20667ed53513075dc51e715ff2046cad64eb68960632269ba7f0210e38bc",
		16: "0203a2fa5aa0b4ae2a11e18f69e9d4ac1d23c7c69b0fe3a6ab7a10d92e5ed33b1c",
		2:  "03fd4ce5a16b65576145949e6f99f445f8249fee17c606b688b504a849cdc452de",
	}

	jsonBytes, err := json.Marshal(keys)
	if err != nil {
		t.Fatal(err)
	}

	expected := `{"1":"03a40f20667ed53513075dc51e715ff2046cad64eb68960632269ba7f0210e38bc",` +
		`"2":"03fd4ce5a16b65576145949e6f99f445f8249fee17c606b688b504a849cdc452de",` +
		`"8":"02fdfd6796bfeac490cbee12f778f867f0a2c68f6508d17c649759ea0dc3547528",` +
		`"16":"0203a2fa5aa0b4ae2a11e18f69e9d4ac1d23c7c69b0fe3a6ab7a10d92e5ed33b1c"}`
	if string(jsonBytes) != expected {
		t.Fatalf("expected '%v' but got '%v'", expected, string(jsonBytes))
	}

	var decoded KeysMap
	if err := json.Unmarshal(jsonBytes, &decoded); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(decoded, keys) {
		t.Fatalf("expected '%v' but got '%v'", keys, decoded)
	}
}
