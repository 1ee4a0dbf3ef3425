package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestRequestIDUnmarshal(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantNil bool
		want    string
	}{
		{name: "string id", raw: `"abc-1"`, want: "abc-1"},
		{name: "integer id", raw: `42`, want: "42"},
		{name: "fractional id", raw: `1.5`, want: "1.5"},
		{name: "explicit null is absent", raw: `null`, wantNil: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var id RequestID
			if err := json.Unmarshal([]byte(tc.raw), &id); err != nil {
				t.Fatalf("unmarshal %s: %v", tc.raw, err)
			}
			if got := id.IsNil(); got != tc.wantNil {
				t.Fatalf("IsNil() = %v, want %v", got, tc.wantNil)
			}
			if got := id.String(); got != tc.want {
				t.Fatalf("String() = %q, want %q", got, tc.want)
			}
		})
	}

	t.Run("object id rejected", func(t *testing.T) {
		var id RequestID
		if err := json.Unmarshal([]byte(`{"v":1}`), &id); err == nil {
			t.Fatal("object id should not unmarshal")
		}
	})

	t.Run("null id message parses as notification", func(t *testing.T) {
		req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":null,"method":"notifications/initialized"}`))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if !req.ID.IsNil() {
			t.Fatalf("id = %q, want absent", req.ID.String())
		}
	})
}
