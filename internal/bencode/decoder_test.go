package bencode

import (
	"reflect"
	"testing"
)

func TestUnmarshal_Primitives(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", "spam"},
		{"empty-string", "0:", ""},
		{"int-positive", "i42e", int64(42)},
		{"int-negative", "i-8e", int64(-8)},
		{"int-zero", "i0e", int64(0)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tc.in))
			if err != nil {
				t.Fatalf("Unmarshal(%q) error: %v", tc.in, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestUnmarshal_Collections(t *testing.T) {
	got, err := Unmarshal([]byte("li1e4:spami0el6:nestedi2eee"))
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	want := []any{int64(1), "spam", int64(0), []any{"nested", int64(2)}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}

	got, err = Unmarshal([]byte("d1:ai1e1:bi2e1:cl1:xi3eee"))
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	wantDict := map[string]any{"a": int64(1), "b": int64(2), "c": []any{"x", int64(3)}}
	if !reflect.DeepEqual(got, wantDict) {
		t.Fatalf("got %#v, want %#v", got, wantDict)
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"leading-zero", "i03e"},
		{"negative-zero", "i-0e"},
		{"lone-minus", "i-e"},
		{"negative-string-length", "-1:x"},
		{"truncated-string", "5:ab"},
		{"unterminated-list", "li1e"},
		{"trailing-garbage", "i1ei2e"},
		{"empty-input", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tc.in)); err == nil {
				t.Fatalf("Unmarshal(%q) succeeded, want error", tc.in)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []any{
		"spam",
		int64(-12345),
		[]any{"a", int64(1), []any{"b"}},
		map[string]any{"x": int64(1), "y": "z"},
	}

	for _, in := range tests {
		encoded, err := Marshal(in)
		if err != nil {
			t.Fatalf("Marshal(%#v) error: %v", in, err)
		}
		decoded, err := Unmarshal(encoded)
		if err != nil {
			t.Fatalf("Unmarshal(%q) error: %v", encoded, err)
		}
		if !reflect.DeepEqual(decoded, in) {
			t.Fatalf("round trip mismatch: got %#v, want %#v", decoded, in)
		}
	}
}
