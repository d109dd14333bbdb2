package codec

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestJSONCodec(t *testing.T) {
	c := JSON()
	in := map[string]any{"type": 1, "from": "a"}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["type"].(float64) != 1 || out["from"].(string) != "a" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORCodec(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	in := map[string]any{"n": 42}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	switch n := out["n"].(type) {
	case uint64:
		if n != 42 {
			t.Fatalf("roundtrip mismatch: %#v", out)
		}
	case int64:
		if n != 42 {
			t.Fatalf("roundtrip mismatch: %#v", out)
		}
	default:
		t.Fatalf("unexpected number type: %#v", out)
	}
}

func TestProtoCodecRejectsNonMessage(t *testing.T) {
	c := Proto()
	if _, err := c.Marshal(map[string]any{}); err == nil {
		t.Fatalf("expected error for non proto.Message value")
	}
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := c.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out structpb.Struct
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Fields["k"].GetStringValue() != "v" {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Get("application/json") == nil {
		t.Fatalf("expected JSON preloaded")
	}
	if r.Get("application/cbor") != nil {
		t.Fatalf("CBOR should not be preloaded")
	}
	cb, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	r.Register(cb)
	if r.Get("application/cbor") == nil {
		t.Fatalf("expected CBOR after Register")
	}
}
