package store

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the stored shape of a value. The gateway's content-type
// resolution branches on it, so the kind survives a round trip through the
// entries table unchanged.
type Kind int

const (
	KindNull  Kind = iota // explicit absence marker
	KindText              // UTF-8 text
	KindBytes             // raw byte buffer, no declared type
	KindBlob              // binary with a declared MIME type
	KindJSON              // structured record or array, raw JSON bytes
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	case KindBlob:
		return "blob"
	case KindJSON:
		return "json"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is one stored entry payload.
type Value struct {
	Kind Kind
	MIME string // declared type, blobs only
	Data []byte
}

// Null is the stored absence marker.
var Null = Value{Kind: KindNull}

func NewText(s string) Value        { return Value{Kind: KindText, Data: []byte(s)} }
func NewBytes(b []byte) Value       { return Value{Kind: KindBytes, Data: b} }
func NewBlob(mime string, b []byte) Value { return Value{Kind: KindBlob, MIME: mime, Data: b} }
func NewJSON(raw json.RawMessage) Value   { return Value{Kind: KindJSON, Data: raw} }

// MarshalJSONValue encodes v as a KindJSON value.
func MarshalJSONValue(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encoding value: %w", err)
	}
	return NewJSON(raw), nil
}

// Text returns the payload as a string.
func (v Value) Text() string { return string(v.Data) }

// DecodeJSON unmarshals a KindJSON payload into out.
func (v Value) DecodeJSON(out any) error {
	if v.Kind != KindJSON {
		return fmt.Errorf("value is %s, not json", v.Kind)
	}
	return json.Unmarshal(v.Data, out)
}
