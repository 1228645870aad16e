package security

import (
	"encoding/base64"
	"errors"

	jsoniter "github.com/json-iterator/go"
)

// ErrMalformedPayload indicates the encoded blob could not be reversed.
var ErrMalformedPayload = errors.New("malformed encoded payload")

var codecJSON = jsoniter.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

// EncodeData reversibly encodes a payload as URL-safe base64 JSON.
//
// This is obfuscation compatible with the legacy clients, not confidentiality:
// anyone holding the blob can decode it. Callers needing secrecy must layer
// real encryption on top.
func EncodeData(data any) (string, error) {
	blob, err := codecJSON.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(blob), nil
}

// DecodeData reverses EncodeData into the supplied target.
func DecodeData(encoded string, target any) error {
	blob, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return ErrMalformedPayload
	}
	if err := codecJSON.Unmarshal(blob, target); err != nil {
		return ErrMalformedPayload
	}
	return nil
}
