package main

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/golang/snappy"
)

func TestRelayCompressionRoundTrip(t *testing.T) {
	inner := append([]byte(`{"entries":[`), bytes.Repeat([]byte(`1,`), 2000)...)
	inner = append(inner, []byte(`1]}`)...)
	if len(inner) <= compressThreshold {
		t.Fatalf("fixture must exceed the threshold, got %d bytes", len(inner))
	}

	packed := snappy.Encode(nil, inner)
	encoded, err := wireJSON.Marshal(base64.StdEncoding.EncodeToString(packed))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	relayed := RelayedGameMessagePayload{
		FromClient:  "client_a",
		MessageType: "world_state",
		Data:        encoded,
		Compressed:  true,
	}

	data, err := DecodeRelayedData(relayed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(data, inner) {
		t.Fatal("compressed payload did not survive the round trip")
	}
}

func TestDecodeRelayedDataPassThrough(t *testing.T) {
	relayed := RelayedGameMessagePayload{Data: []byte(`{"lap":1}`)}
	data, err := DecodeRelayedData(relayed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(data) != `{"lap":1}` {
		t.Fatalf("unexpected data %s", data)
	}
}

func TestCensorUsernameMasksInappropriateNames(t *testing.T) {
	if censorUsername("Racer1") != "Racer1" {
		t.Fatal("clean names must pass unchanged")
	}
	censored := censorUsername("fuck")
	if censored == "fuck" {
		t.Fatal("inappropriate names must be masked")
	}
}
