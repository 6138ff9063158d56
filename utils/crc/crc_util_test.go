package crc

import (
	"bytes"
	"testing"
)

func TestBlockHashRoundTrip(t *testing.T) {
	payload := []byte("some block content")
	withHash := AppendBlockHash(append([]byte(nil), payload...))

	if len(withHash) != len(payload)+HashSize {
		t.Fatalf("Expected %d bytes, got %d", len(payload)+HashSize, len(withHash))
	}

	got, err := CheckBlockHash(withHash)
	if err != nil {
		t.Fatalf("CheckBlockHash failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("Payload mangled by hash round trip")
	}
}

func TestCheckBlockHashRejectsTampering(t *testing.T) {
	withHash := AppendBlockHash([]byte("content"))
	withHash[0] ^= 0x01
	if _, err := CheckBlockHash(withHash); err == nil {
		t.Error("Expected error on tampered payload")
	}

	if _, err := CheckBlockHash([]byte{1, 2}); err == nil {
		t.Error("Expected error on truncated input")
	}
}

func TestMetaHashDeterministic(t *testing.T) {
	data := []byte("meta entries")
	if MetaHash(data) != MetaHash(data) {
		t.Error("MetaHash not deterministic")
	}
	if MetaHash(data) == MetaHash([]byte("meta entriex")) {
		t.Error("MetaHash collision on adjacent inputs")
	}
}
