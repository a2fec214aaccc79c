package ingest

import "testing"

func TestEncodeDecodeAddressRoundTrip(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i * 7)
	}

	encoded := encodeAddress(raw)
	if encoded == "" {
		t.Fatal("encodeAddress returned empty string")
	}

	decoded, err := decodeAddress(encoded)
	if err != nil {
		t.Fatalf("decodeAddress(%q) error: %v", encoded, err)
	}
	if len(decoded) != len(raw) {
		t.Fatalf("decodeAddress length = %d, want %d", len(decoded), len(raw))
	}
	for i := range raw {
		if decoded[i] != raw[i] {
			t.Fatalf("byte %d mismatch: got %x want %x", i, decoded[i], raw[i])
		}
	}
}

func TestDecodeAddressInvalid(t *testing.T) {
	if _, err := decodeAddress("not-valid-base58-!!!"); err == nil {
		t.Fatal("decodeAddress should reject invalid base58 input")
	}
}

func TestEncodeAddressZero(t *testing.T) {
	raw := make([]byte, 32)
	if got := encodeAddress(raw); got == "" {
		t.Fatal("encodeAddress of all-zero input should still produce a non-empty string")
	}
}
