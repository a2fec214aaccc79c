package ingest

import "github.com/mr-tron/base58"

// encodeAddress renders a 32-byte chain address in its canonical base58 form.
func encodeAddress(raw []byte) string {
	return base58.Encode(raw)
}

// decodeAddress parses a canonical base58 chain address back to raw bytes.
func decodeAddress(s string) ([]byte, error) {
	return base58.Decode(s)
}
