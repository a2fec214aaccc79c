package ingest

import (
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/agentregistry/indexer/infrastructure/logging"
)

func testLogger() *logging.Logger {
	return logging.New("decoder-test", "error", "json")
}

func encodeProgramDataLine(tag discriminator, body []byte) string {
	payload := append(append([]byte(nil), tag[:]...), body...)
	return programDataPrefix + base64.StdEncoding.EncodeToString(payload)
}

func putStr(buf []byte, s string) []byte {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(s)))
	buf = append(buf, lenBuf...)
	return append(buf, []byte(s)...)
}

func TestDecodeUriUpdated(t *testing.T) {
	asset := make([]byte, 32)
	asset[0] = 1

	var body []byte
	body = append(body, asset...)
	body = putStr(body, "https://example.com/agent.json")

	line := encodeProgramDataLine(tagFor("UriUpdated"), body)
	tx := TxRecord{Signature: "sig1", Slot: 100, Logs: []string{line}}

	events := NewDecoder(testLogger()).Decode(tx)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev, ok := events[0].(UriUpdated)
	if !ok {
		t.Fatalf("event type = %T, want UriUpdated", events[0])
	}
	if ev.AgentURI != "https://example.com/agent.json" {
		t.Errorf("AgentURI = %q", ev.AgentURI)
	}
	if ev.Asset != encodeAddress(asset) {
		t.Errorf("Asset = %q, want %q", ev.Asset, encodeAddress(asset))
	}
	if ev.Kind() != "UriUpdated" {
		t.Errorf("Kind() = %q", ev.Kind())
	}
}

func TestDecodeFailedTransactionYieldsNoEvents(t *testing.T) {
	tx := TxRecord{Signature: "sig2", Slot: 1, Failed: true, Logs: []string{"Program data: anything"}}
	events := NewDecoder(testLogger()).Decode(tx)
	if events != nil {
		t.Fatalf("failed tx should decode to no events, got %v", events)
	}
}

func TestDecodeSkipsNonProgramDataLines(t *testing.T) {
	tx := TxRecord{Signature: "sig3", Slot: 1, Logs: []string{"Program log: hello", "some other line"}}
	events := NewDecoder(testLogger()).Decode(tx)
	if len(events) != 0 {
		t.Fatalf("expected 0 events, got %d", len(events))
	}
}

func TestDecodeInvalidBase64IsSkippedNotFatal(t *testing.T) {
	tx := TxRecord{Signature: "sig4", Slot: 1, Logs: []string{
		"Program data: not-valid-base64!!!",
	}}
	events := NewDecoder(testLogger()).Decode(tx)
	if len(events) != 0 {
		t.Fatalf("expected 0 events for invalid base64, got %d", len(events))
	}
}

func TestDecodeTruncatedPayloadIsSkipped(t *testing.T) {
	line := programDataPrefix + base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	tx := TxRecord{Signature: "sig5", Slot: 1, Logs: []string{line}}
	events := NewDecoder(testLogger()).Decode(tx)
	if len(events) != 0 {
		t.Fatalf("expected 0 events for truncated payload, got %d", len(events))
	}
}

func TestDecodeUnknownDiscriminatorIsSkipped(t *testing.T) {
	var tag discriminator
	copy(tag[:], "ZZZZZZZZ")
	line := encodeProgramDataLine(tag, []byte{0, 0, 0, 0})
	tx := TxRecord{Signature: "sig6", Slot: 1, Logs: []string{line}}
	events := NewDecoder(testLogger()).Decode(tx)
	if len(events) != 0 {
		t.Fatalf("expected 0 events for unknown discriminator, got %d", len(events))
	}
}

func TestDecodeTruncatedEventBodyIsSkippedNotFatal(t *testing.T) {
	// UriUpdated needs a 32-byte address plus a length-prefixed string; give
	// it only the address.
	asset := make([]byte, 32)
	line := encodeProgramDataLine(tagFor("UriUpdated"), asset)
	tx := TxRecord{Signature: "sig7", Slot: 1, Logs: []string{line}}
	events := NewDecoder(testLogger()).Decode(tx)
	if len(events) != 0 {
		t.Fatalf("expected 0 events for truncated body, got %d", len(events))
	}
}

func TestDecodeMultipleEventsPreservesOrdinal(t *testing.T) {
	asset := make([]byte, 32)
	asset[0] = 9

	var body1 []byte
	body1 = append(body1, asset...)
	body1 = putStr(body1, "uri-1")
	line1 := encodeProgramDataLine(tagFor("UriUpdated"), body1)

	var body2 []byte
	body2 = append(body2, asset...)
	body2 = putStr(body2, "uri-2")
	line2 := encodeProgramDataLine(tagFor("UriUpdated"), body2)

	tx := TxRecord{Signature: "sig8", Slot: 1, Logs: []string{line1, line2}}
	events := NewDecoder(testLogger()).Decode(tx)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Meta().EventOrdinal != 0 || events[1].Meta().EventOrdinal != 1 {
		t.Errorf("ordinals = %d, %d, want 0, 1", events[0].Meta().EventOrdinal, events[1].Meta().EventOrdinal)
	}
}

func TestDecodeRegistryInitialized(t *testing.T) {
	collection := make([]byte, 32)
	collection[0] = 2
	authority := make([]byte, 32)
	authority[0] = 3

	var body []byte
	body = append(body, collection...)
	body = append(body, authority...)
	body = append(body, 1) // USER

	line := encodeProgramDataLine(tagFor("RegistryInitialized"), body)
	tx := TxRecord{Signature: "sig9", Slot: 1, Logs: []string{line}}
	events := NewDecoder(testLogger()).Decode(tx)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev, ok := events[0].(RegistryInitialized)
	if !ok {
		t.Fatalf("event type = %T, want RegistryInitialized", events[0])
	}
	if ev.RegistryType != RegistryUser {
		t.Errorf("RegistryType = %q, want %q", ev.RegistryType, RegistryUser)
	}
}
