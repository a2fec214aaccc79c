package ingest

import (
	"encoding/base64"
	"encoding/binary"
	"strings"

	"github.com/agentregistry/indexer/infrastructure/errors"
	"github.com/agentregistry/indexer/infrastructure/logging"
)

// programDataPrefix is the log-line prefix the chain runtime emits ahead of
// a base64-encoded event payload, mirroring how Solana-style validators
// frame `sol_log_data` output.
const programDataPrefix = "Program data: "

// discriminator is the 8-byte tag the on-chain program prefixes every
// emitted event payload with, matching the program's own constants.
type discriminator [8]byte

var eventDiscriminators = map[discriminator]string{
	tagFor("AgentRegistered"):     "AgentRegistered",
	tagFor("UriUpdated"):          "UriUpdated",
	tagFor("WalletUpdated"):       "WalletUpdated",
	tagFor("AtomEnabled"):         "AtomEnabled",
	tagFor("AgentOwnerSynced"):    "AgentOwnerSynced",
	tagFor("MetadataSet"):         "MetadataSet",
	tagFor("MetadataDeleted"):     "MetadataDeleted",
	tagFor("NewFeedback"):         "NewFeedback",
	tagFor("FeedbackRevoked"):     "FeedbackRevoked",
	tagFor("ResponseAppended"):    "ResponseAppended",
	tagFor("ValidationRequested"): "ValidationRequested",
	tagFor("ValidationResponded"): "ValidationResponded",
	tagFor("RegistryInitialized"): "RegistryInitialized",
}

// tagFor derives a stable 8-byte discriminator from an event name. Real
// deployments key this off the program's actual anchor-style discriminator;
// this FNV-based derivation is a placeholder until the on-chain IDL is wired
// in, kept deterministic so decoder tests do not depend on program bytes.
func tagFor(name string) discriminator {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	hash := uint64(offset64)
	for i := 0; i < len(name); i++ {
		hash ^= uint64(name[i])
		hash *= prime64
	}
	var d discriminator
	binary.LittleEndian.PutUint64(d[:], hash)
	return d
}

// Decoder parses transaction log records into typed events.
type Decoder struct {
	log *logging.Logger
}

// NewDecoder constructs a Decoder.
func NewDecoder(log *logging.Logger) *Decoder {
	return &Decoder{log: log}
}

// Decode parses every recognized log line of tx into zero or more events.
// A transaction marked Failed yields no events. A malformed individual log
// line is logged and skipped; decoding continues with the remaining lines.
func (d *Decoder) Decode(tx TxRecord) []Event {
	if tx.Failed {
		return nil
	}

	var events []Event
	ordinal := 0
	for _, line := range tx.Logs {
		payload, ok := strings.CutPrefix(line, programDataPrefix)
		if !ok {
			continue
		}

		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			d.log.WithError(err).WithFields(map[string]interface{}{
				"signature": tx.Signature,
			}).Warn("decode: invalid base64 log payload")
			continue
		}
		if len(raw) < 8 {
			d.log.WithFields(map[string]interface{}{
				"signature": tx.Signature,
			}).Warn("decode: truncated event payload")
			continue
		}

		var tag discriminator
		copy(tag[:], raw[:8])
		kind, known := eventDiscriminators[tag]
		if !known {
			d.log.WithFields(map[string]interface{}{
				"signature": tx.Signature,
			}).Warn("decode: unknown event discriminator")
			continue
		}

		meta := EventMeta{
			Signature:    tx.Signature,
			Slot:         tx.Slot,
			TxIndex:      tx.TxIndex,
			EventOrdinal: ordinal,
			BlockTime:    tx.BlockTime,
		}

		event, err := decodeBody(kind, meta, raw[8:])
		if err != nil {
			d.log.WithError(err).WithFields(map[string]interface{}{
				"signature": tx.Signature,
				"kind":      kind,
			}).Warn("decode: invalid event body")
			continue
		}

		events = append(events, event)
		ordinal++
	}
	return events
}

// bodyReader is a minimal little-endian cursor over an event payload body.
type bodyReader struct {
	buf []byte
	pos int
}

func (r *bodyReader) remaining() int { return len(r.buf) - r.pos }

func (r *bodyReader) bytes(n int) ([]byte, bool) {
	if r.remaining() < n {
		return nil, false
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, true
}

func (r *bodyReader) u8() (byte, bool) {
	b, ok := r.bytes(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (r *bodyReader) u32() (uint32, bool) {
	b, ok := r.bytes(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (r *bodyReader) i32() (int32, bool) {
	v, ok := r.u32()
	return int32(v), ok
}

// optI32 reads a one-byte presence tag followed by an int32 when present.
func (r *bodyReader) optI32() (*int32, bool) {
	present, ok := r.bool()
	if !ok {
		return nil, false
	}
	if !present {
		return nil, true
	}
	v, ok := r.i32()
	if !ok {
		return nil, false
	}
	return &v, true
}

func (r *bodyReader) u64() (uint64, bool) {
	b, ok := r.bytes(8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

func (r *bodyReader) bool() (bool, bool) {
	b, ok := r.u8()
	return b != 0, ok
}

func (r *bodyReader) fixed32() ([32]byte, bool) {
	var out [32]byte
	b, ok := r.bytes(32)
	if !ok {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

func (r *bodyReader) fixed16() ([16]byte, bool) {
	var out [16]byte
	b, ok := r.bytes(16)
	if !ok {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

// addr reads a 32-byte chain address and renders it base58.
func (r *bodyReader) addr() (string, bool) {
	raw, ok := r.fixed32()
	if !ok {
		return "", false
	}
	return encodeAddress(raw[:]), true
}

// str reads a u32-length-prefixed UTF-8 string.
func (r *bodyReader) str() (string, bool) {
	n, ok := r.u32()
	if !ok {
		return "", false
	}
	b, ok := r.bytes(int(n))
	if !ok {
		return "", false
	}
	return string(b), true
}

// optStr reads a one-byte presence tag followed by a string when present.
func (r *bodyReader) optStr() (*string, bool) {
	present, ok := r.bool()
	if !ok {
		return nil, false
	}
	if !present {
		return nil, true
	}
	s, ok := r.str()
	if !ok {
		return nil, false
	}
	return &s, true
}

// optAddr reads a one-byte presence tag followed by an address when present.
func (r *bodyReader) optAddr() (*string, bool) {
	present, ok := r.bool()
	if !ok {
		return nil, false
	}
	if !present {
		return nil, true
	}
	a, ok := r.addr()
	if !ok {
		return nil, false
	}
	return &a, true
}

func decodeBody(kind string, meta EventMeta, body []byte) (Event, error) {
	r := &bodyReader{buf: body}
	switch kind {
	case "AgentRegistered":
		asset, ok1 := r.addr()
		owner, ok2 := r.addr()
		collection, ok3 := r.addr()
		creator, ok4 := r.addr()
		parent, ok5 := r.optAddr()
		uri, ok6 := r.str()
		atom, ok7 := r.bool()
		if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		return AgentRegistered{meta, asset, owner, collection, creator, parent, uri, atom}, nil

	case "UriUpdated":
		asset, ok1 := r.addr()
		uri, ok2 := r.str()
		if !(ok1 && ok2) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		return UriUpdated{meta, asset, uri}, nil

	case "WalletUpdated":
		asset, ok1 := r.addr()
		wallet, ok2 := r.optAddr()
		if !(ok1 && ok2) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		w := ""
		if wallet != nil {
			w = *wallet
		}
		return WalletUpdated{meta, asset, w}, nil

	case "AtomEnabled":
		asset, ok1 := r.addr()
		enabled, ok2 := r.bool()
		if !(ok1 && ok2) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		return AtomEnabled{meta, asset, enabled}, nil

	case "AgentOwnerSynced":
		asset, ok1 := r.addr()
		newOwner, ok2 := r.addr()
		if !(ok1 && ok2) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		return AgentOwnerSynced{meta, asset, newOwner}, nil

	case "MetadataSet":
		asset, ok1 := r.addr()
		key, ok2 := r.str()
		n, ok3 := r.u32()
		if !(ok1 && ok2 && ok3) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		value, ok4 := r.bytes(int(n))
		immutable, ok5 := r.bool()
		if !(ok4 && ok5) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		valueCopy := append([]byte(nil), value...)
		return MetadataSet{meta, asset, key, valueCopy, immutable}, nil

	case "MetadataDeleted":
		asset, ok1 := r.addr()
		key, ok2 := r.str()
		if !(ok1 && ok2) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		return MetadataDeleted{meta, asset, key}, nil

	case "NewFeedback":
		return decodeNewFeedback(meta, r)

	case "FeedbackRevoked":
		asset, ok1 := r.addr()
		client, ok2 := r.addr()
		idx, ok3 := r.u64()
		seal, ok4 := r.fixed32()
		atom, ok5 := r.bool()
		impact, ok6 := r.bool()
		if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		return FeedbackRevoked{meta, asset, client, idx, seal, atom, impact}, nil

	case "ResponseAppended":
		asset, ok1 := r.addr()
		client, ok2 := r.addr()
		idx, ok3 := r.u64()
		responder, ok4 := r.addr()
		uri, ok5 := r.optStr()
		hash, ok6 := r.fixed32()
		if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		return ResponseAppended{meta, asset, client, idx, responder, uri, hash}, nil

	case "ValidationRequested":
		asset, ok1 := r.addr()
		validator, ok2 := r.addr()
		nonce, ok3 := r.fixed16()
		uri, ok4 := r.optStr()
		hash, ok5 := r.fixed32()
		if !(ok1 && ok2 && ok3 && ok4 && ok5) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		return ValidationRequested{meta, asset, validator, nonce, uri, hash}, nil

	case "ValidationResponded":
		asset, ok1 := r.addr()
		validator, ok2 := r.addr()
		nonce, ok3 := r.fixed16()
		response, ok4 := r.optStr()
		uri, ok5 := r.optStr()
		hashPresent, ok6 := r.bool()
		tag, ok7 := r.optStr()
		if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		var hash *[32]byte
		if hashPresent {
			h, ok := r.fixed32()
			if !ok {
				return nil, errors.DecodeTruncated(meta.Signature)
			}
			hash = &h
		}
		return ValidationResponded{meta, asset, validator, nonce, response, uri, hash, tag}, nil

	case "RegistryInitialized":
		collection, ok1 := r.addr()
		authority, ok2 := r.addr()
		kindByte, ok3 := r.u8()
		if !(ok1 && ok2 && ok3) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		rt := RegistryBase
		if kindByte == 1 {
			rt = RegistryUser
		}
		return RegistryInitialized{meta, collection, authority, rt}, nil

	default:
		return nil, errors.DecodeUnknownTag(kind)
	}
}

func decodeNewFeedback(meta EventMeta, r *bodyReader) (Event, error) {
	asset, ok1 := r.addr()
	client, ok2 := r.addr()
	idx, ok3 := r.u64()
	value, ok4 := r.u64()
	decimals, ok5 := r.u8()
	seal, ok6 := r.fixed32()
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return nil, errors.DecodeTruncated(meta.Signature)
	}

	score, ok7 := r.optI32()
	tag1, ok8 := r.optStr()
	tag2, ok9 := r.optStr()
	endpoint, ok10 := r.optStr()
	feedbackURI, ok11 := r.optStr()
	if !(ok7 && ok8 && ok9 && ok10 && ok11) {
		return nil, errors.DecodeTruncated(meta.Signature)
	}

	hasAtom, ok12 := r.bool()
	if !ok12 {
		return nil, errors.DecodeTruncated(meta.Signature)
	}

	ev := NewFeedback{
		EventMeta:     meta,
		Asset:         asset,
		ClientAddress: client,
		FeedbackIndex: idx,
		Value:         int64(value),
		ValueDecimals: int(decimals),
		SealHash:      seal,
		Score:         score,
		Tag1:          tag1,
		Tag2:          tag2,
		Endpoint:      endpoint,
		FeedbackURI:   feedbackURI,
	}

	if hasAtom {
		tier, okTier := r.str()
		quality, okQuality := r.u64()
		confidence, okConfidence := r.u64()
		risk, okRisk := r.u64()
		diversity, okDiversity := r.u64()
		if !(okTier && okQuality && okConfidence && okRisk && okDiversity) {
			return nil, errors.DecodeTruncated(meta.Signature)
		}
		q := float64(quality) / 1e6
		c := float64(confidence) / 1e6
		rk := float64(risk) / 1e6
		d := float64(diversity) / 1e6
		ev.TrustTier = &tier
		ev.QualityScore = &q
		ev.Confidence = &c
		ev.RiskScore = &rk
		ev.DiversityRatio = &d
	}

	return ev, nil
}
