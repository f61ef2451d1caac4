// Package sigverify implements the one and only cryptographic check
// Kredo performs on inbound documents: Ed25519 signature verification
// against a canonical byte string. The server never signs anything
// itself.
package sigverify

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"
)

const (
	pubkeyPrefix    = "ed25519:"
	pubkeyHexLen    = 64 // 32 raw bytes
	signatureHexLen = 128 // 64 raw bytes
)

// Reason enumerates why verification failed, independent of the
// signature_invalid HTTP mapping the router applies.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonBadPubkeyPrefix    Reason = "pubkey_missing_prefix"
	ReasonBadPubkeyLength    Reason = "pubkey_wrong_length"
	ReasonBadPubkeyHex       Reason = "pubkey_not_hex"
	ReasonBadSignatureLength Reason = "signature_wrong_length"
	ReasonBadSignatureHex    Reason = "signature_not_hex"
	ReasonMismatch           Reason = "signature_mismatch"
)

// Result is the outcome of a Verify call.
type Result struct {
	OK     bool
	Reason Reason
}

// Verify checks that signatureHex, once decoded, is a valid Ed25519
// signature over payload made by the key encoded in pubkey. pubkey
// must carry the "ed25519:" prefix and 64 lowercase hex characters;
// signatureHex must be 128 lowercase hex characters. Any structural
// defect is reported as a specific Reason rather than a generic
// failure so callers can produce useful diagnostics.
func Verify(payload []byte, signatureHex, pubkey string) Result {
	raw, reason := decodePubkey(pubkey)
	if reason != ReasonNone {
		return Result{OK: false, Reason: reason}
	}
	sig, reason := decodeSignature(signatureHex)
	if reason != ReasonNone {
		return Result{OK: false, Reason: reason}
	}
	if !ed25519.Verify(raw, payload, sig) {
		return Result{OK: false, Reason: ReasonMismatch}
	}
	return Result{OK: true}
}

// DecodePubkey exposes the pubkey-parsing half of Verify for callers
// (e.g. the ownership/integrity state machines) that need the raw
// 32-byte key without re-verifying a signature.
func DecodePubkey(pubkey string) (ed25519.PublicKey, bool) {
	raw, reason := decodePubkey(pubkey)
	return raw, reason == ReasonNone
}

func decodePubkey(pubkey string) (ed25519.PublicKey, Reason) {
	if !strings.HasPrefix(pubkey, pubkeyPrefix) {
		return nil, ReasonBadPubkeyPrefix
	}
	hexPart := strings.TrimPrefix(pubkey, pubkeyPrefix)
	if len(hexPart) != pubkeyHexLen || !isLowerHex(hexPart) {
		return nil, ReasonBadPubkeyLength
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, ReasonBadPubkeyHex
	}
	return ed25519.PublicKey(raw), ReasonNone
}

func decodeSignature(signatureHex string) ([]byte, Reason) {
	if len(signatureHex) != signatureHexLen || !isLowerHex(signatureHex) {
		return nil, ReasonBadSignatureLength
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return nil, ReasonBadSignatureHex
	}
	return sig, ReasonNone
}

func isLowerHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
