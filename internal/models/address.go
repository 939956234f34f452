package models

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Domain prefix for the params fingerprint. The version suffix enables
// future derivation migration without colliding with older fingerprints.
const paramsFingerprintDomain = "clausewise/params/v1"

// ContentAddress uniquely identifies all artifacts derived from one input.
//
// ContentHMAC is a keyed hash of the raw document bytes. A keyed HMAC rather
// than a plain hash: knowledge of an address must not let an external party
// test whether a given document was ever processed.
type ContentAddress struct {
	ContentHMAC       string `json:"content_hmac"`
	AlgorithmVersion  int    `json:"algorithm_version"`
	ParamsFingerprint string `json:"params_fingerprint"`
}

// NewContentAddress derives the canonical address for raw input bytes.
// The triple is immutable; reprocessing with a new pipeline revision or
// different params produces a new triple, never a mutation of this one.
func NewContentAddress(secret []byte, raw []byte, algorithmVersion int, params map[string]string) ContentAddress {
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)

	return ContentAddress{
		ContentHMAC:       hex.EncodeToString(mac.Sum(nil)),
		AlgorithmVersion:  algorithmVersion,
		ParamsFingerprint: ParamsFingerprint(params),
	}
}

// ParamsFingerprint computes a stable hash over processing configuration so
// that different configurations of the same algorithm version never collide.
// Pairs are hashed in sorted key order with null separators to keep the
// key/value boundaries unambiguous.
func ParamsFingerprint(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(paramsFingerprintDomain))
	h.Write([]byte{0x00})
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0x00})
		h.Write([]byte(params[k]))
		h.Write([]byte{0x00})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Key returns the composite string key used for row identity and lock names.
func (a ContentAddress) Key() string {
	return fmt.Sprintf("%s:%d:%s", a.ContentHMAC, a.AlgorithmVersion, a.ParamsFingerprint)
}

// Equal reports whether two addresses refer to the same derived artifact set.
func (a ContentAddress) Equal(other ContentAddress) bool {
	return a.ContentHMAC == other.ContentHMAC &&
		a.AlgorithmVersion == other.AlgorithmVersion &&
		a.ParamsFingerprint == other.ParamsFingerprint
}
