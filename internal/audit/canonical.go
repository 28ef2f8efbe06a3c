// Package audit implements the Audit Pipeline: a
// partitioned, hash-chained, HMAC-sealed write-behind log. This file
// implements canonical JSON, used identically for payload digests,
// partition hashes, the global hash chain, and anchor hashes so that
// every hash in the pipeline is reproducible across languages.
package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Canonicalize renders v as canonical JSON: object keys sorted
// ascending at every level, nil/undefined entries dropped, arrays
// preserved in order. It never fails on the map[string]any / []any /
// scalar shapes produced by JSON decoding.
func Canonicalize(v any) []byte {
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeCanonical(buf, t[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, e)
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			buf.WriteString("null")
			return
		}
		buf.Write(b)
	}
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// PayloadDigest computes SHA256(canonical_json(payload)), the value
// stored on every intent as payload_digest.
func PayloadDigest(payload map[string]any) string {
	return SHA256Hex(Canonicalize(payload))
}

// PayloadHMAC implements AuditIntent.payload_hmac: HMAC_SHA256(secret, digest).
func PayloadHMAC(secret, digestHex string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(digestHex))
	return hex.EncodeToString(mac.Sum(nil))
}
