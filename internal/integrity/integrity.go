// Package integrity computes deterministic digests for events, accesses and
// attachments. Digests cover the canonical JSON form of an item (keys sorted,
// the integrity field itself removed) so that two processes always agree on
// the value.
package integrity

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"
)

// Digest keys, the first segment of the digest string.
const (
	KeyEvent  = "EVENT"
	KeyAccess = "ACCESS"
)

const formatVersion = 0

// Event computes the integrity digest of an event, given its JSON-marshalable
// representation.
func Event(event any) (string, error) {
	return compute(KeyEvent, event)
}

// Access computes the integrity digest of an access.
func Access(access any) (string, error) {
	return compute(KeyAccess, access)
}

func compute(key string, item any) (string, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal for digest: %w", err)
	}
	canonical, err := canonicalize(b)
	if err != nil {
		return "", fmt.Errorf("canonicalize for digest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%d:sha256-%s",
		key, formatVersion, base64.StdEncoding.EncodeToString(sum[:])), nil
}

// Parse splits a digest string into its key and the integrity payload that
// audit records embed. Malformed digests yield ok == false.
func Parse(digest string) (key, payload string, ok bool) {
	key, payload, ok = strings.Cut(digest, ":")
	if !ok || payload == "" {
		return "", "", false
	}
	if key != KeyEvent && key != KeyAccess {
		return "", "", false
	}
	return key, digest, true
}

// Verify recomputes the digest of item and compares it to the expected value.
func Verify(expected string, item any) (bool, error) {
	key, _, ok := Parse(expected)
	if !ok {
		return false, fmt.Errorf("malformed integrity digest %q", expected)
	}
	actual, err := compute(key, item)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

// canonicalize rewrites a JSON document with object keys sorted and the
// top-level integrity field removed.
func canonicalize(b []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		delete(m, "integrity")
	}
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, x[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, e); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	default:
		// Scalars keep encoding/json's number and string formatting.
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		sb.Write(b)
	}
	return nil
}

// AttachmentDigester computes a subresource-integrity digest of an attachment
// while the upload is streamed to disk. Wrap the destination writer, copy the
// upload through it, then call Digest.
type AttachmentDigester struct {
	h hash.Hash
	w io.Writer
}

// NewAttachmentDigester wraps dst so that writes are hashed as they pass.
func NewAttachmentDigester(dst io.Writer) *AttachmentDigester {
	h := sha256.New()
	return &AttachmentDigester{h: h, w: io.MultiWriter(dst, h)}
}

func (d *AttachmentDigester) Write(p []byte) (int, error) {
	return d.w.Write(p)
}

// Digest returns the subresource-integrity string for the bytes written so
// far.
func (d *AttachmentDigester) Digest() string {
	return "sha256-" + base64.StdEncoding.EncodeToString(d.h.Sum(nil))
}
