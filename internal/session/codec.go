// Package session persists and restores agent conversation transcripts.
//
// A transcript is an append-only JSONL log the agent backend writes under a
// directory derived from its working directory. Between rounds the sandbox is
// gone, so the dispatcher extracts the transcript into a compressed,
// base64-encoded blob small enough to store in a text column and carry inside
// a request payload, then restores it byte-identically before the next
// resumed invocation. The backend finds prior context purely by path
// convention, so the working-directory encoding must match on both sides.
package session

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Extract reads the transcript at path and returns it as a gzip-compressed,
// base64-encoded string. Compression typically shaves 60-80% off JSONL
// transcripts, which matters because the blob travels inside request payloads
// with practical size ceilings.
func Extract(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return Encode(raw)
}

// Restore reverses Extract: it decodes and decompresses blob and writes the
// transcript to path, creating parent directories as needed.
func Restore(blob, path string) error {
	raw, err := Decode(blob)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// Encode compresses raw bytes and base64-encodes the result.
func Encode(raw []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("compress transcript: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("flush transcript: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode.
func Decode(blob string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode transcript blob: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open transcript blob: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress transcript: %w", err)
	}
	return raw, nil
}
