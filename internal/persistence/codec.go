package persistence

import (
	"crypto/sha256"
	"fmt"

	"exit_tracker/internal/core"

	"github.com/bytedance/sonic"
)

// recordCodec uses encoding/json-compatible output so checksums stay stable
var recordCodec = sonic.ConfigStd

func encodeRecord(rec core.Record) ([]byte, [sha256.Size]byte, error) {
	if rec.Key() == "" {
		return nil, [sha256.Size]byte{}, fmt.Errorf("record has no key (kind %q)", rec.Kind)
	}
	data, err := recordCodec.Marshal(rec)
	if err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, sha256.Sum256(data), nil
}

func decodeRecord(key string, data, checksum []byte) (core.Record, error) {
	computed := sha256.Sum256(data)
	if string(computed[:]) != string(checksum) {
		return core.Record{}, fmt.Errorf("checksum verification failed for %s: data corruption detected", key)
	}
	var rec core.Record
	if err := recordCodec.Unmarshal(data, &rec); err != nil {
		return core.Record{}, fmt.Errorf("failed to unmarshal record %s: %w", key, err)
	}
	return rec, nil
}

func legIndexOf(rec core.Record) int {
	if rec.Leg != nil {
		return rec.Leg.LegIndex
	}
	return -1
}
