package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for fingerprints. The version suffix allows algorithm migration.
const (
	DomainInput  = "durable/input/v1"
	DomainEvent  = "durable/event/v1"
	DomainOutput = "durable/output/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// fingerprint canonicalizes v and hashes it under domain.
func fingerprint(domain string, v any) (string, error) {
	val, err := FromGo(v)
	if err != nil {
		return "", err
	}
	canonical, err := MarshalCanonical(val)
	if err != nil {
		return "", err
	}
	return hashWithDomain(domain, canonical), nil
}

// Fingerprint computes the inputFingerprint of a step or invoke call.
// Equal JSON values always fingerprint equally regardless of key order,
// whitespace, or numeric spelling.
func Fingerprint(inputs any) (string, error) {
	fp, err := fingerprint(DomainInput, inputs)
	if err != nil {
		return "", fmt.Errorf("fingerprint inputs: %w", err)
	}
	return fp, nil
}

// EventFingerprint computes the fingerprint stored on an ExecutionRecord for
// the event that started it.
func EventFingerprint(event any) (string, error) {
	fp, err := fingerprint(DomainEvent, event)
	if err != nil {
		return "", fmt.Errorf("fingerprint event: %w", err)
	}
	return fp, nil
}

// OutputDigest hashes a stored output. Used to compare histories without
// depending on the byte layout a store chose for the JSON column.
func OutputDigest(output []byte) (string, error) {
	if len(output) == 0 {
		return hashWithDomain(DomainOutput, []byte("null")), nil
	}
	val, err := FromJSON(output)
	if err != nil {
		return "", fmt.Errorf("digest output: %w", err)
	}
	canonical, err := MarshalCanonical(val)
	if err != nil {
		return "", fmt.Errorf("digest output: %w", err)
	}
	return hashWithDomain(DomainOutput, canonical), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFingerprint(inputs any) string {
	fp, err := Fingerprint(inputs)
	if err != nil {
		panic(err)
	}
	return fp
}
