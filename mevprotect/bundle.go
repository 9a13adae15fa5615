package mevprotect

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// DecodeTransaction checks that a caller-supplied transaction is non-empty
// base64 and fits a serialized packet, and returns the raw bytes.
func DecodeTransaction(encodedTx string) ([]byte, error) {
	if encodedTx == "" {
		return nil, fmt.Errorf("%w: empty transaction", ErrInvalidTransaction)
	}
	raw, err := base64.StdEncoding.DecodeString(encodedTx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransaction, err.Error())
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty transaction", ErrInvalidTransaction)
	}
	if len(raw) > MaxTransactionBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds packet limit", ErrInvalidTransaction, len(raw))
	}
	return raw, nil
}

// AssembleBundle validates the caller transactions and appends the tip
// transfer as the final entry, preserving caller order. The tip must come
// last so that it only pays out when everything before it landed.
func AssembleBundle(txs []string, tipTx string) ([]string, error) {
	if len(txs) == 0 {
		return nil, ErrBundleSize
	}
	bundle := make([]string, 0, len(txs)+1)
	for _, tx := range txs {
		if _, err := DecodeTransaction(tx); err != nil {
			return nil, err
		}
		bundle = append(bundle, tx)
	}
	if tipTx != "" {
		if _, err := DecodeTransaction(tipTx); err != nil {
			return nil, fmt.Errorf("tip transfer: %w", err)
		}
		bundle = append(bundle, tipTx)
	}
	return bundle, nil
}

// ComputeBundleID derives a stable identifier from the decoded transaction
// payloads in bundle order.
func ComputeBundleID(txs []string) (string, error) {
	h := sha256.New()
	for _, tx := range txs {
		raw, err := DecodeTransaction(tx)
		if err != nil {
			return "", err
		}
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
