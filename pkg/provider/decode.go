package provider

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// decodeHex decodes a hex string of bytes.
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return out, nil
}

// decodeDecimalRows decodes rows of decimal strings, one byte per row.
func decodeDecimalRows(rows []string) ([]byte, error) {
	out := make([]byte, 0, len(rows))
	for i, row := range rows {
		v, err := strconv.ParseUint(strings.TrimSpace(row), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("decode row %d: %w", i, err)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

// decodeIntArray decodes integers that must each fit in one byte.
func decodeIntArray(values []int) ([]byte, error) {
	out := make([]byte, 0, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("decode value %d: %d out of byte range", i, v)
		}
		out = append(out, byte(v))
	}
	return out, nil
}
