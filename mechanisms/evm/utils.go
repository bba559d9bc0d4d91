package evm

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseUint256 parses an unsigned decimal string that fits in a uint256.
func ParseUint256(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("empty value")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("not an unsigned decimal: %q", s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("out of uint256 range: %q", s)
	}
	return v, nil
}

// HexToBytes decodes a hex string with or without the 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}

// ParseNonce decodes a 0x-prefixed 32 byte authorization nonce.
func ParseNonce(s string) ([32]byte, error) {
	var nonce [32]byte
	b, err := HexToBytes(s)
	if err != nil {
		return nonce, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(b) != len(nonce) {
		return nonce, fmt.Errorf("invalid nonce: want 32 bytes, got %d", len(b))
	}
	copy(nonce[:], b)
	return nonce, nil
}

// SameAddress compares two hex addresses ignoring checksum case.
func SameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// ParseAmount converts a human amount such as "0.01" to atomic units.
// Amounts finer than the asset's decimals are rejected rather than rounded.
func ParseAmount(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", amount)
	}
	atomic := d.Shift(decimals)
	if !atomic.Equal(atomic.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", amount, decimals)
	}
	return atomic.BigInt(), nil
}

// FormatAmount renders atomic units as a human amount, e.g. "10000" with six
// decimals becomes "0.01".
func FormatAmount(atomic string, decimals int32) (string, error) {
	v, err := ParseUint256(atomic)
	if err != nil {
		return "", err
	}
	return decimal.NewFromBigInt(v, -decimals).String(), nil
}
