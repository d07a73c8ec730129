package hexutil

import (
	"errors"
	"math/big"
	"strings"

	"beaconchain-indexer/types"

	"github.com/prysmaticlabs/go-bitfield"
)

var (
	errEmptyBitfield   = errors.New("empty bitfield")
	errInvalidHexDigit = errors.New("invalid hex digit")
	errMissingLenBit   = errors.New("bitlist is missing its length bit")
)

// MissedAttestations returns the number of zero bits of the aggregation bitfield
// when it is read as a big unsigned integer and written out in binary.
//
// The binary form is not padded, so leading zero bits of the most significant
// hex digit are not counted. "0x0f" counts 0 missed attestations, not 4.
// The value zero is written as "0" and counts 1.
func MissedAttestations(aggregationBits string) (uint64, error) {
	trimmed := strings.TrimPrefix(aggregationBits, "0x")
	if len(trimmed) == 0 {
		return 0, &types.DecodeError{Input: aggregationBits, Err: errEmptyBitfield}
	}
	// big.Int.SetString also accepts signs and underscores, neither is a valid bitfield
	for _, c := range trimmed {
		if !isHexDigit(c) {
			return 0, &types.DecodeError{Input: aggregationBits, Err: errInvalidHexDigit}
		}
	}

	value, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return 0, &types.DecodeError{Input: aggregationBits, Err: errInvalidHexDigit}
	}

	return uint64(strings.Count(value.Text(2), "0")), nil
}

// MissedAttestationsFixedWidth decodes the aggregation bitfield as an ssz bitlist
// and returns the number of unset bits among the first committeeSize positions.
// Positions beyond the encoded bitlist length count as missed.
// If committeeSize is 0 the length encoded in the bitlist is used.
func MissedAttestationsFixedWidth(aggregationBits string, committeeSize int) (uint64, error) {
	raw, err := Decode(aggregationBits)
	if err != nil {
		return 0, &types.DecodeError{Input: aggregationBits, Err: err}
	}
	if len(raw) == 0 {
		return 0, &types.DecodeError{Input: aggregationBits, Err: errEmptyBitfield}
	}
	if raw[len(raw)-1] == 0 {
		return 0, &types.DecodeError{Input: aggregationBits, Err: errMissingLenBit}
	}

	bl := bitfield.Bitlist(raw)
	width := bl.Len()
	if committeeSize > 0 {
		width = uint64(committeeSize)
	}

	missed := uint64(0)
	for i := uint64(0); i < width; i++ {
		if i >= bl.Len() || !bl.BitAt(i) {
			missed++
		}
	}
	return missed, nil
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
