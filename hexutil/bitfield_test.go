package hexutil

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"beaconchain-indexer/types"

	"github.com/stretchr/testify/require"
)

func TestMissedAttestations(t *testing.T) {
	tests := []struct {
		name string
		bits string
		want uint64
	}{
		{name: "all ones", bits: "0xff", want: 0},
		{name: "all ones without prefix", bits: "ffff", want: 0},
		{name: "single high bit", bits: "0x80", want: 7},
		{name: "leading zero bits are dropped", bits: "0x0f", want: 0},
		{name: "leading zero digits are dropped", bits: "0x000001", want: 0},
		{name: "zero value", bits: "0x00", want: 1},
		{name: "mixed", bits: "0xa5", want: 4},
		{name: "upper case", bits: "0xA5", want: 4},
		{name: "odd length", bits: "0x1", want: 0},
		{name: "wide committee", bits: "0x" + strings.Repeat("f", 31) + "e", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MissedAttestations(tt.bits)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("MissedAttestations(%q) = %d, want %d", tt.bits, got, tt.want)
			}
		})
	}
}

func TestMissedAttestationsCraftedBitfields(t *testing.T) {
	for _, committeeSize := range []int{1, 8, 64, 127, 512} {
		for k := 0; k < committeeSize; k++ {
			// the most significant bit is set so the binary form keeps its full width
			binary := "1" + strings.Repeat("0", k) + strings.Repeat("1", committeeSize-1-k)
			value, ok := new(big.Int).SetString(binary, 2)
			require.True(t, ok)

			got, err := MissedAttestations("0x" + value.Text(16))
			require.NoError(t, err)
			require.Equal(t, uint64(k), got, "committee size %d", committeeSize)
		}
	}
}

func TestMissedAttestationsInvalid(t *testing.T) {
	for _, bits := range []string{"", "0x", "0xzz", "0x12g4", "-1", "+ff", "0x1_0", "0x0xff"} {
		_, err := MissedAttestations(bits)
		var decodeErr *types.DecodeError
		if !errors.As(err, &decodeErr) {
			t.Errorf("MissedAttestations(%q) error = %v, want DecodeError", bits, err)
		}
	}
}

func TestMissedAttestationsFixedWidth(t *testing.T) {
	tests := []struct {
		name          string
		bits          string
		committeeSize int
		want          uint64
	}{
		{name: "full participation", bits: "0xff01", committeeSize: 8, want: 0},
		{name: "no participation", bits: "0x0001", committeeSize: 8, want: 8},
		{name: "length from bitlist", bits: "0x05", committeeSize: 0, want: 1},
		{name: "leading zero bits are counted", bits: "0x0f10", committeeSize: 12, want: 8},
		{name: "committee larger than bitlist", bits: "0x0f", committeeSize: 5, want: 2},
		{name: "committee smaller than bitlist", bits: "0xf001", committeeSize: 4, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MissedAttestationsFixedWidth(tt.bits, tt.committeeSize)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMissedAttestationsFixedWidthInvalid(t *testing.T) {
	for _, bits := range []string{"0x", "0x00", "0xzz01"} {
		_, err := MissedAttestationsFixedWidth(bits, 8)
		var decodeErr *types.DecodeError
		require.ErrorAs(t, err, &decodeErr, bits)
	}
}
