package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeBitfield(t *testing.T) {
	assert.NoError(t, decodeBitfield("0x0101", 8))
	assert.NoError(t, decodeBitfield("0xff01", 0))
	assert.Error(t, decodeBitfield("0xzz", 0))
	// a bitlist without length bit is rejected
	assert.Error(t, decodeBitfield("0xff00", 8))
}
