package identity_test

import (
	"testing"

	"github.com/kgretry/ddcadapt/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapSourceReturnsConfiguredByte(t *testing.T) {
	var src = identity.MapSource{2: 0xA7, 3: 0x01}

	var b, err = src.EdidCheckByte(2)
	require.NoError(t, err)
	assert.Equal(t, byte(0xA7), b)
}

func TestMapSourceErrorsOnUnknownBus(t *testing.T) {
	var src = identity.MapSource{2: 0xA7}

	var _, err = src.EdidCheckByte(99)
	assert.Error(t, err)
}
