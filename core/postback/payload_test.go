package postback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeStructured(t *testing.T) {
	p := New("location", "ho_chi_minh", "a|b")
	raw := p.Encode()
	assert.Equal(t, "LOCATION|ho_chi_minh|a%7Cb", raw)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "LOCATION", got.Action)
	assert.Equal(t, []string{"ho_chi_minh", "a|b"}, got.Params)
}

func TestDecodeBareAction(t *testing.T) {
	got, err := Decode(" menu ")
	require.NoError(t, err)
	assert.True(t, got.Is("MENU"))
	assert.Empty(t, got.Params)
}

func TestDecodeLegacyForm(t *testing.T) {
	got, err := Decode("CATEGORY_electronics_phones")
	require.NoError(t, err)
	assert.Equal(t, "CATEGORY", got.Action)
	assert.Equal(t, []string{"electronics", "phones"}, got.Params)
	assert.Equal(t, "phones", got.Param(1))
	assert.Equal(t, "", got.Param(5))
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode("   ")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Decode("|x")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Decode("STEP|%zz")
	assert.Error(t, err)
}

func TestIntParam(t *testing.T) {
	p, err := Decode("STEP|2")
	require.NoError(t, err)
	n, err := p.IntParam(0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
