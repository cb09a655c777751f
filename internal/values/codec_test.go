package values

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripPreservesType(t *testing.T) {
	cases := []struct {
		name string
		in   any
		tag  byte
	}{
		{"number", 42.5, TagNumber},
		{"integer", float64(7), TagNumber},
		{"bool", true, TagBool},
		{"false", false, TagBool},
		{"string", "hello", TagString},
		{"string that looks like a number", "n12", TagString},
		{"object", map[string]any{"a": 1.0, "b": []any{"x", true}}, TagJSON},
		{"array", []any{1.0, "two"}, TagJSON},
		{"null", nil, TagJSON},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			enc, err := Encode(c.in)
			require.NoError(t, err)
			assert.Equal(t, c.tag, enc[0])
			out, err := Decode(enc)
			require.NoError(t, err)
			assert.Equal(t, c.in, out)
		})
	}
}

func TestDecodeUnknownTagIsRawString(t *testing.T) {
	v, err := Decode("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode("")
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = Decode("nabc")
	assert.Error(t, err)
	_, err = Decode("o{")
	assert.Error(t, err)
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "3", FormatNumber(3))
	assert.Equal(t, "-0.5", FormatNumber(-0.5))
	assert.Equal(t, "1e+21", FormatNumber(1e21))
}
