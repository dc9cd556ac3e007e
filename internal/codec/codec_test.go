package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []interface{}{
		42.0,
		3.14,
		true,
		false,
		"hello world",
		nil,
		[]interface{}{1.0, "a", nil},
		map[string]interface{}{"a": 1.0, "b": "c"},
	}

	for _, v := range cases {
		enc, err := Encode(v)
		require.NoError(t, err)

		dec, err := Decode(enc)
		require.NoError(t, err)

		assert.Equal(t, v, dec)
	}
}

func TestEncodeString_IsQuoted(t *testing.T) {
	enc, err := Encode("V1")
	require.NoError(t, err)
	assert.Equal(t, `"V1"`, enc)
}

func TestEncodeBool(t *testing.T) {
	enc, err := Encode(true)
	require.NoError(t, err)
	assert.Equal(t, "true", enc)
}

func TestSplitMsgID(t *testing.T) {
	objID, seq, err := SplitMsgID("V1:42")
	require.NoError(t, err)
	assert.Equal(t, "V1", objID)
	assert.EqualValues(t, 42, seq)

	// obj_id may itself contain colons.
	objID, seq, err = SplitMsgID("fleet:east:V1:7")
	require.NoError(t, err)
	assert.Equal(t, "fleet:east:V1", objID)
	assert.EqualValues(t, 7, seq)

	_, _, err = SplitMsgID("no-colon")
	assert.Error(t, err)
}

func TestMsgID(t *testing.T) {
	assert.Equal(t, "V1:1", MsgID("V1", 1))
}
