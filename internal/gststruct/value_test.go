package gststruct

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"simple", "simple"},
		{"", `""`},
		{"NULL", `"NULL"`},
		{"a b", `"a\ b"`},
		{`say "hi"`, `"say\ \"hi\""`},
		{"tab\there", `"tab\011here"`},
		{"é", `"\303\251"`},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := SerializeString(&tt.in)
			assert.Equal(t, tt.want, got)

			back, err := DeserializeString(got)
			require.NoError(t, err)
			require.NotNil(t, back)
			assert.Equal(t, tt.in, *back)
		})
	}

	assert.Equal(t, "NULL", SerializeString(nil))
	back, err := DeserializeString("NULL")
	require.NoError(t, err)
	assert.Nil(t, back)
}

func TestUnwrapStringErrors(t *testing.T) {
	for _, in := range []string{`"a"b"`, `"\1x"`, `"a b"`} {
		t.Run(in, func(t *testing.T) {
			_, err := DeserializeString(in)
			assert.Error(t, err)
		})
	}
}

func TestDeserializeBoolean(t *testing.T) {
	for _, in := range []string{"true", "T", "yes", "1"} {
		v, err := DeserializeBoolean(in)
		require.NoError(t, err)
		assert.True(t, v, in)
	}
	for _, in := range []string{"false", "F", "NO", "0"} {
		v, err := DeserializeBoolean(in)
		require.NoError(t, err)
		assert.False(t, v, in)
	}
	_, err := DeserializeBoolean("maybe")
	assert.Error(t, err)
}

func TestFraction(t *testing.T) {
	f, err := ParseFraction("60/2")
	require.NoError(t, err)
	assert.Equal(t, Fraction{Num: 30, Den: 1}, f)
	assert.Equal(t, "30/1", f.String())
	assert.InDelta(t, 29.97, NewFraction(30000, 1001).Float(), 0.01)
	assert.True(t, NewFraction(0, 1).IsZero())

	_, err = ParseFraction("1/0")
	assert.Error(t, err)
}

func TestCanonicalType(t *testing.T) {
	assert.Equal(t, TypeInt, CanonicalType("i"))
	assert.Equal(t, TypeString, CanonicalType("gchararray"))
	assert.Equal(t, TypeCaps, CanonicalType("caps"))
	assert.Equal(t, "GstFoo", CanonicalType("GstFoo"))
	assert.True(t, IsKnownType("gboolean"))
	assert.False(t, IsKnownType("GstFoo"))
}

func TestSerializeFloat(t *testing.T) {
	s, err := SerializeValue("double", 1.0)
	require.NoError(t, err)
	assert.Equal(t, "1.0", s)
	s, err = SerializeValue("double", 0.25)
	require.NoError(t, err)
	assert.Equal(t, "0.25", s)
}
