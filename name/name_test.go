package name

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SplitsNumericSuffix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		base   string
		number int32
	}{
		{in: "Mesh", base: "Mesh", number: 0},
		{in: "Mesh_0", base: "Mesh", number: 1},
		{in: "Mesh_12", base: "Mesh", number: 13},
		{in: "Mesh_012", base: "Mesh_012", number: 0},
		{in: "Mesh_", base: "Mesh_", number: 0},
		{in: "_3", base: "_3", number: 0},
		{in: "A_B_7", base: "A_B", number: 8},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			n := New(tt.in)
			assert.Equal(t, tt.base, n.Base())
			assert.Equal(t, tt.number, n.Number())
			assert.Equal(t, tt.in, n.String())
		})
	}
}

func TestNone(t *testing.T) {
	t.Parallel()

	assert.True(t, None.IsNone())
	assert.Equal(t, "None", None.String())
	assert.True(t, New("").IsNone())
	assert.True(t, New("None").IsNone())
	assert.True(t, New("none").IsNone())
	assert.Equal(t, None, WithNumber("None", 3))
}

func TestEquality(t *testing.T) {
	t.Parallel()

	a := New("Texture_4")
	b := WithNumber("Texture", 5)
	require.Equal(t, a, b)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a, a.Plain())
	assert.Equal(t, New("Texture"), a.Plain())
	assert.Equal(t, "Texture_9", a.WithNumber(10).String())
}

func TestTextRoundTrip(t *testing.T) {
	t.Parallel()

	n := New("Level_2")
	text, err := n.MarshalText()
	require.NoError(t, err)

	var out Name
	require.NoError(t, out.UnmarshalText(text))
	assert.Equal(t, n, out)
}
