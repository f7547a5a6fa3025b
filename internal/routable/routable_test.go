package routable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutableParams(t *testing.T) {
	r := New(MT, map[string]any{
		ParamSourceAddr:      "AEGIS",
		ParamDestinationAddr: "2348030000000",
		ParamShortMessage:    []byte("hello"),
	})

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "AEGIS", r.SourceAddr())
	assert.Equal(t, "2348030000000", r.DestinationAddr())
	assert.Equal(t, "hello", r.Content())
	assert.Equal(t, "", r.StringParam("missing"))

	require.NoError(t, r.SetParam(ParamShortMessage, "changed"))
	assert.Equal(t, "changed", r.Content())
}

func TestRoutableFreeze(t *testing.T) {
	r := New(MT, nil)
	require.NoError(t, r.AddTag("promo"))
	r.Freeze()

	assert.True(t, r.Frozen())
	assert.ErrorIs(t, r.SetParam(ParamShortMessage, "x"), ErrFrozen)
	assert.ErrorIs(t, r.ReplaceParams(map[string]any{}), ErrFrozen)
	assert.ErrorIs(t, r.AddTag("other"), ErrFrozen)
	assert.ErrorIs(t, r.SetConnector("smsc-1"), ErrFrozen)
	assert.True(t, r.HasTag("promo"))
}

func TestRoutableCloneIsIndependent(t *testing.T) {
	r := New(MT, map[string]any{ParamShortMessage: "original"})
	r.User = &User{ID: "1", Username: "u1", GroupID: "g1"}
	require.NoError(t, r.AddTag("a"))
	r.Freeze()

	c := r.Clone()
	require.False(t, c.Frozen())
	require.NoError(t, c.SetParam(ParamShortMessage, "mutated"))
	require.NoError(t, c.AddTag("b"))
	c.User.Username = "other"

	assert.Equal(t, "original", r.Content())
	assert.Equal(t, []string{"a"}, r.Tags)
	assert.Equal(t, "u1", r.Username())
	assert.Equal(t, "g1", c.GroupID())
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("MO")
	require.NoError(t, err)
	assert.Equal(t, MO, d)

	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}

func TestIntParam(t *testing.T) {
	r := New(MT, map[string]any{
		ParamDataCoding:   float64(8),
		ParamEsmClass:     int32(64),
		ParamPriorityFlag: "2",
		"bogus":           []int{1},
	})
	for name, want := range map[string]int{ParamDataCoding: 8, ParamEsmClass: 64, ParamPriorityFlag: 2} {
		got, ok := r.IntParam(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := r.IntParam("bogus")
	assert.False(t, ok)
	_, ok = r.IntParam("missing")
	assert.False(t, ok)
}
