package codes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevices(t *testing.T) {
	code, err := Parse(`now => @com.twitter.post param:status = QUOTED_STRING_0`)
	require.NoError(t, err)

	assert.Equal(t, []string{"com.twitter"}, code.Devices())
	assert.Equal(t, [][2]string{{"com.twitter", "post"}}, code.Functions())
}

func TestParseDeviceRef(t *testing.T) {
	code, err := Parse(`now => @com.twitter.post of device:com.twitter and @org.thingpedia.builtin.say.say`)
	require.NoError(t, err)

	assert.Equal(t, []string{"com.twitter", "org.thingpedia.builtin.say"}, code.Devices())
}

func TestParseSpans(t *testing.T) {
	code, err := Parse(`now => @com.twitter.post param:status = " hello world " and param:x = " bye "`)
	require.NoError(t, err)

	spans := code.Spans()
	require.Len(t, spans, 2)
	assert.Equal(t, []string{"hello", "world"}, spans[0].Words)
	assert.Equal(t, 5, spans[0].Begin)
	assert.Equal(t, []string{"bye"}, spans[1].Words)
	// "now => @fn param:status = \" hello world \" and param:x = \" bye \""
	assert.Equal(t, 12, spans[1].Begin)
}

func TestParseEmpty(t *testing.T) {
	code, err := Parse("")
	require.NoError(t, err)
	assert.Empty(t, code.Devices())
	assert.Empty(t, code.Spans())
}

func TestMentionsAny(t *testing.T) {
	code, err := Parse(`now => @com.twitter.post`)
	require.NoError(t, err)

	assert.True(t, code.MentionsAny(map[string]struct{}{"com.twitter": {}}))
	assert.False(t, code.MentionsAny(map[string]struct{}{"com.facebook": {}}))
}
