package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopePattern(t *testing.T) {
	scope := NewScopePattern([]string{"com.twitter", "com.bing"})

	assert.True(t, scope.Matches("now => @com.twitter.post param:status = QUOTED_STRING_0"))
	assert.True(t, scope.Matches("now => @com.bing.search => notify"))
	assert.True(t, scope.Matches("now => @com.bing.search => @com.facebook.post"))
	assert.True(t, scope.Matches("bookkeeping filter device:com.twitter"))

	assert.False(t, scope.Matches("now => @com.facebook.post"))
	// device name must match exactly, not as a prefix
	assert.False(t, scope.Matches("now => @com.twitterclone.post"))
	assert.False(t, scope.Matches("bookkeeping filter device:com.twitterclone"))
}

func TestScopePatternEmpty(t *testing.T) {
	assert.Nil(t, NewScopePattern(nil))
	assert.Nil(t, NewScopePattern([]string{}))
}
