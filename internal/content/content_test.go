package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToText(t *testing.T) {
	text, err := ToText("<html><body><p>Hello <b>world</b></p></body></html>")
	require.NoError(t, err)
	assert.Contains(t, text, "Hello")
	assert.Contains(t, text, "world")
	assert.NotContains(t, text, "<p>")
}

func TestLooksLikeHTML(t *testing.T) {
	assert.True(t, LooksLikeHTML("<html><body>hi</body></html>"))
	assert.True(t, LooksLikeHTML("before <div class=\"x\">content</div>"))
	assert.True(t, LooksLikeHTML("line one<br/>line two"))
	assert.False(t, LooksLikeHTML("plain text with a < b comparison"))
	assert.False(t, LooksLikeHTML("2 > 1 and nothing else"))
}

func TestTextExtractorRegistered(t *testing.T) {
	e := ExtractorFor("text/plain", "notes.txt")
	require.NotNil(t, e)

	out, err := e.Extract([]byte("raw text"))
	require.NoError(t, err)
	assert.Equal(t, "raw text", out)

	assert.Nil(t, ExtractorFor("application/octet-stream", "blob.bin"))
}
