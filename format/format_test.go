package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscape(t *testing.T) {
	assert.Equal(t, `hello\.world`, Escape("hello.world"))
	assert.Equal(t, `test\!`, Escape("test!"))
	assert.Equal(t, `a\-b`, Escape("a-b"))
	assert.Equal(t, `a\.b\!c`, Escape("a.b!c"))
	assert.Equal(t, "hello world", Escape("hello world"))
}

func TestConvertBold(t *testing.T) {
	assert.Contains(t, Convert("This is **bold** text"), "*bold*")
	assert.Contains(t, Convert("This is __bold__ text"), "*bold*")
}

func TestConvertItalic(t *testing.T) {
	assert.Contains(t, Convert("This is *italic* text"), "_italic_")
	assert.Contains(t, Convert("This is _italic_ text"), "_italic_")
}

func TestItalicNotInsideWords(t *testing.T) {
	got := Convert("snake_case_name stays")
	assert.NotContains(t, got, "_case_name")
	assert.Contains(t, got, `snake\_case\_name`)
}

func TestPreservesInlineCode(t *testing.T) {
	assert.Contains(t, Convert("Run `npm install` please"), "`npm install`")
}

func TestPreservesCodeBlocks(t *testing.T) {
	text := "```python\nprint('hello')\n```"
	assert.Contains(t, Convert(text), text)
}

func TestCodeBlockContentNotEscaped(t *testing.T) {
	text := "Before\n```\na.b - c!\n```\nafter."
	got := Convert(text)
	assert.Contains(t, got, "```\na.b - c!\n```")
	assert.Contains(t, got, `after\.`)
}

func TestConvertLinks(t *testing.T) {
	got := Convert("Check [this](https://example.com)")
	assert.Contains(t, got, "[this](https://example.com)")
}

func TestLinkURLEscaping(t *testing.T) {
	got := Convert("See [docs](https://example.com/a(1))")
	assert.Contains(t, got, `\)`)
}

func TestEscapesPlainTextChars(t *testing.T) {
	assert.Contains(t, Convert("File: test.py"), `\.`)
}

func TestMixedFormatting(t *testing.T) {
	got := Convert("This is **bold** and *italic* with `code`")
	assert.Contains(t, got, "*bold*")
	assert.Contains(t, got, "_italic_")
	assert.Contains(t, got, "`code`")
}

func TestBoldContainingSpecials(t *testing.T) {
	got := Convert("**done!**")
	assert.Contains(t, got, `*done\!*`)
}

func TestEmptyString(t *testing.T) {
	assert.Equal(t, "", Convert(""))
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "Hello world", Convert("Hello world"))
}
