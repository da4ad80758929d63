// Package format converts standard Markdown to Telegram MarkdownV2.
//
// MarkdownV2 requires escaping a large set of punctuation outside code
// spans, and uses single markers for bold and italic. Agent output
// arrives as standard Markdown and must be rewritten before sending.
package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// escapeChars are the characters MarkdownV2 requires escaping outside
// code spans.
const escapeChars = "_*[]()~`>#+=|{}.!-"

var escaper = newEscaper()

func newEscaper() *strings.Replacer {
	pairs := make([]string, 0, len(escapeChars)*2)
	for _, c := range escapeChars {
		pairs = append(pairs, string(c), `\`+string(c))
	}
	return strings.NewReplacer(pairs...)
}

// Escape escapes all MarkdownV2 special characters in plain text.
func Escape(text string) string {
	return escaper.Replace(text)
}

var (
	codeBlockRe   = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe  = regexp.MustCompile("`[^`]+`")
	boldStarRe    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderRe   = regexp.MustCompile(`__(.+?)__`)
	italicStarRe  = regexp.MustCompile(`(^|[^\w*])\*([^*\n]+?)\*($|[^\w*])`)
	italicUnderRe = regexp.MustCompile(`(^|[^\w_])_([^_\n]+?)_($|[^\w_])`)
	linkRe        = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	placeholderRe = regexp.MustCompile("\x00P([0-9]+)\x00")
)

type converter struct {
	protected []string
}

// protect stashes a finished span and returns a placeholder that no
// later rewrite pass will touch.
func (c *converter) protect(s string) string {
	c.protected = append(c.protected, s)
	return fmt.Sprintf("\x00P%d\x00", len(c.protected)-1)
}

// Convert rewrites standard Markdown into Telegram MarkdownV2.
// Code blocks and inline code pass through untouched, bold and italic
// markers are translated, link URLs get their own escaping rules, and
// everything else is escaped as plain text.
func Convert(text string) string {
	if text == "" {
		return text
	}
	c := &converter{}

	result := codeBlockRe.ReplaceAllStringFunc(text, c.protect)
	result = inlineCodeRe.ReplaceAllStringFunc(result, c.protect)

	convertBold := func(re *regexp.Regexp, s string) string {
		return re.ReplaceAllStringFunc(s, func(m string) string {
			content := re.FindStringSubmatch(m)[1]
			return c.protect("*" + Escape(content) + "*")
		})
	}
	result = convertBold(boldStarRe, result)
	result = convertBold(boldUnderRe, result)

	convertItalic := func(re *regexp.Regexp, s string) string {
		return re.ReplaceAllStringFunc(s, func(m string) string {
			sub := re.FindStringSubmatch(m)
			return sub[1] + c.protect("_"+Escape(sub[2])+"_") + sub[3]
		})
	}
	result = convertItalic(italicStarRe, result)
	result = convertItalic(italicUnderRe, result)

	result = linkRe.ReplaceAllStringFunc(result, func(m string) string {
		sub := linkRe.FindStringSubmatch(m)
		url := strings.NewReplacer(`\`, `\\`, `)`, `\)`).Replace(sub[2])
		return c.protect("[" + Escape(sub[1]) + "](" + url + ")")
	})

	result = escapeAroundPlaceholders(result)

	// Protected spans may contain placeholders for spans protected
	// earlier, so expand until none remain. References only point
	// backwards, which guarantees termination.
	for placeholderRe.MatchString(result) {
		result = placeholderRe.ReplaceAllStringFunc(result, func(m string) string {
			idx, _ := strconv.Atoi(placeholderRe.FindStringSubmatch(m)[1])
			return c.protected[idx]
		})
	}
	return result
}

// escapeAroundPlaceholders escapes every plain-text segment between
// placeholders, leaving the placeholders themselves intact.
func escapeAroundPlaceholders(s string) string {
	var b strings.Builder
	last := 0
	for _, loc := range placeholderRe.FindAllStringIndex(s, -1) {
		b.WriteString(Escape(s[last:loc[0]]))
		b.WriteString(s[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(Escape(s[last:]))
	return b.String()
}
