package turn

import (
	"regexp"
	"strings"
	"unicode"
)

type textRule struct {
	pattern *regexp.Regexp
	replace string
}

// Applied in order: control tags and code go first so their contents never
// reach the speech service.
var voiceRules = []textRule{
	{regexp.MustCompile(`(?s)<cocoro-[a-z-]+>.*?</cocoro-[a-z-]+>`), " "},
	{regexp.MustCompile("(?s)```.*?```"), " "},
	{regexp.MustCompile("`[^`]*`"), " "},
	{regexp.MustCompile(`\[(.*?)\]\((.*?)\)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), " "},
}

// Markdown and path characters read as a word break.
const voiceBreakChars = "*_\\/|#~<>"

// VoiceText turns a reply into plain speakable text for the speech consumer.
func VoiceText(reply string) string {
	text := strings.TrimSpace(reply)
	if text == "" {
		return ""
	}
	for _, rule := range voiceRules {
		text = rule.pattern.ReplaceAllString(text, rule.replace)
	}
	text = strings.Map(speechRune, text)
	return strings.Join(strings.Fields(text), " ")
}

// speechRune maps r to itself, to a space, or drops it (-1).
func speechRune(r rune) rune {
	switch {
	case r == '\u200d', r == '\ufe0f', r == '\u20e3':
		return -1
	case strings.ContainsRune(voiceBreakChars, r), unicode.IsSpace(r):
		return ' '
	case unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
		return -1
	case speakablePunct(r):
		return r
	case unicode.IsPunct(r):
		return ' '
	}
	return r
}

func speakablePunct(r rune) bool {
	return strings.ContainsRune(".,!?:;'\"-()。、！？「」", r)
}
