package markup

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	boldRe      = regexp.MustCompile(`\*\*(.*?)\*\*`)
	headingRes  = headingPatterns()
)

// headingPatterns returns whole-line heading matchers, deepest level first.
// The body follows the hashes either directly, starting with a character
// other than '#', or after blanks. Lines of bare hashes stay literal.
func headingPatterns() []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, 6)
	for level := 6; level >= 1; level-- {
		res = append(res, regexp.MustCompile(fmt.Sprintf(`(?m)^#{%d}(?:([^#\s].*?)|[ \t]+(\S.*?))[ \t]*$`, level)))
	}
	return res
}

// ToHTML escapes text for Telegram HTML and rewrites **bold** spans and
// heading lines as <b> spans. Everything else is passed through.
func ToHTML(text string) string {
	out := htmlEscaper.Replace(text)
	out = boldRe.ReplaceAllString(out, "<b>$1</b>")
	for _, re := range headingRes {
		out = re.ReplaceAllString(out, "<b>${1}${2}</b>")
	}
	return out
}

// Escape escapes the characters Telegram HTML treats as markup.
func Escape(text string) string {
	return htmlEscaper.Replace(text)
}
