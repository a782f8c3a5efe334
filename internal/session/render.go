package session

import (
	"html"
	"strings"

	cmdpkg "github.com/stupiduntilnot/relay/internal/commander"
	"github.com/stupiduntilnot/relay/internal/markup"
	"github.com/stupiduntilnot/relay/internal/stream"
)

// ToggleWebSearchData is the callback data of the web search button.
const ToggleWebSearchData = "toggle_web_search"

// ToggleKeyboard renders the web search button for the given state.
func ToggleKeyboard(enabled bool) *cmdpkg.Keyboard {
	label := "🔴 Web Search"
	if enabled {
		label = "🟢 Web Search"
	}
	return &cmdpkg.Keyboard{Rows: [][]cmdpkg.Button{{{Text: label, Data: ToggleWebSearchData}}}}
}

const (
	sourcesHeader = "<b>Sources:</b>"
	linkSep       = "\n\n"
)

// RenderSources renders citations as an HTML block to append to an answer.
// An empty list renders as "".
func RenderSources(citations []stream.Citation) string {
	links := sourceLinks(citations)
	if len(links) == 0 {
		return ""
	}
	return "\n\n" + sourcesHeader + "\n" + strings.Join(links, linkSep)
}

// sourceLinks renders one anchor per citation. Citations are deduplicated
// by URL, keeping the first occurrence; entries without a URL are skipped.
func sourceLinks(citations []stream.Citation) []string {
	seen := map[string]bool{}
	links := make([]string, 0, len(citations))
	for _, c := range citations {
		if c.URL == "" || seen[c.URL] {
			continue
		}
		seen[c.URL] = true
		title := c.Title
		if strings.TrimSpace(title) == "" {
			title = c.URL
		}
		links = append(links, "<a href=\""+html.EscapeString(c.URL)+"\">"+markup.Escape(title)+"</a>")
	}
	return links
}
