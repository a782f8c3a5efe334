package markup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToHTML(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain passthrough", "just words, nothing else", "just words, nothing else"},
		{"bold", "a **b** c", "a <b>b</b> c"},
		{"two bold spans", "**x** and **y**", "<b>x</b> and <b>y</b>"},
		{"unpaired marker", "a **b c", "a **b c"},
		{"odd markers", "**a** **b", "<b>a</b> **b"},
		{"nested markers", "****", "<b></b>"},
		{"bold does not cross lines", "**a\nb**", "**a\nb**"},
		{"h3 heading", "### Title", "<b>Title</b>"},
		{"h1 heading", "# Top", "<b>Top</b>"},
		{"h6 heading trailing space", "###### Deep  ", "<b>Deep</b>"},
		{"heading without space", "##Tight", "<b>Tight</b>"},
		{"heading mid-line untouched", "a ### Title", "a ### Title"},
		{"heading among lines", "intro\n## Part\nbody", "intro\n<b>Part</b>\nbody"},
		{"seven hashes stay literal", "####### x", "####### x"},
		{"bare hashes stay literal", "###", "###"},
		{"bare hashes with trailing blanks", "##  ", "##  "},
		{"body starting with hash", "### #1 priority", "<b>#1 priority</b>"},
		{"escapes html", "1 < 2 & 3 > 2", "1 &lt; 2 &amp; 3 &gt; 2"},
		{"existing tags are literal", "<b>x</b>", "&lt;b&gt;x&lt;/b&gt;"},
		{"bold with escaped content", "**<i>**", "<b>&lt;i&gt;</b>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ToHTML(tc.in))
		})
	}
}

func TestToHTML_PassthroughIsIdempotent(t *testing.T) {
	in := "no markdown here: just text, numbers 1-2-3 and *single* stars"
	once := ToHTML(in)
	require.Equal(t, in, once)
	require.Equal(t, once, ToHTML(once))
}

func TestToHTML_LongUnpairedInputTerminates(t *testing.T) {
	in := ""
	for i := 0; i < 2000; i++ {
		in += "** a "
	}
	out := ToHTML(in)
	require.NotEmpty(t, out)
}
