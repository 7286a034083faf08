// Package bridge is the shared channel-adapter framework: single-writer
// locking, credential hot-reload, the inbound pipeline, typing keepalive,
// command dispatch, outbound formatting and chunking, and the pub/sub RPC
// surface. Concrete adapters (telegram, discord, whatsapp, signal) plug
// into the Coordinator.
package bridge

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

var (
	boldRe    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe  = regexp.MustCompile(`(^|[^*\w])\*([^*\n]+)\*`)
	codeRe    = regexp.MustCompile("`([^`\n]+)`")
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// FormatHTML renders markdown as the HTML subset Telegram accepts.
// Fenced code blocks become <pre>; inline markup maps to <b>/<i>/<code>.
func FormatHTML(md string) string {
	var out strings.Builder
	for _, seg := range splitFences(md) {
		if seg.fence {
			out.WriteString("<pre>")
			out.WriteString(html.EscapeString(seg.text))
			out.WriteString("</pre>")
			continue
		}
		t := html.EscapeString(seg.text)
		t = headingRe.ReplaceAllString(t, "<b>$1</b>")
		t = boldRe.ReplaceAllString(t, "<b>$1</b>")
		t = italicRe.ReplaceAllString(t, "$1<i>$2</i>")
		t = codeRe.ReplaceAllString(t, "<code>$1</code>")
		t = linkRe.ReplaceAllString(t, `<a href="$2">$1</a>`)
		out.WriteString(t)
	}
	return out.String()
}

// FormatAsterisk renders markdown for asterisk-markup channels (WhatsApp,
// Signal): *bold*, _italic_, fenced blocks kept verbatim, links unwrapped
// to "text (url)".
func FormatAsterisk(md string) string {
	var out strings.Builder
	for _, seg := range splitFences(md) {
		if seg.fence {
			out.WriteString("```")
			out.WriteString(seg.text)
			out.WriteString("```")
			continue
		}
		t := seg.text
		t = headingRe.ReplaceAllString(t, "*$1*")
		t = boldRe.ReplaceAllString(t, "*$1*")
		t = linkRe.ReplaceAllString(t, "$1 ($2)")
		out.WriteString(t)
	}
	return out.String()
}

type fenceSegment struct {
	text  string
	fence bool // true when text is the body of a ``` block
}

// splitFences separates markdown into plain segments and fenced code
// block bodies (language tag dropped).
func splitFences(md string) []fenceSegment {
	var segs []fenceSegment
	rest := md
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start+3:], "```")
		if end < 0 {
			break
		}
		if start > 0 {
			segs = append(segs, fenceSegment{text: rest[:start]})
		}
		body := rest[start+3 : start+3+end]
		// Drop a leading language tag line.
		if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], " \t") {
			body = body[nl+1:]
		}
		segs = append(segs, fenceSegment{text: body, fence: true})
		rest = rest[start+3+end+3:]
	}
	if rest != "" {
		segs = append(segs, fenceSegment{text: rest})
	}
	return segs
}

// Chunk splits a formatted message into pieces no wider than limit,
// preferring paragraph, then line, then word boundaries, hard-cutting as
// a last resort. Fenced code blocks are never split mid-fence: oversized
// blocks are re-fenced across chunks.
func Chunk(text string, limit int) []string {
	if limit <= 0 || width(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var current string

	flush := func() {
		if strings.TrimSpace(current) != "" {
			chunks = append(chunks, strings.TrimRight(current, "\n"))
		}
		current = ""
	}
	add := func(piece, sep string) {
		candidate := piece
		if current != "" {
			candidate = current + sep + piece
		}
		if width(candidate) <= limit {
			current = candidate
			return
		}
		flush()
		current = piece
	}

	for _, seg := range splitParagraphs(text) {
		if isFenced(seg) {
			if width(seg) <= limit {
				add(seg, "\n\n")
				continue
			}
			flush()
			chunks = append(chunks, refence(seg, limit)...)
			continue
		}
		if width(seg) <= limit {
			add(seg, "\n\n")
			continue
		}
		for _, line := range strings.Split(seg, "\n") {
			if width(line) <= limit {
				add(line, "\n")
				continue
			}
			for _, word := range strings.Fields(line) {
				if width(word) <= limit {
					add(word, " ")
					continue
				}
				// Pathological token: hard cut.
				flush()
				for word != "" {
					cut := runewidth.Truncate(word, limit, "")
					if cut == "" {
						cut = word
					}
					chunks = append(chunks, cut)
					word = strings.TrimPrefix(word, cut)
				}
			}
		}
	}
	flush()
	return chunks
}

func width(s string) int { return runewidth.StringWidth(s) }

// splitParagraphs divides text into paragraphs, keeping each fenced block
// as one indivisible paragraph regardless of blank lines inside it.
func splitParagraphs(text string) []string {
	var out []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start+3:], "```")
		if end < 0 {
			break
		}
		before := rest[:start]
		block := rest[start : start+3+end+3]
		out = append(out, plainParagraphs(before)...)
		out = append(out, block)
		rest = rest[start+3+end+3:]
	}
	out = append(out, plainParagraphs(rest)...)
	return out
}

func plainParagraphs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "\n\n") {
		p = strings.Trim(p, "\n")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isFenced(s string) bool {
	return strings.HasPrefix(s, "```") && strings.HasSuffix(s, "```")
}

// refence splits an oversized fenced block at line boundaries, closing
// and reopening the fence so every chunk still renders as a code block.
func refence(block string, limit int) []string {
	body := strings.TrimSuffix(strings.TrimPrefix(block, "```"), "```")
	body = strings.Trim(body, "\n")

	const fenceOverhead = 8 // opening ```\n plus \n``` closing
	budget := limit - fenceOverhead
	if budget < 1 {
		budget = 1
	}

	var chunks []string
	var lines []string
	used := 0
	flush := func() {
		if len(lines) == 0 {
			return
		}
		chunks = append(chunks, fmt.Sprintf("```\n%s\n```", strings.Join(lines, "\n")))
		lines = nil
		used = 0
	}
	for _, line := range strings.Split(body, "\n") {
		w := width(line) + 1
		if used+w > budget && len(lines) > 0 {
			flush()
		}
		for width(line) > budget {
			cut := runewidth.Truncate(line, budget, "")
			if cut == "" {
				break
			}
			lines = append(lines, cut)
			flush()
			line = strings.TrimPrefix(line, cut)
		}
		lines = append(lines, line)
		used += w
	}
	flush()
	return chunks
}
