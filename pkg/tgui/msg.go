package tgui

import (
	"strings"

	"postwatch/internal/transport"
)

// Message is rendered text plus its send options.
type Message struct {
	Text string
	Opt  *transport.SendOptions
}

// Builder assembles an HTML message line by line.
// Defaults: ParseMode=HTML, DisablePreview=true.
type Builder struct {
	disablePreview bool
	lines          []string
}

func New() *Builder { return &Builder{disablePreview: true} }

// Preview enables link previews.
func (b *Builder) Preview() *Builder {
	b.disablePreview = false
	return b
}

// Title adds a bold title line, prefixed by an optional emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if e := strings.TrimSpace(emoji); e != "" {
		return b.Line(Esc(e), B(t))
	}
	return b.Line(B(t))
}

// Line adds one line made of parts joined by spaces.
func (b *Builder) Line(parts ...H) *Builder {
	b.lines = append(b.lines, JoinH(" ", parts...).String())
	return b
}

// Text adds escaped plain text, which may span several lines.
func (b *Builder) Text(s string) *Builder {
	b.lines = append(b.lines, Esc(s).String())
	return b
}

// KV adds a "key: value" line with a bold key.
func (b *Builder) KV(k, v string) *Builder {
	return b.Line(B(k+":"), Esc(v))
}

// Blank adds an empty line.
func (b *Builder) Blank() *Builder {
	b.lines = append(b.lines, "")
	return b
}

func (b *Builder) Build() Message {
	return Message{
		Text: strings.TrimRight(strings.Join(b.lines, "\n"), "\n"),
		Opt:  &transport.SendOptions{ParseMode: "HTML", DisablePreview: b.disablePreview},
	}
}
