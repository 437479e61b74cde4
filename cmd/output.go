package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// printer writes command output, colored only when it goes to a terminal.
type printer struct {
	w       io.Writer
	enabled bool

	id      *color.Color
	added   *color.Color
	removed *color.Color
	header  *color.Color
}

func newPrinter(w io.Writer) *printer {
	enabled := false
	if f, ok := w.(*os.File); ok {
		enabled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if os.Getenv("NO_COLOR") != "" {
		enabled = false
	}
	p := &printer{
		w:       w,
		enabled: enabled,
		id:      color.New(color.FgYellow),
		added:   color.New(color.FgGreen),
		removed: color.New(color.FgRed),
		header:  color.New(color.Bold),
	}
	for _, c := range []*color.Color{p.id, p.added, p.removed, p.header} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) Println(args ...any) {
	fmt.Fprintln(p.w, args...)
}

func (p *printer) ID(s string) string      { return p.id.Sprint(s) }
func (p *printer) Added(s string) string   { return p.added.Sprint(s) }
func (p *printer) Removed(s string) string { return p.removed.Sprint(s) }
func (p *printer) Header(s string) string  { return p.header.Sprint(s) }

// Code writes content, syntax highlighted for path when color is enabled.
func (p *printer) Code(path, content string) {
	if !p.enabled {
		io.WriteString(p.w, content)
		return
	}
	lexer := lexerForPath(path)
	iterator, err := lexer.Tokenise(nil, content)
	if err != nil {
		io.WriteString(p.w, content)
		return
	}
	style := styles.Get("github-dark")
	if style == nil {
		style = styles.Fallback
	}
	var b strings.Builder
	for _, token := range iterator.Tokens() {
		if token.Value == "" {
			continue
		}
		entry := style.Get(token.Type)
		if !entry.Colour.IsSet() {
			b.WriteString(token.Value)
			continue
		}
		c := color.RGB(int(entry.Colour.Red()), int(entry.Colour.Green()), int(entry.Colour.Blue()))
		c.EnableColor()
		b.WriteString(c.Sprint(token.Value))
	}
	io.WriteString(p.w, b.String())
}

func lexerForPath(path string) chroma.Lexer {
	lexer := lexers.Match(path)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	return chroma.Coalesce(lexer)
}
