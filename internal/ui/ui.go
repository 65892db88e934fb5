// Package ui renders CLI output.
//
// Colors are used only when writing to a terminal and NO_COLOR is unset.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Printer writes styled text to one output.
type Printer struct {
	w     io.Writer
	color bool

	pass   lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	muted  lipgloss.Style
	bold   lipgloss.Style
	header lipgloss.Style
	key    lipgloss.Style
}

// NewPrinter returns a printer for w. noColor forces plain output.
func NewPrinter(w io.Writer, noColor bool) *Printer {
	r := lipgloss.NewRenderer(w)
	color := !noColor && !termenv.EnvNoColor() && IsTerminal(w)
	if color {
		r.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
	} else {
		r.SetColorProfile(termenv.Ascii)
	}

	return &Printer{
		w:      w,
		color:  color,
		pass:   r.NewStyle().Foreground(lipgloss.Color("42")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("214")),
		fail:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		muted:  r.NewStyle().Foreground(lipgloss.Color("244")),
		bold:   r.NewStyle().Bold(true),
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		key:    r.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Color reports whether output is styled.
func (p *Printer) Color() bool { return p.color }

func (p *Printer) Pass(s string) string   { return p.pass.Render(s) }
func (p *Printer) Warn(s string) string   { return p.warn.Render(s) }
func (p *Printer) Fail(s string) string   { return p.fail.Render(s) }
func (p *Printer) Muted(s string) string  { return p.muted.Render(s) }
func (p *Printer) Bold(s string) string   { return p.bold.Render(s) }
func (p *Printer) Header(s string) string { return p.header.Render(s) }

// Printf writes formatted text.
func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// Println writes a line.
func (p *Printer) Println(args ...any) {
	fmt.Fprintln(p.w, args...)
}

// Field is one row of a key/value listing.
type Field struct {
	Key   string
	Value string
}

// Fields writes rows with keys padded to a common width.
func (p *Printer) Fields(fields []Field) {
	width := 0
	for _, f := range fields {
		width = max(width, lipgloss.Width(f.Key))
	}
	for _, f := range fields {
		pad := strings.Repeat(" ", width-lipgloss.Width(f.Key))
		fmt.Fprintf(p.w, "  %s%s  %s\n", p.key.Render(f.Key+":"), pad, f.Value)
	}
}

// Width returns the terminal width, or 80 when w is not a terminal.
func (p *Printer) Width() int {
	if f, ok := p.w.(*os.File); ok {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w
		}
	}
	return 80
}

// Truncate shortens s to fit n columns.
func Truncate(s string, n int) string {
	if n <= 0 || lipgloss.Width(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 3 {
		return string(runes[:min(n, len(runes))])
	}
	for len(runes) > 0 && lipgloss.Width(string(runes))+3 > n {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}
