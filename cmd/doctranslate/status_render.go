package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

type checkLevel int

const (
	levelInfo checkLevel = iota
	levelOK
	levelWarn
	levelError
)

var levelStyles = map[checkLevel]struct {
	label  string
	colors text.Colors
}{
	levelInfo:  {"INFO", text.Colors{text.FgBlue}},
	levelOK:    {"OK", text.Colors{text.FgGreen}},
	levelWarn:  {"WARN", text.Colors{text.FgYellow}},
	levelError: {"ERROR", text.Colors{text.FgRed}},
}

// statusPrinter writes the aligned label/level/detail lines of the status
// command, colored only when out is a terminal.
type statusPrinter struct {
	out   io.Writer
	color bool
	width int
}

func newStatusPrinter(out io.Writer) *statusPrinter {
	return &statusPrinter{out: out, color: isTerminal(out), width: 22}
}

func (p *statusPrinter) section(title string) {
	heading := "== " + strings.TrimSpace(title) + " =="
	rule := strings.Repeat("-", len(heading))
	if p.color {
		heading, rule = text.FgBlue.Sprint(heading), text.FgBlue.Sprint(rule)
	}
	fmt.Fprintln(p.out, heading)
	fmt.Fprintln(p.out, rule)
}

func (p *statusPrinter) line(label string, level checkLevel, detail string) {
	style := levelStyles[level]
	value := "[" + style.label + "]"
	if detail != "" {
		value += " " + detail
	}
	line := fmt.Sprintf("  %-*s %s", p.width, label+":", value)
	if p.color {
		line = style.colors.Sprint(line)
	}
	fmt.Fprintln(p.out, line)
}

func (p *statusPrinter) check(label string, ok bool, detail string, failed checkLevel) {
	level := levelOK
	if !ok {
		level = failed
	}
	p.line(label, level, detail)
}

func (p *statusPrinter) blank() {
	fmt.Fprintln(p.out)
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
