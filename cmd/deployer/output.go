package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

type printer struct {
	w       io.Writer
	noColor bool
}

func newPrinter(w io.Writer, noColor bool) printer {
	return printer{w: w, noColor: noColor || color.NoColor}
}

func (p printer) Plain(format string, a ...any) {
	fmt.Fprintf(p.w, format+"\n", a...)
}

func (p printer) Success(format string, a ...any) {
	p.colored(color.FgGreen, format, a...)
}

func (p printer) Warning(format string, a ...any) {
	p.colored(color.FgYellow, format, a...)
}

func (p printer) Error(format string, a ...any) {
	p.colored(color.FgRed, format, a...)
}

func (p printer) colored(attr color.Attribute, format string, a ...any) {
	c := color.New(attr)
	if p.noColor {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	c.Fprintf(p.w, format, a...)
	fmt.Fprintln(p.w)
}
