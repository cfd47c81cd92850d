package main

import (
	"fmt"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// report writes one glyph-prefixed line to stderr. Critique text goes to
// stdout, so everything the helpers print stays out of piped output.
func report(color, glyph, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(color, glyph+" "+msg))
}

func printSuccess(format string, args ...any) { report(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { report(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { report(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { report(colorCyan, "→", format, args...) }

// printStatus prints one aligned label/value line of `pmv status` output.
// The pad width fits the longest label ("Critique model").
func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, fmt.Sprintf("%-15s", label+":")), val)
}
