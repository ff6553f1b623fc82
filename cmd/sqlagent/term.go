package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes for terminal styling.
const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiDim       = "\033[2m"
	ansiCyan      = "\033[96m" // bright cyan (light blue)
	ansiYellow    = "\033[93m"
	ansiRed       = "\033[91m"
	ansiUnderline = "\033[4m"
)

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func isTerminalReader(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

// style wraps text in the given ANSI codes when enabled.
func style(text string, enabled bool, codes ...string) string {
	if !enabled || len(codes) == 0 {
		return text
	}
	return strings.Join(codes, "") + text + ansiReset
}

type bannerOptions struct {
	Version string
	URL     string
	MCPURL  string
	DataDir string
}

func printBanner(w io.Writer, opts bannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	logo := []string{
		" ___  ___  _      _   ___ ___ _  _ _____ ",
		"/ __|/ _ \\| |    /_\\ / __| __| \\| |_   _|",
		"\\__ \\ (_) | |__ / _ \\ (_ | _|| .` | | |  ",
		"|___/\\__\\_\\____/_/ \\_\\___|___|_|\\_| |_|  ",
	}

	fmt.Fprintln(w)
	for _, line := range logo {
		fmt.Fprintln(w, center(line, width))
	}
	fmt.Fprintln(w)

	if v := strings.TrimSpace(opts.Version); v != "" {
		fmt.Fprintln(w, center("Version: "+v, width))
	}
	if opts.URL != "" {
		fmt.Fprintln(w, centerWithAnsi("API: "+style(opts.URL, useANSI, ansiCyan, ansiUnderline), width))
	}
	if opts.MCPURL != "" {
		fmt.Fprintln(w, centerWithAnsi("MCP: "+style(opts.MCPURL, useANSI, ansiCyan, ansiUnderline), width))
	}
	if opts.DataDir != "" {
		fmt.Fprintln(w, center("Data: "+opts.DataDir, width))
	}
	fmt.Fprintln(w)
}

func center(text string, width int) string {
	if width <= 0 {
		// Fallback for non-interactive outputs.
		return "  " + text
	}

	textLen := len([]rune(text))
	if textLen >= width {
		return text
	}

	padding := (width - textLen) / 2
	return strings.Repeat(" ", padding) + text
}

func stripAnsi(s string) string {
	for _, code := range []string{ansiReset, ansiBold, ansiDim, ansiCyan, ansiYellow, ansiRed, ansiUnderline} {
		s = strings.ReplaceAll(s, code, "")
	}
	return s
}

func centerWithAnsi(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}

	visibleText := stripAnsi(text)
	textLen := len([]rune(visibleText))
	if textLen >= width {
		return text
	}

	padding := (width - textLen) / 2
	return strings.Repeat(" ", padding) + text
}
