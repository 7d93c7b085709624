// Package setup implements the interactive first-run wizard and the launchd
// agent install that runs placesync in the background.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Prompter asks questions on w and reads answers line by line from r.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// String asks for a text value. An empty answer returns defaultVal; when
// defaultVal is empty too the question repeats. End of input returns
// defaultVal.
func (p *Prompter) String(label, defaultVal string) string {
	for {
		if defaultVal != "" {
			_, _ = fmt.Fprintf(p.w, "  %s [%s]: ", label, defaultVal)
		} else {
			_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		}
		val, ok := p.line()
		if !ok {
			return defaultVal
		}
		if val != "" {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		_, _ = fmt.Fprintln(p.w, "  (a value is required)")
	}
}

// Optional asks for a text value that may be left empty.
func (p *Prompter) Optional(label string) string {
	_, _ = fmt.Fprintf(p.w, "  %s (optional): ", label)
	val, _ := p.line()
	return val
}

// Secret asks for a required sensitive value. Input is echoed.
func (p *Prompter) Secret(label string) string {
	for {
		_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		val, ok := p.line()
		if !ok || val != "" {
			return val
		}
		_, _ = fmt.Fprintln(p.w, "  (a value is required)")
	}
}

// Confirm asks a yes/no question; an empty answer picks defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	_, _ = fmt.Fprintf(p.w, "  %s %s: ", label, hint)

	answer, ok := p.line()
	if !ok || answer == "" {
		return defaultYes
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

// List asks for comma-separated values. Blank entries are dropped; an empty
// answer returns nil.
func (p *Prompter) List(label string) []string {
	_, _ = fmt.Fprintf(p.w, "  %s (comma-separated, empty for none): ", label)
	val, _ := p.line()
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *Prompter) line() (string, bool) {
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}
