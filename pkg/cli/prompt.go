// Package cli provides interactive terminal prompt helpers for the setup
// wizard.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// maxAttempts bounds re-asking on invalid input.
const maxAttempts = 5

// Prompter handles interactive terminal prompts.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// next reads one trimmed line. ok is false once the input is exhausted.
func (p *Prompter) next() (line string, ok bool) {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// reply shows label, with def in brackets when set, and returns the answer
// or def for a blank one.
func (p *Prompter) reply(label, def string) (string, bool) {
	if def == "" {
		p.printf("%s: ", label)
	} else {
		p.printf("%s [%s]: ", label, def)
	}
	ans, ok := p.next()
	if ans == "" {
		ans = def
	}
	return ans, ok
}

// retry calls read until accept takes the answer. It gives up when the input
// ends or after maxAttempts rejections, returning false.
func (p *Prompter) retry(read func() (string, bool), accept func(string) error) (string, bool) {
	for i := 0; i < maxAttempts; i++ {
		ans, more := read()
		err := accept(ans)
		if err == nil {
			return ans, true
		}
		if !more {
			return "", false
		}
		p.printf("  %v\n", err)
	}
	return "", false
}

// Heading prints a section title.
func (p *Prompter) Heading(title string) {
	p.printf("%s\n", title)
}

// Ask reads one line, returning defaultVal when the user just presses Enter.
func (p *Prompter) Ask(question, defaultVal string) string {
	ans, _ := p.reply(question, defaultVal)
	return ans
}

// AskValidated is Ask with a check on the answer. Rejected answers are
// reported and asked again; defaultVal is returned if none passes.
func (p *Prompter) AskValidated(question, defaultVal string, check func(string) error) string {
	ans, ok := p.retry(func() (string, bool) { return p.reply(question, defaultVal) }, check)
	if !ok {
		return defaultVal
	}
	return ans
}

// AskPassword reads a line without echo when In is a terminal, and as a
// plain line otherwise.
func (p *Prompter) AskPassword(question string) string {
	ans, _ := p.hidden(question)
	return ans
}

func (p *Prompter) hidden(question string) (string, bool) {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b)), true
		}
	}
	return p.next()
}

// AskSecret is AskPassword with a check on the answer. It returns "" when no
// answer passes.
func (p *Prompter) AskSecret(question string, check func(string) error) string {
	ans, _ := p.retry(func() (string, bool) { return p.hidden(question) }, check)
	return ans
}

var errNotPositive = errors.New("enter a positive number")

// AskInt asks for a positive integer.
func (p *Prompter) AskInt(question string, defaultVal int) int {
	def := strconv.Itoa(defaultVal)
	ans, ok := p.retry(func() (string, bool) { return p.reply(question, def) }, func(s string) error {
		if n, err := strconv.Atoi(s); err != nil || n <= 0 {
			return errNotPositive
		}
		return nil
	})
	if !ok {
		return defaultVal
	}
	n, _ := strconv.Atoi(ans)
	return n
}

// Choose lists options and returns the one picked by number or by name.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := " "
		if i == defaultIdx {
			marker = ">"
		}
		p.printf("%s %d) %s\n", marker, i+1, opt)
	}

	pick := func(s string) (string, bool) {
		if n, err := strconv.Atoi(s); err == nil {
			if n >= 1 && n <= len(options) {
				return options[n-1], true
			}
			return "", false
		}
		for _, opt := range options {
			if strings.EqualFold(s, opt) {
				return opt, true
			}
		}
		return "", false
	}
	def := strconv.Itoa(defaultIdx + 1)
	ans, ok := p.retry(func() (string, bool) { return p.reply("Choice", def) }, func(s string) error {
		if _, ok := pick(s); !ok {
			return fmt.Errorf("enter a number between 1 and %d", len(options))
		}
		return nil
	})
	if !ok {
		return options[defaultIdx]
	}
	opt, _ := pick(ans)
	return opt
}

// Confirm asks a yes/no question. Answers other than y, yes, n or no are
// asked again.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint, def := "y/N", "n"
	if defaultYes {
		hint, def = "Y/n", "y"
	}
	label := fmt.Sprintf("%s [%s]", question, hint)
	ans, ok := p.retry(func() (string, bool) {
		ans, more := p.reply(label, "")
		if ans == "" {
			ans = def
		}
		return strings.ToLower(ans), more
	}, func(s string) error {
		switch s {
		case "y", "yes", "n", "no":
			return nil
		}
		return errors.New("answer y or n")
	})
	if !ok {
		return defaultYes
	}
	return ans == "y" || ans == "yes"
}
