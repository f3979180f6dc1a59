package selector

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
)

// Printer shows a prompt to the operator.
type Printer interface {
	Prompt(text string)
}

type line struct {
	text string
	err  error
}

// Prompt reads operator answers line by line. Input is consumed on a
// background goroutine so a pending question can be abandoned when the
// context is cancelled (Ctrl-C).
type Prompt struct {
	in   io.Reader
	out  Printer
	once sync.Once
	ch   chan line
}

// NewPrompt creates a Prompt reading from in and printing questions to out.
func NewPrompt(in io.Reader, out Printer) *Prompt {
	return &Prompt{in: in, out: out, ch: make(chan line)}
}

func (p *Prompt) start() {
	go func() {
		defer close(p.ch)
		sc := bufio.NewScanner(p.in)
		for sc.Scan() {
			p.ch <- line{text: sc.Text()}
		}
		if err := sc.Err(); err != nil {
			p.ch <- line{err: err}
		}
	}()
}

// Ask prints question and returns the trimmed answer. It returns io.EOF
// when input is exhausted.
func (p *Prompt) Ask(ctx context.Context, question string) (string, error) {
	p.once.Do(p.start)
	p.out.Prompt(question)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-p.ch:
		if !ok {
			return "", io.EOF
		}
		if l.err != nil {
			return "", l.err
		}
		return strings.TrimSpace(l.text), nil
	}
}
