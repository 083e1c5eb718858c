package iocli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Stdio IO поверх терминала. Цвет отключается автоматически, если вывод не tty.
type Stdio struct {
	in      *bufio.Reader
	out     io.Writer
	success *color.Color
	warn    *color.Color
	fd      int
}

// NewStdio создает IO для os.Stdin и os.Stdout
func NewStdio() IO {
	return &Stdio{
		in:      bufio.NewReader(os.Stdin),
		out:     color.Output,
		success: color.New(color.FgGreen, color.Bold),
		warn:    color.New(color.FgYellow),
		fd:      int(os.Stdin.Fd()),
	}
}

func (s *Stdio) Println(a ...any) {
	fmt.Fprintln(s.out, a...)
}

func (s *Stdio) Printf(format string, a ...any) {
	fmt.Fprintf(s.out, format, a...)
}

// Success печатает строку зеленым
func (s *Stdio) Success(format string, a ...any) {
	s.success.Fprintf(s.out, format+"\n", a...)
}

// Warn печатает строку желтым
func (s *Stdio) Warn(format string, a ...any) {
	s.warn.Fprintf(s.out, format+"\n", a...)
}

func (s *Stdio) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *Stdio) ReadInput(prompt string) (string, error) {
	s.Printf("%s", prompt)
	return readLine(s.in)
}

// ReadPassword читает строку без эха. Если stdin не терминал, читает как обычную строку.
func (s *Stdio) ReadPassword(prompt string) (string, error) {
	if !term.IsTerminal(s.fd) {
		return readLine(s.in)
	}
	s.Printf("%s", prompt)
	secret, err := term.ReadPassword(s.fd)
	s.Println()
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
