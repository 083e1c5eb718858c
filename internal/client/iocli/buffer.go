package iocli

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// Buffer IO в памяти для тестов и неинтерактивного запуска.
// Ввод берется построчно из input, весь вывод накапливается без цвета.
type Buffer struct {
	in  *bufio.Reader
	out bytes.Buffer
}

// NewBuffer создает Buffer с заданным вводом
func NewBuffer(input string) *Buffer {
	return &Buffer{in: bufio.NewReader(strings.NewReader(input))}
}

func (b *Buffer) Println(a ...any) {
	fmt.Fprintln(&b.out, a...)
}

func (b *Buffer) Printf(format string, a ...any) {
	fmt.Fprintf(&b.out, format, a...)
}

func (b *Buffer) Success(format string, a ...any) {
	fmt.Fprintf(&b.out, format+"\n", a...)
}

func (b *Buffer) Warn(format string, a ...any) {
	fmt.Fprintf(&b.out, format+"\n", a...)
}

func (b *Buffer) Write(p []byte) (int, error) {
	return b.out.Write(p)
}

func (b *Buffer) ReadInput(prompt string) (string, error) {
	b.Printf("%s", prompt)
	return readLine(b.in)
}

func (b *Buffer) ReadPassword(prompt string) (string, error) {
	b.Printf("%s", prompt)
	return readLine(b.in)
}

// String возвращает накопленный вывод
func (b *Buffer) String() string {
	return b.out.String()
}
