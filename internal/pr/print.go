// Package pr — обёртка консольного ввода-вывода для интерактивных сценариев.
// Инициализирует readline с отменяемым stdin (чтобы shutdown прерывал ожидание
// ввода кода авторизации), переназначает потоки вывода на его буферы и даёт
// функции печати плюс pretty-дамп для отладочных выводов конфигурации.
// Мьютекс защищает только замену writer'ов; сами записи сериализует readline.
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

var (
	// rl — активный инстанс readline; nil до Init().
	rl *readline.Instance
	// out и errOut — текущие потоки вывода. До Init() это os.Stdout/os.Stderr.
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
	// mu защищает замену ссылок на writer'ы и cancelableIn.
	mu sync.Mutex

	// cancelableIn — stdin, закрытие которого прерывает Readline() через io.EOF.
	cancelableIn interface{ Close() error }
)

// Init настраивает readline и направляет вывод в его буферы.
// Повторный вызов не предусмотрен.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	newRl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}
	rl = newRl

	mu.Lock()
	cancelableIn = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()

	return nil
}

// InterruptReadline закрывает отменяемый stdin: Readline() вернёт io.EOF.
// Идемпотентна.
func InterruptReadline() {
	if cancelableIn != nil {
		_ = cancelableIn.Close()
	}
}

// ReadLine выводит приглашение и читает одну строку. Требует вызванного Init().
func ReadLine(prompt string) (string, error) {
	if rl == nil {
		return "", fmt.Errorf("pr: readline is not initialized")
	}
	rl.SetPrompt(prompt)
	return rl.Readline()
}

// Stdout возвращает текущий writer стандартного вывода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr возвращает текущий writer ошибок.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

// Print печатает значения в Stdout без перевода строки.
func Print(a ...any) {
	fmt.Fprint(Stdout(), a...)
}

// Println печатает значения в Stdout с переводом строки. Работает и до Init().
func Println(a ...any) {
	fmt.Fprintln(Stdout(), a...)
}

// Printf форматирует и печатает строку в Stdout.
func Printf(format string, a ...any) {
	fmt.Fprintf(Stdout(), format, a...)
}

// ErrPrintln печатает значения в Stderr с переводом строки.
func ErrPrintln(a ...any) {
	fmt.Fprintln(Stderr(), a...)
}

// ErrPrintf форматирует и печатает строку в Stderr.
func ErrPrintf(format string, a ...any) {
	fmt.Fprintf(Stderr(), format, a...)
}

// PP pretty-печатает значение в Stdout. Не для горячих путей: аллоцирует.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}

// Pf возвращает pretty-строку значения; удобно для отладочных логов.
func Pf(v any) string {
	return fmt.Sprintf("%# v", pretty.Formatter(v))
}
