// Package auth — интерактивный вход в MTProto-сессию из терминала.
// Реализует auth.UserAuthenticator поверх общего readline: телефон
// берётся из окружения, код подтверждения и пароль 2FA запрашиваются
// у пользователя. Сетевую часть входа целиком ведёт gotd.
package auth

import (
	"context"
	"strings"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"

	"telegram-forwarder/internal/pr"
)

// Terminal собирает данные входа из терминала. Номер телефона фиксируется
// заранее; пустой номер запрашивается интерактивно.
type Terminal struct {
	PhoneNumber string
}

// Flow — готовый сценарий интерактивного входа для client.Auth().IfNecessary.
func Flow(phone string) auth.Flow {
	return auth.NewFlow(Terminal{PhoneNumber: phone}, auth.SendCodeOptions{})
}

// readLine читает одну строку и обрезает пробелы по краям.
func readLine(prompt string) (string, error) {
	line, err := pr.ReadLine(prompt)
	return strings.TrimSpace(line), err
}

// Phone возвращает номер телефона входа. Формат не проверяется;
// ожидается E.164.
func (t Terminal) Phone(_ context.Context) (string, error) {
	if t.PhoneNumber != "" {
		return t.PhoneNumber, nil
	}
	return readLine("Enter phone number (E.164): ")
}

// Code запрашивает код подтверждения, присланный Telegram.
func (t Terminal) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return readLine("Enter the code from Telegram: ")
}

// Password читает пароль двухфакторной аутентификации без эха.
func (t Terminal) Password(_ context.Context) (string, error) {
	pr.Print("Enter 2FA password: ")
	raw, err := term.ReadPassword(syscall.Stdin)
	pr.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// AcceptTermsOfService показывает условия использования и требует явного
// согласия; любой ответ кроме "y" — отказ.
func (t Terminal) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	pr.Printf("Telegram Terms of Service:\n%s\n", tos.Text)
	resp, err := readLine("Accept? (y/n): ")
	if err != nil {
		return err
	}
	if !strings.EqualFold(resp, "y") {
		return errors.New("terms of service rejected")
	}
	return nil
}

// SignUp вызывается для незарегистрированного номера: имя обязательно,
// фамилия — нет.
func (t Terminal) SignUp(_ context.Context) (auth.UserInfo, error) {
	first, err := readLine("Enter your first name: ")
	if err != nil {
		return auth.UserInfo{}, err
	}
	last, _ := readLine("Enter your last name (optional): ")
	return auth.UserInfo{FirstName: first, LastName: last}, nil
}
