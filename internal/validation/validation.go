// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
)

var (
	emailPattern      = regexp.MustCompile(`^[\w.-]+@[\w.-]+\.\w{2,4}$`)
	loginEmailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

const passwordSpecials = "!@#$%^&*()-_+="

// Ошибки проверки формы входа. Эти ошибки возникают до обращения к учётным
// данным и не учитываются счётчиком неудачных попыток.
var (
	ErrMissingCredentials = errors.New("please enter both username/email and password")
	ErrUsernameTooShort   = errors.New("username must be at least 3 characters long")
	ErrPasswordTooShort   = errors.New("password must be at least 6 characters long")
	ErrMalformedEmail     = errors.New("please enter a valid email address")
)

// IsValidEmail проверяет формат адреса электронной почты.
func IsValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// ValidatePassword проверяет пароль на соответствие требованиям стойкости и
// возвращает сообщение о первом нарушенном правиле.
func ValidatePassword(password string) (bool, string) {
	if len(password) < 6 {
		return false, "Password must be at least 6 characters."
	}
	if !containsFunc(password, unicode.IsLower) {
		return false, "Password must contain a lowercase letter."
	}
	if !containsFunc(password, unicode.IsUpper) {
		return false, "Password must contain an uppercase letter."
	}
	if !containsFunc(password, unicode.IsDigit) {
		return false, "Password must include at least 1 number."
	}
	if !strings.ContainsAny(password, passwordSpecials) {
		return false, "Password must include a special character (!@#$...)"
	}
	return true, ""
}

// ValidateLoginInput проверяет форму входа до обращения к учётным данным.
// Идентификатор, содержащий "@", дополнительно проверяется как email.
func ValidateLoginInput(identity, password string) error {
	if identity == "" || password == "" {
		return ErrMissingCredentials
	}
	if len(identity) < 3 {
		return ErrUsernameTooShort
	}
	if len(password) < 6 {
		return ErrPasswordTooShort
	}
	if strings.Contains(identity, "@") && !loginEmailPattern.MatchString(identity) {
		return ErrMalformedEmail
	}
	return nil
}

func containsFunc(s string, fn func(rune) bool) bool {
	for _, r := range s {
		if fn(r) {
			return true
		}
	}
	return false
}
