package auth

import (
	"errors"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// bcrypt ignores input past 72 bytes, so longer passwords are rejected up front.
const maxPasswordBytes = 72

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_\- ]+$`)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

type validationError struct {
	message string
}

func (e validationError) Error() string {
	return e.message
}

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return field.Name
			}
			return name
		})
		_ = validate.RegisterValidation("strongpw", func(fl validator.FieldLevel) bool {
			return StrongPassword(fl.Field().String())
		})
		_ = validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
			return usernameRegex.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("avatarurl", func(fl validator.FieldLevel) bool {
			return validAvatarURL(fl.Field().String())
		})
	})
	return validate
}

// StrongPassword enforces at least 8 characters with an upper-case letter,
// a lower-case letter and a digit.
func StrongPassword(password string) bool {
	if len(password) < 8 || len(password) > maxPasswordBytes {
		return false
	}

	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return upper && lower && digit
}

func validAvatarURL(raw string) bool {
	if raw == "" {
		return true
	}
	parsed, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

// validateRequest returns a validationError describing the first failing field.
func validateRequest(request any) error {
	err := requestValidator().Struct(request)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return validationError{message: "invalid request"}
	}
	return validationError{message: fieldMessage(fieldErrors[0])}
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return "valid email required"
	case "strongpw":
		return "password must be 8-72 characters and include an uppercase letter, a lowercase letter and a number"
	case "username":
		return "username may only contain letters, numbers, spaces, hyphens and underscores"
	case "avatarurl":
		return "avatar must be a valid URL"
	case "min":
		return field + " must be at least " + fe.Param() + " characters"
	case "max":
		return field + " cannot exceed " + fe.Param() + " characters"
	case "len", "hexadecimal":
		if field == "token" {
			return "invalid reset token"
		}
		return field + " is invalid"
	default:
		return field + " is invalid"
	}
}
