package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"studybuddy/pkg/types"
)

var (
	validate   *validator.Validate
	translator ut.Translator

	// custom validation tags & texts
	userIDTag  = "userid"
	userIDText = "{0} must be 1-50 characters: letters, digits, underscore or hyphen"
	levelTag   = "level"
	levelText  = "{0} must be one of A1, A2, B1, B2, C1, C2"
)

func init() {
	validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(userIDTag, func(fl validator.FieldLevel) bool {
		return types.IsValidUserID(fl.Field().String())
	})
	_ = validate.RegisterValidation(levelTag, func(fl validator.FieldLevel) bool {
		return types.IsValidLevel(types.NormalizeLevel(fl.Field().String()))
	})
	registerCustomTranslation(userIDTag, userIDText)
	registerCustomTranslation(levelTag, levelText)
}

func registerCustomTranslation(tag, text string) {
	_ = validate.RegisterTranslation(
		tag, translator,
		func(t ut.Translator) error { return t.Add(tag, text, false) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// validationErrors maps JSON field names to readable messages.
type validationErrors map[string]string

func (v validationErrors) Error() string {
	return "validation failed"
}

// validateStruct returns nil or a validationErrors for s.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make(validationErrors, len(fieldErrs))
	for _, fe := range fieldErrs {
		out[fe.Field()] = fe.Translate(translator)
	}
	return out
}

// fieldErrorFor turns a domain validation sentinel into a field map.
func fieldErrorFor(err error) (validationErrors, bool) {
	switch {
	case errors.Is(err, types.ErrInvalidUserID):
		return validationErrors{"user_id": err.Error()}, true
	case errors.Is(err, types.ErrInvalidTopic):
		return validationErrors{"topic": err.Error()}, true
	case errors.Is(err, types.ErrInvalidLevel):
		return validationErrors{"level": err.Error()}, true
	}
	return nil, false
}
