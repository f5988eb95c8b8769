package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

const notBlankTag = "notblank"

// requestValidator checks decoded request bodies and renders field errors in English
type requestValidator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func newRequestValidator() *requestValidator {
	v := validator.New()

	english := en.New()
	translator, _ := ut.New(english, english).GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(v, translator)

	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(string)
		return ok && strings.TrimSpace(s) != ""
	})
	_ = v.RegisterTranslation(notBlankTag, translator,
		func(ut.Translator) error { return nil },
		func(_ ut.Translator, fe validator.FieldError) string {
			return fe.Field() + " cannot be blank"
		})

	return &requestValidator{validate: v, translator: translator}
}

// Struct validates s and returns field -> message for every failure, or nil
func (rv *requestValidator) Struct(s interface{}) map[string]string {
	err := rv.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return map[string]string{"": err.Error()}
	}

	out := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		out[fe.Field()] = fe.Translate(rv.translator)
	}
	return out
}

// CreateSessionRequest opens a session. A zero duration means the default.
type CreateSessionRequest struct {
	CourseID        string `json:"course_id" validate:"required,max=50"`
	DurationSeconds int    `json:"duration_seconds" validate:"gte=0"`
}

// SubmitRequest is a student's claim
type SubmitRequest struct {
	Code string `json:"code" validate:"notblank,max=16"`
}

// OverrideRequest marks a student present by hand
type OverrideRequest struct {
	StudentID string `json:"student_id" validate:"required,max=50"`
}
