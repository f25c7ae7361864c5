package chatter

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

func init() {

	validate = validator.New()
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	// report fields by their config key
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "" {
			return strings.ToLower(field.Name)
		}
		return name
	})

	registerTranslation(enTrans, "required", "{0} is a required field")
	registerTranslation(enTrans, "url", "{0} must be a valid URL")
	registerTranslation(enTrans, "hostname_port", "{0} must be a host:port address")
	registerTranslation(enTrans, "oneof", "{0} must be one of: {1}")
	registerTranslation(enTrans, "gt", "{0} must be greater than {1}")
	registerTranslation(enTrans, "gte", "{0} must be at least {1}")
	registerTranslation(enTrans, "gtefield", "{0} must not be less than {1}")
}

func registerTranslation(trans ut.Translator, tag, text string) {
	validate.RegisterTranslation(tag, trans, func(ut ut.Translator) error {
		return ut.Add(tag, text, true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T(tag, fe.Namespace(), fe.Param())
		return t
	})
}
