package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type fieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func fieldErrors(err error) []fieldError {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make([]fieldError, len(ve))
	for i, fe := range ve {
		out[i] = fieldError{Field: fe.Field(), Tag: fe.Tag()}
		switch fe.Tag() {
		case "required":
			out[i].Message = fmt.Sprintf("%s is required", fe.Field())
		case "max":
			out[i].Message = fmt.Sprintf("%s must be at most %s characters long", fe.Field(), fe.Param())
		default:
			out[i].Message = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
		}
	}
	return out
}

// bind parses the JSON body into out and validates it. On failure it has
// already written the 400 response; the caller returns the error as is.
func bind(c *fiber.Ctx, out any) (bool, error) {
	if err := c.BodyParser(out); err != nil {
		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if err := validate.Struct(out); err != nil {
		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body", "fields": fieldErrors(err)})
	}
	return true, nil
}
