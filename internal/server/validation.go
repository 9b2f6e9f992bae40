// validation.go - Request validation and upload checks
package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return passwordProblem(fl.Field().String()) == ""
	})
	return v
}

// validateStruct runs the struct tags of dst and reports the first failure
// as a 400.
func (s *Server) validateStruct(dst any) error {
	err := s.validate.Struct(dst)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return badRequest("%s", describeFieldError(verrs[0]))
	}
	return badRequest("%v", err)
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "uuid", "uuid4":
		return field + " must be a valid id"
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "password":
		return passwordProblem(fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// passwordProblem returns a message describing why password is too weak,
// or "" when it is acceptable.
func passwordProblem(password string) string {
	if len(password) < 8 {
		return "Password must be at least 8 characters long"
	}
	if len(password) > maxPasswordBytes {
		return fmt.Sprintf("Password must be at most %d bytes", maxPasswordBytes)
	}
	var hasLetter, hasNumber bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasNumber = true
		}
	}
	if !hasNumber || !hasLetter {
		return "Password must contain both letters and numbers"
	}
	return ""
}

// allowedImageTypes maps sniffed content types to the stored extension.
var allowedImageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// validateImageUpload checks the sniffed content type and the client file
// name, returning the extension to store the object under.
func validateImageUpload(filename, sniffed string) (string, error) {
	ext, ok := allowedImageTypes[sniffed]
	if !ok {
		return "", badRequest("image must be JPEG, PNG, GIF or WebP (got %s)", sniffed)
	}
	if fe := strings.ToLower(filepath.Ext(filename)); fe != "" && !imageExtensions[fe] {
		return "", badRequest("file extension %s not allowed", fe)
	}
	return ext, nil
}
