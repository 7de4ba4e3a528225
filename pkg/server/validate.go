package server

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gantrylabs/gantry/pkg/api"
)

// validate checks DTO struct tags. One instance serves all handlers; the
// validator is safe for concurrent use.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeValid decodes the JSON body into v and runs struct validation.
// Failures surface as invalid-input errors with a field-level message.
func decodeValid(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := api.DecodeJSON(w, r, v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", api.ErrInvalidInput, err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %s validation", api.ErrInvalidInput, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", api.ErrInvalidInput, err)
	}
	return nil
}
