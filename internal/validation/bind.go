package validation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// BindAndValidate binds JSON body into `out` and runs validation.
// If validation fails, it writes a 400 response and returns an error for the handler to short-circuit.
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request_body",
			"msg":   err.Error(),
		})
		return err
	}

	if err := v.Struct(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation_failed",
			"fields": ErrorFields(err),
		})
		return err
	}
	return nil
}

// BindHeaders binds request headers into `out`. Header binding never writes a
// response; callers decide how to reject.
func BindHeaders(c *gin.Context, out interface{}) error {
	return c.ShouldBindHeader(out)
}

// ErrorFields flattens validator errors into namespace -> message.
func ErrorFields(err error) map[string]string {
	out := map[string]string{}
	if ve, ok := err.(validatorv10.ValidationErrors); ok {
		for _, fe := range ve {
			out[fe.StructNamespace()] = fe.Error()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}
