package handler

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

var registerOnce sync.Once

// 字段在错误信息中的显示名
var fieldLabels = map[string]string{
	"question":    "Question",
	"caller_info": "Caller info",
	"id":          "Request ID",
	"answer":      "Answer",
	"room_id":     "Room ID",
	"request_id":  "Request ID",
}

// FieldError 字段级校验错误
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RegisterValidators 在 gin 的校验引擎上注册 notblank，并使用 json 字段名
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("notblank", validators.NotBlank)
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
}

// respondValidationError 422 响应
func respondValidationError(c *gin.Context, err error) {
	c.JSON(422, gin.H{
		"error":   "Validation Error",
		"details": validationDetails(err),
		"message": "Please check your input data and try again.",
	})
}

func validationDetails(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "body", Message: "Invalid JSON body"}}
	}

	details := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return details
}

func fieldMessage(fe validator.FieldError) string {
	label, ok := fieldLabels[fe.Field()]
	if !ok {
		label = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		return "field required"
	case "notblank":
		return fmt.Sprintf("%s cannot be empty", label)
	default:
		return fmt.Sprintf("%s is invalid (%s)", label, fe.Tag())
	}
}
