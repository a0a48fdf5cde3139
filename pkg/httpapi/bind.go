package httpapi

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"trustwork/pkg/db/pagination"
	"trustwork/pkg/errutil"
	"trustwork/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Validate runs struct tag validation and converts failures into a VALIDATION error with field details.
func Validate(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errutil.ValidationFailed("invalid request", err)
	}

	details := make([]errutil.Detail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, errutil.Detail{Field: fe.Field(), Message: describe(fe)})
	}
	return errutil.ValidationFailed("invalid request", nil, errutil.WithDetails(details...))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "url":
		return "must be a valid url"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// BindJSON decodes the body into v and validates it.
func BindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return errutil.ValidationFailed("malformed request body", err)
	}
	return Validate(v)
}

// BindQuery decodes query parameters into v and validates it.
func BindQuery(c *gin.Context, v any) error {
	if err := c.ShouldBindQuery(v); err != nil {
		return errutil.ValidationFailed("malformed query", err)
	}
	return Validate(v)
}

// Page reads limit/offset query parameters.
func Page(c *gin.Context) (pagination.Pagination, error) {
	var p pagination.Pagination
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, errutil.ValidationFailed("invalid limit", err, errutil.Field("limit", "must be a number"))
		}
		p.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, errutil.ValidationFailed("invalid offset", err, errutil.Field("offset", "must be a number"))
		}
		p.Offset = n
	}
	return p.Normalize(), nil
}

// Respond writes v as JSON, or hands err to the error middleware.
func Respond(c *gin.Context, status int, v any, err error) {
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	if v == nil {
		c.Status(status)
		return
	}
	c.JSON(status, v)
}

func OK(c *gin.Context, v any, err error) {
	Respond(c, http.StatusOK, v, err)
}

func Created(c *gin.Context, v any, err error) {
	Respond(c, http.StatusCreated, v, err)
}
