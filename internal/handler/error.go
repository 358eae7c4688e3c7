package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/haatos/merge-train/internal/service"
	"github.com/labstack/echo/v4"
)

type errorResponse struct {
	Message string `json:"message"`
}

func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := "something went terribly wrong"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(status)
		}
		if he.Internal != nil {
			c.Logger().Errorf(
				"handler internal error %s [%d]: %+v\n",
				c.Request().URL.Path, he.Code, he.Internal,
			)
		}
	} else {
		c.Logger().Errorf("handler error: %+v\n", err)
	}

	if err := c.JSON(status, errorResponse{Message: message}); err != nil {
		log.Printf("err returning json: %+v\n", err)
	}
}

func newError(err error, status int, message string) error {
	e := echo.NewHTTPError(status, message)
	if err != nil {
		e = e.WithInternal(err)
	}
	return e
}

// serviceError maps train errors onto http errors. Anything unexpected is a
// 500 carrying fallback as its message.
func serviceError(err error, fallback string) error {
	var ite service.InvalidTransitionError
	var dup service.DuplicateEntrantError
	switch {
	case errors.As(err, &ite):
		return newError(err, http.StatusConflict, ite.Error())
	case errors.As(err, &dup):
		return newError(err, http.StatusConflict, dup.Error())
	case errors.Is(err, service.ErrEntrantNotFound):
		return newError(err, http.StatusNotFound, "entrant not found")
	default:
		return newError(err, http.StatusInternalServerError, fallback)
	}
}
