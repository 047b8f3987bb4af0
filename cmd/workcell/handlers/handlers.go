package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/madsci/workcell/cmd/workcell/repository"
	"github.com/madsci/workcell/common/types"
)

// respondError maps domain errors onto HTTP statuses, serving the uniform
// error envelope as the body.
func respondError(c echo.Context, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, types.ErrorFrom(types.ErrValidation, err))
	}

	var envelope types.Error
	if errors.As(err, &envelope) {
		switch envelope.ErrorType {
		case types.ErrValidation:
			return c.JSON(http.StatusUnprocessableEntity, envelope)
		case types.ErrUnknownNode:
			return c.JSON(http.StatusNotFound, envelope)
		case types.ErrTransport:
			return c.JSON(http.StatusBadGateway, envelope)
		default:
			return c.JSON(http.StatusInternalServerError, envelope)
		}
	}
	return c.JSON(http.StatusInternalServerError, types.ErrorFrom(types.ErrInternal, err))
}
