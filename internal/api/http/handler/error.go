package handler

import (
	"net/http"

	"github.com/dtroode/userdir-server/internal/apierror"
)

type errorResponse struct {
	Message string `json:"message"`
}

func handleError(err error) (int, errorResponse) {
	if apiErr, ok := apierror.As(err); ok {
		switch apiErr.Kind {
		case apierror.KindValidation:
			return http.StatusBadRequest, errorResponse{Message: apiErr.Message}
		case apierror.KindConflict:
			return http.StatusConflict, errorResponse{Message: apiErr.Message}
		case apierror.KindNotFound:
			return http.StatusNotFound, errorResponse{Message: apiErr.Message}
		}
	}

	return http.StatusInternalServerError, errorResponse{Message: "internal server error"}
}
