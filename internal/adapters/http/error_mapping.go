package httpadapter

import (
	"net/http"

	"github.com/planlens/plancompare/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrJobNotFound),
		domain.IsKind(err, domain.ErrStageNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrStageConflict):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTemporary),
		domain.IsKind(err, domain.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
