package handlers

import (
	"net/http"

	"voucher-system/internal/apperror"
	"voucher-system/internal/logger"
)

func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error, internalMessage string) {
	code := apperror.Code(err)
	switch {
	case apperror.Is(err, apperror.KindNotFound):
		writeCodedErrorResponse(w, http.StatusNotFound, code, err.Error())
	case apperror.Is(err, apperror.KindValidation):
		writeCodedErrorResponse(w, http.StatusBadRequest, code, err.Error())
	case apperror.Is(err, apperror.KindConflict):
		writeCodedErrorResponse(w, http.StatusConflict, code, err.Error())
	default:
		if log != nil {
			log.WithError(err).Error(internalMessage)
		}
		writeErrorResponse(w, http.StatusInternalServerError, internalMessage)
	}
}
