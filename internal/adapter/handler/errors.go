package handler

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/escrow-market/internal/core/service"
)

type errorMapping struct {
	err     error
	status  int
	code    codes.Code
	message string
}

var errorMappings = []errorMapping{
	{service.ErrInvalidPrice, http.StatusBadRequest, codes.InvalidArgument, "invalid price"},
	{errInvalidAmount, http.StatusBadRequest, codes.InvalidArgument, "invalid amount"},
	{service.ErrUnauthorized, http.StatusForbidden, codes.PermissionDenied, "unauthorized"},
	{service.ErrApprovalNotSupported, http.StatusNotImplemented, codes.Unimplemented, "registry does not accept approvals"},
	{service.ErrItemNotFound, http.StatusNotFound, codes.NotFound, "item not found"},
	{service.ErrAlreadySold, http.StatusConflict, codes.FailedPrecondition, "item already sold"},
	{service.ErrInsufficientPayment, http.StatusPaymentRequired, codes.FailedPrecondition, "insufficient payment"},
}

func mapError(err error) errorMapping {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m
		}
	}
	return errorMapping{err: err, status: http.StatusInternalServerError, code: codes.Internal, message: "internal error"}
}
