package httpserver

import (
	"net/http"
)

type ErrorCode string

const (
	ErrCodeValidation       ErrorCode = "VALIDATION_ERROR"
	ErrCodeRoomNotFound     ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeCloseDeclined    ErrorCode = "CLOSE_DECLINED"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
)

var errorHTTPStatus = map[ErrorCode]int{
	ErrCodeValidation:       http.StatusBadRequest,
	ErrCodeRoomNotFound:     http.StatusNotFound,
	ErrCodeCloseDeclined:    http.StatusConflict,
	ErrCodeUnauthorized:     http.StatusUnauthorized,
	ErrCodeInternal:         http.StatusInternalServerError,
	ErrCodeMethodNotAllowed: http.StatusMethodNotAllowed,
	ErrCodeNotFound:         http.StatusNotFound,
}

func httpStatusForCode(code ErrorCode) int {
	if status, ok := errorHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
