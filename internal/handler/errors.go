package handler

import (
	"errors"
	"net/http"

	"schoolops/internal/model"
)

type Code string

const (
	CodeInvalidArgument   Code = "invalid_argument"
	CodeNotFound          Code = "not_found"
	CodeReferenceNotFound Code = "reference_not_found"
	CodeDateSlotMismatch  Code = "date_slot_mismatch"
	CodeSlotInUse         Code = "slot_in_use"
	CodeSlotConflict      Code = "slot_conflict"
	CodeIdentityNotFound  Code = "identity_not_found"
	CodeDuplicate         Code = "duplicate_attendance"
	CodeConcurrent        Code = "concurrent_modification"
	CodeCascadeIncomplete Code = "cascade_incomplete"
	CodeUnauthorized      Code = "unauthorized"
	CodeForbidden         Code = "forbidden"
	CodeInternal          Code = "internal"
)

type errorDTO struct {
	Error string            `json:"error"`
	Code  Code              `json:"code"`
	Run   *model.CascadeRun `json:"run,omitempty"`
}

func errorBody(code Code, msg string) errorDTO {
	return errorDTO{Error: msg, Code: code}
}

var codes = []struct {
	err    error
	code   Code
	status int
}{
	{model.ErrInvalidArgument, CodeInvalidArgument, http.StatusBadRequest},
	{model.ErrReferenceNotFound, CodeReferenceNotFound, http.StatusUnprocessableEntity},
	{model.ErrDateSlotMismatch, CodeDateSlotMismatch, http.StatusUnprocessableEntity},
	{model.ErrIdentityNotFound, CodeIdentityNotFound, http.StatusNotFound},
	{model.ErrNotFound, CodeNotFound, http.StatusNotFound},
	{model.ErrSlotInUse, CodeSlotInUse, http.StatusConflict},
	{model.ErrSlotConflict, CodeSlotConflict, http.StatusConflict},
	{model.ErrDuplicateAttendance, CodeDuplicate, http.StatusConflict},
	{model.ErrConcurrentModification, CodeConcurrent, http.StatusConflict},
	{model.ErrCascadeIncomplete, CodeCascadeIncomplete, http.StatusInternalServerError},
}

func classify(err error) (Code, int) {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code, c.status
		}
	}
	return CodeInternal, http.StatusInternalServerError
}

// ToHTTPStatus maps domain errors to response codes.
func ToHTTPStatus(err error) int {
	_, status := classify(err)
	return status
}

func errorFromErr(err error) errorDTO {
	code, _ := classify(err)
	if code == CodeInternal {
		return errorBody(code, "internal error")
	}
	dto := errorBody(code, err.Error())
	var ce *model.CascadeError
	if errors.As(err, &ce) {
		run := ce.Run
		dto.Run = &run
	}
	return dto
}
