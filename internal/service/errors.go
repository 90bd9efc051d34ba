package service

import (
	"errors"
	"fmt"
)

// 错误码，客户端只应根据错误码分支
const (
	CodeMissingRequiredFields = "MISSING_REQUIRED_FIELDS"
	CodeValidation            = "VALIDATION_ERROR"
	CodeNotFound              = "PARKING_LOG_NOT_FOUND"
	CodeCardInUse             = "CARD_IN_USE"
	CodeNoEntryFound          = "NO_ENTRY_FOUND"
	CodePlateMismatch         = "LICENSE_PLATE_MISMATCH"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error 业务错误
type Error struct {
	Code    string
	Message string
	Details interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func internalError(message string, err error) *Error {
	return &Error{Code: CodeInternal, Message: message, Err: err}
}

// CodeOf 提取错误码，非业务错误返回 INTERNAL_ERROR
func CodeOf(err error) string {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Code
	}
	return CodeInternal
}
