package dataerr

import (
	"errors"
	"fmt"
)

// Code классифицирует ошибки ядра.
type Code string

const (
	CodeInvalidAttribute  Code = "invalid_attribute"
	CodeUnresolvedMethod  Code = "unresolved_method"
	CodeAccessDenied      Code = "access_denied"
	CodeInvalidProperty   Code = "invalid_property"
	CodeInvalidModel      Code = "invalid_model"
	CodeInvalidExpression Code = "invalid_expression"
)

// Error is the typed error returned by registry, parser, privilege and projector code.
type Error struct {
	Code      Code
	Model     string
	Attribute string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Model != "" && e.Attribute != "":
		msg = fmt.Sprintf("%s (%s.%s)", msg, e.Model, e.Attribute)
	case e.Model != "":
		msg = fmt.Sprintf("%s (%s)", msg, e.Model)
	case e.Attribute != "":
		msg = fmt.Sprintf("%s (%s)", msg, e.Attribute)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so callers can write errors.Is(err, dataerr.ErrAccessDenied).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidAttribute  = &Error{Code: CodeInvalidAttribute}
	ErrUnresolvedMethod  = &Error{Code: CodeUnresolvedMethod}
	ErrAccessDenied      = &Error{Code: CodeAccessDenied}
	ErrInvalidProperty   = &Error{Code: CodeInvalidProperty}
	ErrInvalidModel      = &Error{Code: CodeInvalidModel}
	ErrInvalidExpression = &Error{Code: CodeInvalidExpression}
)

func InvalidAttribute(model, attribute, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidAttribute, Model: model, Attribute: attribute, Message: fmt.Sprintf(format, args...)}
}

func UnresolvedMethod(model, method string) *Error {
	return &Error{Code: CodeUnresolvedMethod, Model: model, Attribute: method, Message: "cannot resolve method " + method + "()"}
}

func AccessDenied(model string, mask int) *Error {
	return &Error{Code: CodeAccessDenied, Model: model, Message: fmt.Sprintf("access denied (mask %d)", mask)}
}

func InvalidProperty(model, property string) *Error {
	return &Error{Code: CodeInvalidProperty, Model: model, Attribute: property, Message: "unknown property " + property}
}

func InvalidModel(model, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidModel, Model: model, Message: fmt.Sprintf(format, args...)}
}

func InvalidExpression(expr string, pos int, format string, args ...any) *Error {
	return &Error{
		Code:    CodeInvalidExpression,
		Message: fmt.Sprintf("%s at %d in %q", fmt.Sprintf(format, args...), pos, expr),
	}
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
