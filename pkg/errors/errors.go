// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package errors defines the machine-readable error codes shared by every
// PatchFile component.
//
// Codes are dotted strings whose last segment is the reason
// ("patch.not_found", "security.permission"). Errors built here carry the
// code and structured fields through samber/oops so the request boundary
// can map any error to a response code without type switches.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodePatchParse     Code = "patch.parse"
	CodePatchNotFound  Code = "patch.not_found"
	CodePatchAmbiguous Code = "patch.ambiguous"
	CodePatchConflict  Code = "patch.conflict"
	CodePatchIO        Code = "patch.io"

	CodeSecurityInvalidPath Code = "security.invalid_path"
	CodeSecurityPermission  Code = "security.permission"
	CodeSecurityBinaryFile  Code = "security.binary_file"
	CodeSecurityPrivilege   Code = "security.privilege"

	CodeQAToolTimeout   Code = "qa.tool_timeout"
	CodeQAToolExecution Code = "qa.tool_execution"

	CodeConfigInvalid Code = "config.invalid"

	CodeVersioningGit Code = "versioning.git"

	CodeServerRequestInvalid Code = "server.request.invalid"
	CodeServerBusy           Code = "server.busy"
	CodeServerInternal       Code = "server.internal"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldPath(value string) Attr {
	return Field("path", value)
}

func FieldBlock(index int) Attr {
	return Field("block_index", index)
}

func FieldTool(value string) Attr {
	return Field("tool", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

// Wrap attaches code and fields to err. A nil err stays nil.
func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

// WithCode tags err with code without changing its message. Typed errors
// stay reachable through errors.As.
func WithCode(err error, code Code, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

// CodeOf returns the code attached to err's chain, or "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	case nil:
		return ""
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

// FieldsOf returns the structured context attached to err.
func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsParse(err error) bool       { return HasCode(err, CodePatchParse) }
func IsNotFound(err error) bool    { return reason(CodeOf(err)) == "not_found" }
func IsAmbiguous(err error) bool   { return HasCode(err, CodePatchAmbiguous) }
func IsConflict(err error) bool    { return reason(CodeOf(err)) == "conflict" }
func IsPrivilege(err error) bool   { return HasCode(err, CodeSecurityPrivilege) }
func IsToolTimeout(err error) bool { return HasCode(err, CodeQAToolTimeout) }

// IsPermission reports sandbox and binary-file rejections.
func IsPermission(err error) bool {
	code := CodeOf(err)
	return code == CodeSecurityPermission || code == CodeSecurityBinaryFile || code == CodeSecurityInvalidPath
}

func IsToolExecution(err error) bool { return HasCode(err, CodeQAToolExecution) }

// IsPatchCorrectness reports the errors a caller can fix by resubmitting a
// different patch.
func IsPatchCorrectness(err error) bool {
	code := CodeOf(err)
	return code == CodePatchParse || code == CodePatchNotFound || code == CodePatchAmbiguous
}

// HTTPStatus maps an error code to the status used by the HTTP surface.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsPermission(err), IsPrivilege(err):
		return http.StatusForbidden
	case IsConflict(err):
		return http.StatusConflict
	case IsPatchCorrectness(err), HasCode(err, CodeServerRequestInvalid):
		return http.StatusUnprocessableEntity
	case HasCode(err, CodeServerBusy):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return oops.Code(CodeServerInternal).Wrap(joined)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}
	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
