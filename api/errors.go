package api

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"

	"github.com/vocdoni/stx-mixer-relayer/log"
)

// Error is used by handler functions to wrap errors, assigning a unique error code
// and also specifying which HTTP Status should be used.
type Error struct {
	Err        error
	Code       int
	HTTPstatus int
	// Fields are added to the JSON body, e.g. the current root of a stale
	// root error.
	Fields map[string]any
}

// MarshalJSON returns a JSON containing Err.Error(), Code and the extra
// fields. Field HTTPstatus is ignored.
//
// Example output: {"success":false,"error":"stale root","code":40901,"currentRoot":"1c9a..."}
func (e Error) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(e.Fields)+3)
	maps.Copy(body, e.Fields)
	body["success"] = false
	body["error"] = e.Err.Error()
	body["code"] = e.Code
	return json.Marshal(body)
}

// Error returns the Message contained inside the APIerror
func (e Error) Error() string {
	return e.Err.Error()
}

// Write serializes a JSON msg using APIerror.Message and APIerror.Code
// and passes that to ctx.Send()
func (e Error) Write(w http.ResponseWriter) {
	msg, err := json.Marshal(e)
	if err != nil {
		log.Warn(err)
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	if log.Level() == log.LogLevelDebug {
		log.Debugw("API error response", "error", e.Error(), "code", e.Code, "httpStatus", e.HTTPstatus)
	}
	// set the content type to JSON
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.HTTPstatus)
	if _, err := w.Write(append(msg, '\n')); err != nil {
		log.Warnw("failed to write on response", "error", err)
	}
}

// Withf returns a copy of APIerror with the Sprintf formatted string appended at the end of e.Err
func (e Error) Withf(format string, args ...any) Error {
	return e.With(fmt.Sprintf(format, args...))
}

// With returns a copy of APIerror with the string appended at the end of e.Err
func (e Error) With(s string) Error {
	return Error{
		Err:        fmt.Errorf("%w: %v", e.Err, s),
		Code:       e.Code,
		HTTPstatus: e.HTTPstatus,
		Fields:     e.Fields,
	}
}

// WithErr returns a copy of APIerror with err.Error() appended at the end of e.Err
func (e Error) WithErr(err error) Error {
	return e.With(err.Error())
}

// WithField returns a copy of APIerror with an extra field in the JSON body.
func (e Error) WithField(key string, value any) Error {
	fields := make(map[string]any, len(e.Fields)+1)
	maps.Copy(fields, e.Fields)
	fields[key] = value
	e.Fields = fields
	return e
}
