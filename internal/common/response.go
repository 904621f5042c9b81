package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the payload under "error" in every API error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// fallbackBody is sent when a response value cannot be encoded.
var fallbackBody = []byte(`{"error":{"code":"INTERNAL","message":"response encoding failed"}}`)

// JSON writes v with the given status. v is encoded before anything reaches
// w, so an encoding failure yields a 500 rather than a truncated body.
func JSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status, body = http.StatusInternalServerError, fallbackBody
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// JSONError writes {"error":{code,message,details}}.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, errorEnvelope{Error: ErrorBody{Code: code, Message: message, Details: details}})
}
