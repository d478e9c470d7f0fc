package types

import "encoding/json"

// SuccessEnvelope wraps every 2xx body the API writes.
type SuccessEnvelope struct {
	Data any `json:"data"`
}

// RawEnvelope is the decode side of SuccessEnvelope; Data is unmarshalled by
// the caller once the envelope itself has parsed.
type RawEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
