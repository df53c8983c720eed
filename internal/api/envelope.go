package api

import (
	"encoding/json"
	"fmt"
)

// envelope is the backend's response wrapper. hasError signals an
// application-level failure even when the HTTP status is 200.
type envelope[T any] struct {
	Result       T      `json:"result"`
	HasError     bool   `json:"hasError"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func decodeEnvelope[T any](payload []byte) (T, error) {
	var decoded envelope[T]
	if decodeErr := json.Unmarshal(payload, &decoded); decodeErr != nil {
		var zero T
		return zero, fmt.Errorf("api.decode_envelope: %w", decodeErr)
	}
	if decoded.HasError {
		var zero T
		return zero, &APIError{Code: decoded.ErrorCode, Message: decoded.ErrorMessage}
	}
	return decoded.Result, nil
}
