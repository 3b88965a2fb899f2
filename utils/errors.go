package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ztrue/tracerr"
)

// ArxError is a typed error with a unique code, so callers can match on the
// kind of failure with errors.Is without comparing strings.
type ArxError struct {
	Code        string
	Description string
	Details     string
}

var knownErrors = Set[string]{}

func NewArxError(code string, description string) ArxError {
	if knownErrors.Has(code) {
		panic("Duplicate error: " + code)
	}
	knownErrors.Add(code)
	return ArxError{
		Code:        code,
		Description: description,
	}
}

func (err ArxError) Error() string {
	var text = err.Code
	if err.Description != "" {
		text = text + " - " + err.Description
	}
	if err.Details != "" {
		text = text + " : " + err.Details
	}
	return text
}

func (err ArxError) Is(target error) bool {
	var arxErrorTarget ArxError
	if errors.As(target, &arxErrorTarget) {
		return arxErrorTarget.Code == err.Code
	} else {
		return false
	}
}

func (err ArxError) AddDetails(details string) ArxError {
	if err.Details != "" {
		panic("Cannot re-add details to an error")
	}
	newErr := err
	newErr.Details = details
	return newErr
}

// APIError is an error returned by the remote API. Two APIErrors match with
// errors.Is when their Status and Code are equal, which is how transport
// failures are classified for retry.
type APIError struct {
	Status  int
	Url     string
	Method  string
	Code    string
	Id      string
	Details string
	Raw     string
}

func (err APIError) Error() string {
	s := fmt.Sprintf("API Error: status: %d", err.Status)
	if err.Code != "" {
		s += "; code: " + err.Code
	}
	if err.Id != "" {
		s += "; id: " + err.Id
	}
	if err.Details != "" {
		s += "; details: " + err.Details
	}
	if err.Url != "" {
		s += "; URL: " + err.Url
	}
	if err.Method != "" {
		s += "; Method: " + err.Method
	}
	if err.Raw != "" {
		s += "; raw: " + err.Raw
	}
	return s
}

func (err APIError) Is(target error) bool {
	var apiErrorTarget APIError
	if errors.As(target, &apiErrorTarget) {
		return apiErrorTarget.Status == err.Status && apiErrorTarget.Code == err.Code
	} else {
		return false
	}
}

// IsRetryableAPIError classifies a transport failure: connectivity errors
// (status 0), timeouts (408), throttling (429) and server 5xx are retryable;
// auth expiry (401) is retryable after the auth layer refreshes the token;
// other 4xx are not.
func IsRetryableAPIError(err error) bool {
	var apiError APIError
	if !errors.As(err, &apiError) {
		return false
	}
	if apiError.Status == 0 || apiError.Status >= 500 {
		return true
	}
	switch apiError.Status {
	case 401, 408, 429:
		return true
	}
	return false
}

type SerializableError struct {
	Status      int    `json:"status"`
	Code        string `json:"code"`
	Id          string `json:"id"`
	Description string `json:"description"`
	Details     string `json:"details"`
	Raw         string `json:"raw"`
	Stack       string `json:"stack"`
}

func (e SerializableError) Error() string {
	res, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("{\"code\": \"SERIALIZATION_ERROR\": \"details\": \"%s\"}", err)
	}
	return string(res)
}

func ToSerializableError(err error) *SerializableError {
	if err == nil {
		return nil
	}
	var apiError APIError
	if errors.As(err, &apiError) {
		return &SerializableError{
			Status:  apiError.Status,
			Code:    apiError.Code,
			Id:      apiError.Id,
			Details: fmt.Sprintf("%s; %s on %s", apiError.Details, apiError.Method, apiError.Url),
			Raw:     apiError.Raw,
			Stack:   tracerr.Sprint(err),
		}
	}
	var arxError ArxError
	if errors.As(err, &arxError) {
		return &SerializableError{
			Code:        arxError.Code,
			Id:          "GOSDK_" + arxError.Code,
			Description: arxError.Description,
			Details:     arxError.Details,
			Stack:       tracerr.Sprint(err),
		}
	}
	return &SerializableError{
		Code:    "OTHER_ERROR",
		Id:      "GOSDK_OTHER_ERROR",
		Details: err.Error(),
		Stack:   tracerr.Sprint(err),
	}
}
