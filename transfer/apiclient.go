// Package transfer performs the network side of the pipeline: JSON calls to
// the remote API, streaming block uploads and downloads against pre-signed
// URLs, and the per-revision verification data cache.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// refreshMargin is how close to its expiry an access token may get before it
// is refreshed ahead of the request that would use it.
const refreshMargin = 30 * time.Second

// TokenProvider supplies per-user access tokens. RefreshAccessToken is called
// when the current token is expired or about to expire.
type TokenProvider interface {
	AccessToken(userId string) (string, error)
	RefreshAccessToken(userId string) (string, error)
}

type serverError struct {
	Code   string `json:"error_code"`
	Id     string `json:"error_id"`
	Detail string `json:"detail"`
}

type Header struct {
	Name  string
	Value string
}

type ApiClient struct {
	client        *http.Client
	ApiURL        string
	ExtraHeaders  []Header
	tokenProvider TokenProvider
	Logger        zerolog.Logger
}

func NewApiClient(apiUrl string, tokenProvider TokenProvider, extraHeaders []Header, logger zerolog.Logger) *ApiClient {
	var url string
	if strings.HasSuffix(apiUrl, "/") {
		url = apiUrl[:len(apiUrl)-1]
	} else {
		url = apiUrl
	}

	return &ApiClient{
		client:        &http.Client{},
		ApiURL:        url,
		ExtraHeaders:  extraHeaders,
		tokenProvider: tokenProvider,
		Logger:        logger,
	}
}

// tokenIsExpiring inspects a JWT's exp claim without verifying the signature
// (the server does that); a token without an exp claim never expires
// client-side.
func tokenIsExpiring(token string) bool {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return true
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return false
	}
	return time.Until(expiry.Time) < refreshMargin
}

func (apiClient *ApiClient) bearerToken(userId string) (string, error) {
	token, err := apiClient.tokenProvider.AccessToken(userId)
	if err != nil {
		return "", err
	}
	if tokenIsExpiring(token) {
		apiClient.Logger.Debug().Str("user", userId).Msg("access token expiring, refreshing")
		token, err = apiClient.tokenProvider.RefreshAccessToken(userId)
		if err != nil {
			return "", err
		}
	}
	return token, nil
}

func (apiClient *ApiClient) MakeRequest(ctx context.Context, userId string, method string, url string, requestBody []byte, headers []Header, expectedStatusCode int) ([]byte, error) {
	if apiClient.client == nil {
		apiClient.client = &http.Client{}
	}

	var req *http.Request
	var err error
	if requestBody != nil {
		data := bytes.NewBuffer(requestBody)
		req, err = http.NewRequestWithContext(ctx, method, apiClient.ApiURL+url, data)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, apiClient.ApiURL+url, nil) // cannot use a typed `nil`, otherwise it panics...
	}
	if err != nil {
		return nil, utils.APIError{Status: 0, Code: "REQUEST_ERROR", Details: err.Error(), Method: method, Url: apiClient.ApiURL + url}
	}

	req.Header.Add("Accept", "application/json")
	req.Header.Add("Content-Type", "application/json")

	for i := 0; i < len(apiClient.ExtraHeaders); i++ {
		req.Header.Add(apiClient.ExtraHeaders[i].Name, apiClient.ExtraHeaders[i].Value)
	}

	for i := 0; i < len(headers); i++ {
		req.Header.Add(headers[i].Name, headers[i].Value)
	}

	if apiClient.tokenProvider != nil {
		token, err := apiClient.bearerToken(userId)
		if err != nil {
			return nil, utils.APIError{Status: 0, Code: "AUTH_ERROR", Details: err.Error(), Method: method, Url: req.URL.String()}
		}
		req.Header.Add("Authorization", "Bearer "+token)
	}

	apiClient.Logger.Debug().Msg("API call: " + method + " " + req.URL.String())
	apiClient.Logger.Trace().Msg(fmt.Sprintf("Request body: %s", requestBody))
	resp, err := apiClient.client.Do(req)
	if err != nil {
		return nil, utils.APIError{Status: 0, Code: "NETWORK_ERROR", Details: err.Error(), Method: method, Url: req.URL.String()}
	}

	defer func(Body io.ReadCloser) {
		closeErr := Body.Close()
		if closeErr != nil {
			apiClient.Logger.Warn().Err(closeErr).Msg("could not close response body")
		}
	}(resp.Body)
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.APIError{Status: 0, Code: "RESPONSE_READER_ERROR", Details: err.Error(), Method: method, Url: req.URL.String()}
	}

	apiClient.Logger.Debug().Msg(fmt.Sprintf("Received response to %s %s, status code: %d", req.Method, req.URL.String(), resp.StatusCode))
	apiClient.Logger.Trace().Msg(fmt.Sprintf("Response body: %s", responseBody))
	if resp.StatusCode != expectedStatusCode {
		var responseServerError serverError
		err = json.Unmarshal(responseBody, &responseServerError)
		if err != nil || responseServerError.Code == "" {
			return nil, utils.APIError{Status: resp.StatusCode, Code: "UNKNOWN", Raw: string(responseBody), Method: method, Url: req.URL.String()}
		} else {
			return nil, utils.APIError{
				Status:  resp.StatusCode,
				Code:    responseServerError.Code,
				Id:      responseServerError.Id,
				Details: responseServerError.Detail,
				Url:     req.URL.String(),
				Method:  method,
				Raw:     string(responseBody),
			}
		}
	}

	return responseBody, nil
}
