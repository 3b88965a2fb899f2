package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	t.Run("ArxError", func(t *testing.T) {
		// Create errors
		ArxError1 := NewArxError("TEST_ERROR_1", "ArxError1")
		ArxError2 := NewArxError("TEST_ERROR_2", "ArxError2")

		// Instantiate errors
		arxError1a := ArxError1.AddDetails("a")
		arxError1b := ArxError1.AddDetails("b")
		arxError2a := ArxError2.AddDetails("a")

		assert.ErrorIs(t, arxError1a, ArxError1) // proper use of Is
		assert.ErrorIs(t, arxError1a, arxError1b)
		assert.NotErrorIs(t, arxError1a, ArxError2)
		assert.NotErrorIs(t, arxError1a, arxError2a)

		assert.Equal(t, "TEST_ERROR_1 - ArxError1 : a", arxError1a.Error())
		assert.Equal(t, "TEST_ERROR_1 - ArxError1", ArxError1.Error())

		assert.NotErrorIs(t, arxError1a, errors.New("ArxError1"))

		_ = NewArxError("TEST_DUPLICATE_ERROR", "duplicate error")
		assert.Panics(t, func() {
			_ = NewArxError("TEST_DUPLICATE_ERROR", "duplicate error")
		})
	})
	t.Run("APIError", func(t *testing.T) {
		apiError404 := APIError{Status: 404, Code: "CODE404", Id: "ID404", Details: "details"}
		apiError500 := APIError{Status: 500, Code: "CODE500", Id: "ID500", Details: "details"}
		apiErrorOther404 := APIError{Status: 404, Code: "CODE404"}
		apiErrorDifferent404 := APIError{Status: 404, Code: "CODE404_2", Id: "ID404_2", Details: "details"}

		assert.ErrorIs(t, apiError404, apiErrorOther404)
		assert.NotErrorIs(t, apiErrorDifferent404, apiErrorOther404)
		assert.NotErrorIs(t, apiError404, apiError500)

		assert.Equal(t, "API Error: status: 404; code: CODE404; id: ID404; details: details", apiError404.Error())
		assert.Equal(t, "API Error: status: 404; code: CODE404", apiErrorOther404.Error())

		assert.NotErrorIs(t, apiError404, errors.New("CODE404"))
	})
	t.Run("IsRetryableAPIError", func(t *testing.T) {
		assert.True(t, IsRetryableAPIError(APIError{Status: 0, Code: "NETWORK_ERROR"}))
		assert.True(t, IsRetryableAPIError(APIError{Status: 500}))
		assert.True(t, IsRetryableAPIError(APIError{Status: 503}))
		assert.True(t, IsRetryableAPIError(APIError{Status: 408}))
		assert.True(t, IsRetryableAPIError(APIError{Status: 429}))
		assert.True(t, IsRetryableAPIError(APIError{Status: 401}))
		assert.False(t, IsRetryableAPIError(APIError{Status: 400}))
		assert.False(t, IsRetryableAPIError(APIError{Status: 404}))
		assert.False(t, IsRetryableAPIError(APIError{Status: 422}))
		assert.False(t, IsRetryableAPIError(errors.New("not an api error")))
	})
}
