package errors_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

func TestHTTPStatusForCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code errors.ErrorCode
		want int
	}{
		{errors.ErrCodeNotFound, http.StatusNotFound},
		{errors.ErrCodeResultNotFound, http.StatusNotFound},
		{errors.ErrCodeBadRequest, http.StatusBadRequest},
		{errors.ErrCodeValidation, http.StatusUnprocessableEntity},
		{errors.ErrCodeAdjudicationTimeout, http.StatusGatewayTimeout},
		{errors.ErrCodeExtractorUnavailable, http.StatusServiceUnavailable},
		{errors.ErrCodeDBQuery, http.StatusInternalServerError},
		{errors.ErrorCode("NOPE_999"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, errors.HTTPStatusForCode(tc.code), "code %s", tc.code)
	}
}

func TestDefaultMessageForCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "coded result not found", errors.DefaultMessageForCode(errors.ErrCodeResultNotFound))
	assert.Equal(t, "unknown error", errors.DefaultMessageForCode(errors.ErrorCode("NOPE_999")))
}

func TestClientServerClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, errors.IsClientError(errors.ErrCodeBadRequest))
	assert.True(t, errors.IsClientError(errors.ErrCodeFieldPathUnknown))
	assert.False(t, errors.IsClientError(errors.ErrCodeDBConnection))

	assert.True(t, errors.IsServerError(errors.ErrCodeInternal))
	assert.True(t, errors.IsServerError(errors.ErrCodeDerivationEvidenceEmpty))
	assert.False(t, errors.IsServerError(errors.ErrCodeNotFound))
}

func TestModuleForCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code errors.ErrorCode
		want string
	}{
		{errors.ErrCodeExtractorUnavailable, "EXT"},
		{errors.ErrCodeFieldPathUnknown, "REG"},
		{errors.ErrCodeDerivationEvidenceEmpty, "DRV"},
		{errors.ErrCodeAdjudicationTimeout, "ADJ"},
		{errors.ErrCodePredictorUnavailable, "REC"},
		{errors.ErrCodeCacheMiss, "CACHE"},
		{errors.ErrorCode(""), "UNKNOWN"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, errors.ModuleForCode(tc.code))
	}
}

// Every code in the HTTP status map must also carry a default message, so that
// handler fallbacks never render an empty string.
func TestEveryMappedCodeHasMessage(t *testing.T) {
	t.Parallel()

	for code := range errors.ErrorCodeHTTPStatus {
		_, ok := errors.ErrorCodeMessage[code]
		assert.True(t, ok, "code %s has an HTTP status but no default message", code)
	}
}
