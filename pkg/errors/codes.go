package errors

import (
	"net/http"
	"strings"
)

// ErrorCode is a string representation of a specific error condition.
// The prefix before the first underscore names the owning module.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common error codes
const (
	ErrCodeInternal           ErrorCode = "CMN_001"
	ErrCodeBadRequest         ErrorCode = "CMN_002"
	ErrCodeNotFound           ErrorCode = "CMN_003"
	ErrCodeConflict           ErrorCode = "CMN_004"
	ErrCodeTooManyRequests    ErrorCode = "CMN_005"
	ErrCodeServiceUnavailable ErrorCode = "CMN_006"
	ErrCodeTimeout            ErrorCode = "CMN_007"
	ErrCodeValidation         ErrorCode = "CMN_008"
	ErrCodeSerialization      ErrorCode = "CMN_009"
	ErrCodeFeatureDisabled    ErrorCode = "CMN_010"
	ErrCodeNotImplemented     ErrorCode = "CMN_011"
	ErrCodeUnknown            ErrorCode = "CMN_000"
)

// Extraction module error codes
const (
	ErrCodeExtractorUnavailable ErrorCode = "EXT_001"
	ErrCodeExtractorMalformed   ErrorCode = "EXT_002"
	ErrCodeExtractionFailed     ErrorCode = "EXT_003"
	ErrCodeLabelUnknown         ErrorCode = "EXT_004"
)

// Registry module error codes
const (
	ErrCodeFieldPathUnknown      ErrorCode = "REG_001"
	ErrCodeRecordFrozen          ErrorCode = "REG_002"
	ErrCodeEvidenceSpanInvalid   ErrorCode = "REG_003"
	ErrCodeEvidenceMissing       ErrorCode = "REG_004"
	ErrCodeSchemaVersionUnknown  ErrorCode = "REG_005"
	ErrCodeNoteCorrupt           ErrorCode = "REG_006"
	ErrCodeCandidateValueInvalid ErrorCode = "REG_007"
)

// Derivation module error codes
const (
	ErrCodeDerivationEvidenceEmpty ErrorCode = "DRV_001"
	ErrCodeBillingCodeUnknown      ErrorCode = "DRV_002"
	ErrCodeCatalogInvalid          ErrorCode = "DRV_003"
)

// Adjudication (corrective pass) module error codes
const (
	ErrCodeAdjudicationDisabled    ErrorCode = "ADJ_001"
	ErrCodeAdjudicationTimeout     ErrorCode = "ADJ_002"
	ErrCodeAdjudicationFailed      ErrorCode = "ADJ_003"
	ErrCodePatchWithoutEvidence    ErrorCode = "ADJ_004"
	ErrCodeAdjudicationExhausted   ErrorCode = "ADJ_005"
	ErrCodeVerdictMalformed        ErrorCode = "ADJ_006"
	ErrCodeAdjudicationUnavailable ErrorCode = "ADJ_007"
)

// Reconciliation module error codes
const (
	ErrCodePredictorUnavailable ErrorCode = "REC_001"
	ErrCodePredictorMalformed   ErrorCode = "REC_002"
)

// Model serving error codes
const (
	ErrCodeServingUnavailable ErrorCode = "SRV_001"
	ErrCodeInferenceFailed    ErrorCode = "SRV_002"
	ErrCodeResponseMalformed  ErrorCode = "SRV_003"
	ErrCodeModelNotRegistered ErrorCode = "SRV_004"
)

// Infrastructure error codes
const (
	ErrCodeDBConnection   ErrorCode = "DB_001"
	ErrCodeDBQuery        ErrorCode = "DB_002"
	ErrCodeDBMigration    ErrorCode = "DB_003"
	ErrCodeResultNotFound ErrorCode = "DB_004"

	ErrCodeCacheMiss  ErrorCode = "CACHE_001"
	ErrCodeCacheError ErrorCode = "CACHE_002"

	ErrCodeMQPublish ErrorCode = "MQ_001"
	ErrCodeMQConsume ErrorCode = "MQ_002"

	ErrCodeSearchIndex ErrorCode = "SRCH_001"
	ErrCodeSearchQuery ErrorCode = "SRCH_002"

	ErrCodeObjectStore ErrorCode = "STORE_001"

	ErrCodeGraphQuery ErrorCode = "GRAPH_001"
	ErrCodeGraphSync  ErrorCode = "GRAPH_002"

	ErrCodeConfigInvalid ErrorCode = "CFG_001"
	ErrCodeConfigLoad    ErrorCode = "CFG_002"
)

// Aliases used pervasively at call sites.
const (
	CodeOK             = ErrorCode("OK")
	CodeInternal       = ErrCodeInternal
	CodeInvalidParam   = ErrCodeBadRequest
	CodeNotFound       = ErrCodeNotFound
	CodeConflict       = ErrCodeConflict
	CodeRateLimit      = ErrCodeTooManyRequests
	CodeNotImplemented = ErrCodeNotImplemented

	CodeDBConnectionError = ErrCodeDBConnection
	CodeDBQueryError      = ErrCodeDBQuery
	CodeCacheError        = ErrCodeCacheError
)

// ErrorCodeHTTPStatus maps ErrorCodes to HTTP status codes.
var ErrorCodeHTTPStatus = map[ErrorCode]int{
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeTooManyRequests:    http.StatusTooManyRequests,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeTimeout:            http.StatusGatewayTimeout,
	ErrCodeValidation:         http.StatusUnprocessableEntity,
	ErrCodeSerialization:      http.StatusInternalServerError,
	ErrCodeFeatureDisabled:    http.StatusForbidden,
	ErrCodeNotImplemented:     http.StatusNotImplemented,
	ErrCodeUnknown:            http.StatusInternalServerError,

	ErrCodeExtractorUnavailable: http.StatusServiceUnavailable,
	ErrCodeExtractorMalformed:   http.StatusBadGateway,
	ErrCodeExtractionFailed:     http.StatusInternalServerError,
	ErrCodeLabelUnknown:         http.StatusBadGateway,

	ErrCodeFieldPathUnknown:      http.StatusBadRequest,
	ErrCodeRecordFrozen:          http.StatusConflict,
	ErrCodeEvidenceSpanInvalid:   http.StatusUnprocessableEntity,
	ErrCodeEvidenceMissing:       http.StatusUnprocessableEntity,
	ErrCodeSchemaVersionUnknown:  http.StatusInternalServerError,
	ErrCodeNoteCorrupt:           http.StatusBadRequest,
	ErrCodeCandidateValueInvalid: http.StatusUnprocessableEntity,

	ErrCodeDerivationEvidenceEmpty: http.StatusInternalServerError,
	ErrCodeBillingCodeUnknown:      http.StatusNotFound,
	ErrCodeCatalogInvalid:          http.StatusInternalServerError,

	ErrCodeAdjudicationDisabled:    http.StatusServiceUnavailable,
	ErrCodeAdjudicationTimeout:     http.StatusGatewayTimeout,
	ErrCodeAdjudicationFailed:      http.StatusBadGateway,
	ErrCodePatchWithoutEvidence:    http.StatusUnprocessableEntity,
	ErrCodeAdjudicationExhausted:   http.StatusServiceUnavailable,
	ErrCodeVerdictMalformed:        http.StatusBadGateway,
	ErrCodeAdjudicationUnavailable: http.StatusServiceUnavailable,

	ErrCodePredictorUnavailable: http.StatusServiceUnavailable,
	ErrCodePredictorMalformed:   http.StatusBadGateway,

	ErrCodeServingUnavailable: http.StatusServiceUnavailable,
	ErrCodeInferenceFailed:    http.StatusBadGateway,
	ErrCodeResponseMalformed:  http.StatusBadGateway,
	ErrCodeModelNotRegistered: http.StatusNotFound,

	ErrCodeDBConnection:   http.StatusInternalServerError,
	ErrCodeDBQuery:        http.StatusInternalServerError,
	ErrCodeDBMigration:    http.StatusInternalServerError,
	ErrCodeResultNotFound: http.StatusNotFound,
	ErrCodeCacheMiss:      http.StatusNotFound,
	ErrCodeCacheError:     http.StatusInternalServerError,
	ErrCodeMQPublish:      http.StatusInternalServerError,
	ErrCodeMQConsume:      http.StatusInternalServerError,
	ErrCodeSearchIndex:    http.StatusInternalServerError,
	ErrCodeSearchQuery:    http.StatusInternalServerError,
	ErrCodeObjectStore:    http.StatusInternalServerError,
	ErrCodeGraphQuery:     http.StatusInternalServerError,
	ErrCodeGraphSync:      http.StatusInternalServerError,
	ErrCodeConfigInvalid:  http.StatusInternalServerError,
	ErrCodeConfigLoad:     http.StatusInternalServerError,
}

// ErrorCodeMessage maps ErrorCodes to default messages.
var ErrorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:           "internal server error",
	ErrCodeBadRequest:         "bad request",
	ErrCodeNotFound:           "resource not found",
	ErrCodeConflict:           "resource conflict",
	ErrCodeTooManyRequests:    "too many requests",
	ErrCodeServiceUnavailable: "service unavailable",
	ErrCodeTimeout:            "request timeout",
	ErrCodeValidation:         "validation failed",
	ErrCodeSerialization:      "serialization failed",
	ErrCodeFeatureDisabled:    "feature disabled",
	ErrCodeNotImplemented:     "not implemented",
	ErrCodeUnknown:            "unknown error",

	ErrCodeExtractorUnavailable: "extractor unavailable",
	ErrCodeExtractorMalformed:   "extractor output failed to map onto the registry schema",
	ErrCodeExtractionFailed:     "extraction failed",
	ErrCodeLabelUnknown:         "unknown extraction label",

	ErrCodeFieldPathUnknown:      "unknown registry field path",
	ErrCodeRecordFrozen:          "registry record is frozen",
	ErrCodeEvidenceSpanInvalid:   "evidence span offsets are invalid",
	ErrCodeEvidenceMissing:       "performed field carries no evidence",
	ErrCodeSchemaVersionUnknown:  "unsupported registry schema version",
	ErrCodeNoteCorrupt:           "note text cannot be processed",
	ErrCodeCandidateValueInvalid: "candidate value has wrong type for field",

	ErrCodeDerivationEvidenceEmpty: "derived code has no supporting evidence",
	ErrCodeBillingCodeUnknown:      "billing code not in catalog",
	ErrCodeCatalogInvalid:          "billing code catalog is invalid",

	ErrCodeAdjudicationDisabled:    "corrective adjudication disabled",
	ErrCodeAdjudicationTimeout:     "corrective adjudication timed out",
	ErrCodeAdjudicationFailed:      "corrective adjudication call failed",
	ErrCodePatchWithoutEvidence:    "adjudication patch carries no evidence",
	ErrCodeAdjudicationExhausted:   "corrective adjudication concurrency exhausted",
	ErrCodeVerdictMalformed:        "adjudication verdict is malformed",
	ErrCodeAdjudicationUnavailable: "corrective adjudication unavailable",

	ErrCodePredictorUnavailable: "secondary code predictor unavailable",
	ErrCodePredictorMalformed:   "secondary predictor output is malformed",

	ErrCodeServingUnavailable: "model serving unavailable",
	ErrCodeInferenceFailed:    "model inference failed",
	ErrCodeResponseMalformed:  "model response is malformed",
	ErrCodeModelNotRegistered: "model not registered",

	ErrCodeDBConnection:   "database connection error",
	ErrCodeDBQuery:        "database query error",
	ErrCodeDBMigration:    "database migration error",
	ErrCodeResultNotFound: "coded result not found",
	ErrCodeCacheMiss:      "cache miss",
	ErrCodeCacheError:     "cache error",
	ErrCodeMQPublish:      "message publish failed",
	ErrCodeMQConsume:      "message consume failed",
	ErrCodeSearchIndex:    "search indexing failed",
	ErrCodeSearchQuery:    "search query failed",
	ErrCodeObjectStore:    "object storage error",
	ErrCodeGraphQuery:     "graph query failed",
	ErrCodeGraphSync:      "graph synchronization failed",
	ErrCodeConfigInvalid:  "invalid configuration",
	ErrCodeConfigLoad:     "failed to load configuration",
}

// HTTPStatusForCode returns the HTTP status code for an ErrorCode.
func HTTPStatusForCode(code ErrorCode) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DefaultMessageForCode returns the default message for an ErrorCode.
func DefaultMessageForCode(code ErrorCode) string {
	if msg, ok := ErrorCodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}

// IsClientError returns true if the ErrorCode maps to a 4xx HTTP status.
func IsClientError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 400 && status < 500
}

// IsServerError returns true if the ErrorCode maps to a 5xx HTTP status.
func IsServerError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 500 && status < 600
}

// ModuleForCode returns the module prefix of an ErrorCode.
func ModuleForCode(code ErrorCode) string {
	parts := strings.Split(string(code), "_")
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "UNKNOWN"
}
