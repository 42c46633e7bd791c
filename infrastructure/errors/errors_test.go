package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(ErrCodeConfigMissing, "test message", http.StatusInternalServerError),
			want: "[CFG_1001] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(ErrCodeStoreUnavailable, "test message", http.StatusServiceUnavailable, errors.New("underlying")),
			want: "[STORE_3001] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrCodeStoreUnavailable, "test", http.StatusServiceUnavailable, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := New(ErrCodeInvalidInput, "test", http.StatusBadRequest)
	err.WithDetails("field", "timelock").WithDetails("reason", "must be in the future")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["field"] != "timelock" {
		t.Errorf("Details[field] = %v, want timelock", err.Details["field"])
	}
	if err.Details["reason"] != "must be in the future" {
		t.Errorf("Details[reason] = %v, want must be in the future", err.Details["reason"])
	}
}

func TestConfigMissing(t *testing.T) {
	err := ConfigMissing("postgres.host")

	if err.Code != ErrCodeConfigMissing {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConfigMissing)
	}
	if err.Details["field"] != "postgres.host" {
		t.Errorf("Details[field] = %v, want postgres.host", err.Details["field"])
	}
}

func TestConfigInvalid(t *testing.T) {
	err := ConfigInvalid("postgres.port", "out of range")

	if err.Code != ErrCodeConfigInvalid {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConfigInvalid)
	}
}

func TestInvalidInput(t *testing.T) {
	err := InvalidInput("amount", "must be positive")

	if err.Code != ErrCodeInvalidInput {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidInput)
	}
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}
	if err.Details["field"] != "amount" {
		t.Errorf("Details[field] = %v, want amount", err.Details["field"])
	}
}

func TestMissingParameter(t *testing.T) {
	err := MissingParameter("hashlock")

	if err.Code != ErrCodeMissingParameter {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeMissingParameter)
	}
	if err.Details["parameter"] != "hashlock" {
		t.Errorf("Details[parameter] = %v, want hashlock", err.Details["parameter"])
	}
}

func TestOutOfRange(t *testing.T) {
	err := OutOfRange("retry_count", 0, 10)

	if err.Code != ErrCodeOutOfRange {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeOutOfRange)
	}
	if err.Details["min"] != 0 {
		t.Errorf("Details[min] = %v, want 0", err.Details["min"])
	}
	if err.Details["max"] != 10 {
		t.Errorf("Details[max] = %v, want 10", err.Details["max"])
	}
}

func TestStoreUnavailable(t *testing.T) {
	underlying := errors.New("connection refused")
	err := StoreUnavailable("insert_relay", underlying)

	if err.Code != ErrCodeStoreUnavailable {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeStoreUnavailable)
	}
	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestStoreTimeout(t *testing.T) {
	underlying := errors.New("context deadline exceeded")
	err := StoreTimeout("select_relay", underlying)

	if err.Code != ErrCodeStoreTimeout {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeStoreTimeout)
	}
}

func TestStoreConstraint(t *testing.T) {
	underlying := errors.New("duplicate key")
	err := StoreConstraint("relay_attempts_relay_id_attempt_number_key", underlying)

	if err.Code != ErrCodeStoreConstraint {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeStoreConstraint)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("relay", "123")

	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
	if err.Details["resource"] != "relay" {
		t.Errorf("Details[resource] = %v, want relay", err.Details["resource"])
	}
}

func TestAlreadyExists(t *testing.T) {
	err := AlreadyExists("relay", "123")

	if err.Code != ErrCodeAlreadyExists {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeAlreadyExists)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestChainTransient(t *testing.T) {
	underlying := errors.New("rpc timeout")

	tests := []struct {
		class ChainErrorClass
		want  ErrorCode
	}{
		{ChainErrorRateLimit, ErrCodeChainRateLimit},
		{ChainErrorTimeout, ErrCodeChainTimeout},
		{ChainErrorConnection, ErrCodeChainConnection},
		{ChainErrorServiceUnavailable, ErrCodeChainServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			err := ChainTransient(tt.class, "lock_target", underlying)
			if err.Code != tt.want {
				t.Errorf("Code = %v, want %v", err.Code, tt.want)
			}
			if err.Details["class"] != string(tt.class) {
				t.Errorf("Details[class] = %v, want %v", err.Details["class"], tt.class)
			}
		})
	}
}

func TestChainReject(t *testing.T) {
	underlying := errors.New("wrong preimage")
	err := ChainReject("reveal_secret", underlying)

	if err.Code != ErrCodeChainReject {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeChainReject)
	}
}

func TestTimelockExpired(t *testing.T) {
	err := TimelockExpired("relay-1")

	if err.Code != ErrCodeTimelockExpired {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeTimelockExpired)
	}
	if err.Details["relay_id"] != "relay-1" {
		t.Errorf("Details[relay_id] = %v, want relay-1", err.Details["relay_id"])
	}
}

func TestInternalInvariant(t *testing.T) {
	err := InternalInvariant("attempt_number must be monotonic")

	if err.Code != ErrCodeInternalInvariant {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInternalInvariant)
	}
}

func TestIsServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"service error", New(ErrCodeInternalInvariant, "test", http.StatusInternalServerError), true},
		{"standard error", errors.New("standard error"), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServiceError(tt.err); got != tt.want {
				t.Errorf("IsServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetServiceError(t *testing.T) {
	serviceErr := New(ErrCodeInternalInvariant, "test", http.StatusInternalServerError)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *ServiceError
	}{
		{"service error", serviceErr, serviceErr},
		{"standard error", standardErr, nil},
		{"nil error", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetServiceError(tt.err)
			if got != tt.want {
				t.Errorf("GetServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"service error", New(ErrCodeNotFound, "test", http.StatusNotFound), http.StatusNotFound},
		{"standard error", errors.New("standard error"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyChainError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ChainErrorClass
	}{
		{"rate limit", ChainTransient(ChainErrorRateLimit, "op", errors.New("x")), ChainErrorRateLimit},
		{"timeout", ChainTransient(ChainErrorTimeout, "op", errors.New("x")), ChainErrorTimeout},
		{"reject", ChainReject("op", errors.New("x")), ChainErrorReject},
		{"non-service error", errors.New("unclassified"), ChainErrorUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyChainError(tt.err); got != tt.want {
				t.Errorf("ClassifyChainError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChainErrorClassRetryable(t *testing.T) {
	tests := []struct {
		class ChainErrorClass
		want  bool
	}{
		{ChainErrorRateLimit, true},
		{ChainErrorTimeout, true},
		{ChainErrorConnection, true},
		{ChainErrorServiceUnavailable, true},
		{ChainErrorReject, false},
		{ChainErrorUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			if got := tt.class.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
