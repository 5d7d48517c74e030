package fetch

import (
	"errors"
	"fmt"

	"github.com/John-Robertt/subbridge/internal/model"
)

// Kind classifies a terminal fetch failure.
type Kind int

const (
	KindInvalidURL Kind = iota + 1
	KindNetwork
	KindHTTP
	KindMalformedDocument
	KindMissingProxies
)

func (k Kind) String() string {
	switch k {
	case KindInvalidURL:
		return "invalid_url"
	case KindNetwork:
		return "network"
	case KindHTTP:
		return "http_status"
	case KindMalformedDocument:
		return "malformed_document"
	case KindMissingProxies:
		return "missing_proxies"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Every *FetchError matches exactly one of them.
var (
	ErrInvalidURL        = errors.New("invalid subscription url")
	ErrNetwork           = errors.New("network error")
	ErrHTTPStatus        = errors.New("unexpected http status")
	ErrMalformedDocument = errors.New("malformed subscription document")
	ErrMissingProxies    = errors.New("subscription document has no proxies field")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidURL:
		return ErrInvalidURL
	case KindNetwork:
		return ErrNetwork
	case KindHTTP:
		return ErrHTTPStatus
	case KindMalformedDocument:
		return ErrMalformedDocument
	case KindMissingProxies:
		return ErrMissingProxies
	default:
		return nil
	}
}

const (
	stageFetch    = "fetch_sub"
	stageValidate = "validate_sub"
)

type FetchError struct {
	Kind Kind
	// Status is the upstream HTTP status code. Only set for KindHTTP.
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

func (e *FetchError) Is(target error) bool {
	return e != nil && target != nil && target == e.Kind.sentinel()
}

func invalidURLError(rawURL string, cause error) *FetchError {
	return &FetchError{
		Kind: KindInvalidURL,
		AppError: model.AppError{
			Code:    "INVALID_ARGUMENT",
			Message: "只接受 http/https 订阅链接",
			Stage:   stageFetch,
			URL:     rawURL,
		},
		Cause: cause,
	}
}

func networkError(rawURL string, cause error) *FetchError {
	return &FetchError{
		Kind: KindNetwork,
		AppError: model.AppError{
			Code:    "FETCH_FAILED",
			Message: "下载订阅失败",
			Stage:   stageFetch,
			URL:     rawURL,
		},
		Cause: cause,
	}
}

func httpStatusError(rawURL string, status int) *FetchError {
	return &FetchError{
		Kind:   KindHTTP,
		Status: status,
		AppError: model.AppError{
			Code:    "FETCH_HTTP_STATUS",
			Message: fmt.Sprintf("上游返回非 2xx 状态码：%d", status),
			Stage:   stageFetch,
			URL:     rawURL,
		},
	}
}

func malformedError(rawURL string, cause error) *FetchError {
	return &FetchError{
		Kind: KindMalformedDocument,
		AppError: model.AppError{
			Code:    "SUB_PARSE_ERROR",
			Message: "订阅内容不是合法 YAML",
			Stage:   stageValidate,
			URL:     rawURL,
		},
		Cause: cause,
	}
}

func missingProxiesError(rawURL string) *FetchError {
	return &FetchError{
		Kind: KindMissingProxies,
		AppError: model.AppError{
			Code:    "SUB_MISSING_PROXIES",
			Message: "订阅内容不包含 'proxies' 字段",
			Stage:   stageValidate,
			URL:     rawURL,
			Hint:    "expected a YAML mapping with a top-level proxies key",
		},
	}
}
