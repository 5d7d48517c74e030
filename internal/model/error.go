package model

// AppError is the error payload shared by the fetcher and the HTTP layer.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage"`

	URL  string `json:"url,omitempty"`
	Hint string `json:"hint,omitempty"`
}

type ErrorResponse struct {
	Error AppError `json:"error"`
}

// StatusResponse is the body of the index endpoint.
type StatusResponse struct {
	Msg string `json:"msg"`
}
