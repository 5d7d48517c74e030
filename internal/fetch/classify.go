package fetch

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
)

// failureClass says how the retry loop treats a transport error.
type failureClass int

const (
	// classTerminal errors are never retried.
	classTerminal failureClass = iota
	// classTLS covers certificate and handshake failures.
	classTLS
	// classConnect covers dial, DNS and dropped-connection failures.
	classConnect
)

func (c failureClass) outcome() string {
	switch c {
	case classTLS:
		return "tls"
	case classConnect:
		return "connect"
	default:
		return "error"
	}
}

func classify(err error) failureClass {
	switch {
	case err == nil:
		return classTerminal
	case errors.Is(err, errTooManyRedirects), errors.Is(err, errRedirectBadScheme):
		return classTerminal
	case isConnectTimeout(err):
		return classConnect
	case isTLSError(err):
		return classTLS
	case isConnectError(err):
		return classConnect
	default:
		return classTerminal
	}
}

func isTLSError(err error) bool {
	var (
		verifyErr  *tls.CertificateVerificationError
		authErr    x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		alertErr   tls.AlertError
		recordErr  tls.RecordHeaderError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &authErr) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &recordErr)
}

func isConnectError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// A dial that timed out is still a connection failure; a read that
		// timed out after connecting is not.
		if opErr.Op == "dial" {
			return true
		}
		return !opErr.Timeout()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// Server closed the connection before sending a response.
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// connectTimeoutError is a timeout hit before the connection, including its
// TLS handshake, was ready to carry the request.
type connectTimeoutError struct {
	err error
}

func (e *connectTimeoutError) Error() string { return "connect timeout: " + e.err.Error() }
func (e *connectTimeoutError) Unwrap() error { return e.err }
func (e *connectTimeoutError) Timeout() bool { return true }

func isConnectTimeout(err error) bool {
	var cte *connectTimeoutError
	return errors.As(err, &cte)
}

// isTimeout reports whether any error in the chain is a timeout. url.Error
// only looks one level down, so walk the chain.
func isTimeout(err error) bool {
	for err != nil {
		if t, ok := err.(interface{ Timeout() bool }); ok && t.Timeout() {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
