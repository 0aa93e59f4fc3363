package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"syscall"

	"github.com/coldbrook/crawlgate/internal/kernel"
)

// classifyErr maps a transport error onto an attempt outcome. Timeouts get
// their own outcome so governance can treat slowness differently from refusal.
func classifyErr(err error) (kernel.Outcome, kernel.ErrorKind) {
	if errors.Is(err, context.DeadlineExceeded) {
		return kernel.OutcomeTimeout, ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return kernel.OutcomeTimeout, ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return kernel.OutcomeHardError, kernel.ErrKindDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return kernel.OutcomeHardError, kernel.ErrKindConnRefused
	}
	if isTLSErr(err) {
		return kernel.OutcomeHardError, kernel.ErrKindTLS
	}
	return kernel.OutcomeHardError, kernel.ErrKindOther
}

func isTLSErr(err error) bool {
	var (
		recordErr    tls.RecordHeaderError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		certInvalid  x509.CertificateInvalidError
		verification *tls.CertificateVerificationError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &certInvalid) ||
		errors.As(err, &verification)
}
