package broker

import (
	"errors"
	"fmt"
	"io"

	"github.com/koltyakov/addr/internal/domain"
)

const (
	syntaxBanner = "Name must be 5 - 63 characters,\n" +
		"contain no characters other than a-z, 0-9, \"-\" and \".\",\n" +
		"begin and end with letters or numbers\n"

	msgFailed       = "Failed to create tunnel"
	msgTimeout      = "\nFailed to create tunnel (timeout).\n"
	msgTunnelClosed = "\nTunnel closed.\n"
)

// WelcomeBanner is sent to clients whose username is a valid name.
func WelcomeBanner(base string) string {
	return fmt.Sprintf("Welcome to %s!\n", base)
}

// RejectionBanner renders the auth banner for an admission error.
func RejectionBanner(name string, err error) string {
	var qe *domain.QuotaError
	switch {
	case errors.Is(err, domain.ErrInvalidName):
		return syntaxBanner
	case errors.Is(err, domain.ErrNameOwned):
		return fmt.Sprintf("\n%s is already registered with another device. Please choose another domain name.\n", name)
	case errors.As(err, &qe):
		return fmt.Sprintf("\nPlan limit exceeded (%d/%d).\n", qe.Usage, qe.Plan)
	default:
		return "\n" + msgFailed + ".\n"
	}
}

func unsupportedPortReason(port int) string {
	return fmt.Sprintf("Port %d is not supported", port)
}

func writeFailure(w io.Writer, reason string) {
	_, _ = fmt.Fprintf(w, "\n%s.\n", reason)
}

func writeAddresses(w io.Writer, name, base string, port int) {
	host := domain.PublicHost(name, base)
	_, _ = io.WriteString(w, "\nYou can access your application through the following public addresses:\n")
	_, _ = fmt.Fprintf(w, "  HTTP:\thttps://%s\n", host)
	_, _ = fmt.Fprintf(w, "  TCP :\t%s:%d\n", host, port)
	if domain.IsCustomDomain(name) {
		_, _ = fmt.Fprintf(w, "\nPoint your domain using CNAME to %q to enable custom domains.\n", host)
	}
}
