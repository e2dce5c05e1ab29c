package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/postflux/postflux/internal/spool"
)

// SMTPTransport delivers messages directly to the destination domain's MX
// hosts. When RelayHost is set it relays everything there instead.
type SMTPTransport struct {
	Hostname  string
	RelayHost string
	RelayPort int
	Timeout   time.Duration
	logger    *slog.Logger
}

// NewSMTPTransport creates a direct-MX SMTP transport identifying itself
// with the given HELO hostname.
func NewSMTPTransport(hostname string) *SMTPTransport {
	return &SMTPTransport{
		Hostname: hostname,
		Timeout:  30 * time.Second,
		logger:   slog.Default().With("component", "smtp-transport"),
	}
}

// Deliver transmits the entry's content to every recipient in the given
// destination domain.
func (t *SMTPTransport) Deliver(ctx context.Context, entry *spool.Entry, domain string, content []byte) error {
	recipients := recipientsForDomain(entry.Recipients, domain)
	if len(recipients) == 0 {
		return nil
	}

	hosts, err := t.resolveHosts(ctx, domain)
	if err != nil {
		return fmt.Errorf("451 MX resolution failed for %s: %w", domain, err)
	}

	var lastErr error
	for _, host := range hosts {
		if err := t.deliverToHost(ctx, host, entry.From, recipients, content); err != nil {
			t.logger.Debug("delivery to host failed",
				"host", host,
				"domain", domain,
				"error", err)
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (t *SMTPTransport) resolveHosts(ctx context.Context, domain string) ([]string, error) {
	if t.RelayHost != "" {
		port := t.RelayPort
		if port == 0 {
			port = 25
		}
		return []string{net.JoinHostPort(t.RelayHost, fmt.Sprint(port))}, nil
	}

	var resolver net.Resolver
	mxs, err := resolver.LookupMX(ctx, domain)
	if err != nil || len(mxs) == 0 {
		// RFC 5321: fall back to the domain's A record.
		return []string{net.JoinHostPort(domain, "25")}, nil
	}

	sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		hosts = append(hosts, net.JoinHostPort(strings.TrimSuffix(mx.Host, "."), "25"))
	}
	return hosts, nil
}

func (t *SMTPTransport) deliverToHost(ctx context.Context, addr, from string, recipients []string, content []byte) error {
	dialer := net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	host, _, _ := net.SplitHostPort(addr)
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if err := client.Hello(t.Hostname); err != nil {
		return err
	}
	// Opportunistic STARTTLS.
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}

	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return client.Quit()
}

// recipientsForDomain filters the envelope recipients to one destination
// domain.
func recipientsForDomain(recipients []string, domain string) []string {
	var out []string
	for _, rcpt := range recipients {
		at := strings.LastIndex(rcpt, "@")
		if at == -1 || at == len(rcpt)-1 {
			continue
		}
		if strings.EqualFold(rcpt[at+1:], domain) {
			out = append(out, rcpt)
		}
	}
	return out
}
