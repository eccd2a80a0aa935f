package network

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"time"

	"code.cloudfoundry.org/clock"
)

type PeerOption func(*Peer)

// WithTimeout bounds every single HTTP request of the Peer.
func WithTimeout(timeout time.Duration) PeerOption {
	return func(p *Peer) {
		p.timeout = timeout
	}
}

// WithRetryWindow makes Send repeat failed deliveries to a rank that was
// never reached until window has elapsed. The default is a single attempt.
func WithRetryWindow(window time.Duration) PeerOption {
	return func(p *Peer) {
		p.retry = window
	}
}

func WithClock(clk clock.Clock) PeerOption {
	return func(p *Peer) {
		p.clock = clk
	}
}

func WithLogger(logger *slog.Logger) PeerOption {
	return func(p *Peer) {
		p.logger = logger
	}
}

// WithCertificate serves the mailbox over TLS with cert and presents it as
// client certificate as well.
func WithCertificate(cert tls.Certificate) PeerOption {
	return func(p *Peer) {
		if p.tlsConfig == nil {
			p.tlsConfig = &tls.Config{}
		}
		p.tlsConfig.Certificates = append(p.tlsConfig.Certificates, cert)
		p.scheme = "https"
	}
}

// WithLimitedCAs only trusts, both as server and as client, the
// certificates signed by the authorities of certPool.
func WithLimitedCAs(certPool *x509.CertPool) PeerOption {
	return func(p *Peer) {
		if p.tlsConfig == nil {
			p.tlsConfig = &tls.Config{}
		}
		p.tlsConfig.RootCAs = certPool
		p.tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		p.tlsConfig.ClientCAs = certPool
		p.scheme = "https"
	}
}
