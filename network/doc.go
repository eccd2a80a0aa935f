// Package network provides the point-to-point channels a pool runs on.
//
// # Core Components
//
// Peer: a node serving an HTTP mailbox. Messages are POSTed with the
// sender rank, receiver rank and tag in their headers and queued per
// (sender, tag) until received.
//
// P2P: adapts a Peer to the pool's Channel contract and adds the
// best-effort collectives Broadcast and Gather.
//
// Hub: an in-process group of Endpoints sharing mailboxes, with fault
// injection (silenced ranks, crafted messages).
//
// # Timeouts
//
// Receives are bounded: ReceiveWithin reports a missing message instead of
// blocking forever. Timers run on a code.cloudfoundry.org/clock Clock so
// that tests can drive them with a fake clock.
//
// # TLS
//
// WithCertificate and WithLimitedCAs switch a Peer to mutually
// authenticated HTTPS; GenerateSelfSignedCert creates the certificates.
package network
