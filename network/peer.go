package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
)

const (
	headerSender   = "Sender-Rank"
	headerReceiver = "Receiver-Rank"
	headerTag      = "Tag"

	retryBackoff = 10 * time.Millisecond
)

// Peer is a node of the group reachable over HTTP.
// The Rank is an identifier of the Peer.
// Addresses[i] contains the address to reach the Peer with Rank i.
//
// Every message is a POST carrying the sender, the receiver and the tag in
// its headers. Accepted messages are queued in the Peer's mailbox until
// received.
type Peer struct {
	Rank      int
	Addresses map[int]string

	server    *http.Server
	handler   *mailboxHandler
	box       *mailbox
	client    *http.Client
	tlsConfig *tls.Config
	scheme    string
	timeout   time.Duration
	retry     time.Duration
	reachedMu sync.Mutex
	reached   map[int]bool
	clock     clock.Clock
	logger    *slog.Logger
}

// NewPeer creates the Peer with Rank rank and starts serving its mailbox
// on l.
func NewPeer(rank int, addresses map[int]string, l net.Listener, opts ...PeerOption) *Peer {
	p := &Peer{
		Rank:      rank,
		Addresses: copyMap(addresses),
		box:       newMailbox(),
		reached:   make(map[int]bool),
		scheme:    "http",
		timeout:   5 * time.Second,
		clock:     clock.NewClock(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.handler = &mailboxHandler{
		rank:   rank,
		known:  p.Addresses,
		box:    p.box,
		logger: p.logger,
	}
	p.client = &http.Client{Timeout: p.timeout}
	if p.tlsConfig != nil {
		p.client.Transport = &http.Transport{TLSClientConfig: p.tlsConfig}
		if len(p.tlsConfig.Certificates) > 0 {
			l = tls.NewListener(l, p.tlsConfig)
		}
	}
	p.server = &http.Server{Addr: addresses[rank], Handler: p.handler}
	go func() {
		err := p.server.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("mailbox server stopped", "rank", rank, "err", err)
		}
	}()
	return p
}

// Close stops the server. Pending and future receives fail with ErrClosed.
func (p *Peer) Close() error {
	p.box.close()
	return p.server.Shutdown(context.Background())
}

// Send posts payload to the mailbox of the Peer with Rank dest. Until dest
// has accepted a first message, failed attempts are repeated within the
// retry window, so that ranks starting late are waited for. Afterwards a
// single attempt is made. Send never outlives ctx.
func (p *Peer) Send(ctx context.Context, dest, tag int, payload []byte) error {
	addr, ok := p.Addresses[dest]
	if !ok {
		return errors.Errorf("unknown rank %d", dest)
	}
	if dest == p.Rank {
		p.box.push(p.Rank, tag, append([]byte(nil), payload...))
		return nil
	}
	start := p.clock.Now()
	for {
		err := p.post(ctx, addr, dest, tag, payload)
		if err == nil {
			p.markReached(dest)
			return nil
		}
		if !p.retrying(dest) || p.clock.Since(start) > p.retry || ctx.Err() != nil {
			return errors.Wrapf(err, "sending to rank %d", dest)
		}
		select {
		case <-p.clock.After(retryBackoff):
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "sending to rank %d", dest)
		}
	}
}

func (p *Peer) markReached(dest int) {
	p.reachedMu.Lock()
	defer p.reachedMu.Unlock()
	p.reached[dest] = true
}

func (p *Peer) retrying(dest int) bool {
	p.reachedMu.Lock()
	defer p.reachedMu.Unlock()
	return p.retry > 0 && !p.reached[dest]
}

func (p *Peer) post(ctx context.Context, addr string, dest, tag int, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.scheme+"://"+addr, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set(headerSender, strconv.Itoa(p.Rank))
	req.Header.Set(headerReceiver, strconv.Itoa(dest))
	req.Header.Set(headerTag, strconv.Itoa(tag))
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return errors.Errorf("rank %d refused the message with status code %d", dest, resp.StatusCode)
	}
	return nil
}

// TryReceive pops the oldest message sent by src under tag, if any.
func (p *Peer) TryReceive(src, tag int) ([]byte, bool) {
	return p.box.tryPop(src, tag)
}

// ReceiveWithin waits up to timeout for a message sent by src under tag.
func (p *Peer) ReceiveWithin(ctx context.Context, src, tag int, timeout time.Duration) ([]byte, bool, error) {
	return p.box.receive(ctx, p.clock, src, tag, timeout)
}

type mailboxHandler struct {
	rank   int
	known  map[int]string
	box    *mailbox
	logger *slog.Logger
}

func (h *mailboxHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sender, err := strconv.Atoi(req.Header.Get(headerSender))
	if err != nil {
		rw.WriteHeader(http.StatusNotAcceptable)
		return
	}
	if _, ok := h.known[sender]; !ok {
		h.logger.Debug("refusing message from unknown rank", "rank", h.rank, "peer", sender)
		rw.WriteHeader(http.StatusNotAcceptable)
		return
	}
	receiver, err := strconv.Atoi(req.Header.Get(headerReceiver))
	if err != nil || receiver != h.rank {
		rw.WriteHeader(http.StatusNotAcceptable)
		return
	}
	tag, err := strconv.Atoi(req.Header.Get(headerTag))
	if err != nil {
		rw.WriteHeader(http.StatusNotAcceptable)
		return
	}
	if h.box.isClosed() {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	content, err := io.ReadAll(req.Body)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.box.push(sender, tag, content)
	rw.WriteHeader(http.StatusAccepted)
}

// CreateAddresses reserves n addresses localhost:PORT.
func CreateAddresses(n int) map[int]string {
	addresses := make(map[int]string)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(err)
		}
		addresses[i] = l.Addr().String()
		if err := l.Close(); err != nil {
			panic(err)
		}
	}
	return addresses
}

// CreateListeners opens n listeners on localhost and returns them with
// their addresses, both keyed by rank.
func CreateListeners(n int) (map[int]net.Listener, map[int]string) {
	listeners := make(map[int]net.Listener)
	addresses := make(map[int]string)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(err)
		}
		listeners[i] = l
		addresses[i] = l.Addr().String()
	}
	return listeners, addresses
}

func copyMap(original map[int]string) map[int]string {
	copied := make(map[int]string)
	for k, v := range original {
		copied[k] = v
	}
	return copied
}
