package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Entry is what another rank announces: the address of its mailbox.
type Entry struct {
	Info string
}

func New(info string, port uint16) (*Discover, error) {
	return NewWithPortRange(info, port, port, 2)
}

type handler struct {
	info string
}

func (h handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(h.info))
}

func NewWithPortRange(info string, startPort, endPort uint16, attempts uint) (*Discover, error) {
	return NewWithOptions(info,
		WithPortRange(startPort, endPort),
		WithAttempts(attempts),
	)
}

func (d *Discover) search() {
	for port := d.startPort; port <= d.endPort && port >= d.startPort; port++ {
		if port == d.port {
			continue
		}
		info, err := d.fetch(port)
		if err != nil {
			continue
		}
		select {
		case d.Entries <- Entry{Info: info}:
		case <-d.closed:
			return
		}
	}
}

func (d *Discover) fetch(port uint16) (string, error) {
	resp, err := d.client.Get(fmt.Sprintf("http://localhost:%d", port))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		d.logger.Debug("reading announcement failed", "port", port, "err", err)
		return "", err
	}
	return string(buf), nil
}

// Collect waits until n distinct addresses, the local one included, have
// been found and returns them sorted. The position of an address in the
// result is the rank of its owner.
func (d *Discover) Collect(ctx context.Context, n int) ([]string, error) {
	found := map[string]struct{}{d.info: {}}
	for len(found) < n {
		select {
		case e := <-d.Entries:
			if _, ok := found[e.Info]; !ok {
				d.logger.Info("found peer", "address", e.Info)
			}
			found[e.Info] = struct{}{}
		case <-d.done:
			return nil, errors.Errorf("search over after %d attempts, found %d of %d peers", d.attempts, len(found), n)
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "found %d of %d peers", len(found), n)
		}
	}
	addresses := make([]string, 0, len(found))
	for a := range found {
		addresses = append(addresses, a)
	}
	sort.Strings(addresses)
	return addresses, nil
}

// RankOf returns the position of self among the collected addresses.
func RankOf(addresses []string, self string) (int, error) {
	for i, a := range addresses {
		if a == self {
			return i, nil
		}
	}
	return 0, errors.Errorf("%s is not among the collected addresses", self)
}

func (d *Discover) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return d.server.Shutdown(ctx)
}
