// Package probe implements the built-in healthcheck probes spec.md §6
// defines as a "tool" healthcheck: is-port-open, http-get, http-get-ok.
// These are external-collaborator contracts (spec.md §1 "deliberately out of
// scope"); no third-party HTTP/socket client in the retrieved pack targets
// this narrowly (a raw TCP dial and a GET-then-status-check), so this package
// is built on net/net/http directly — see DESIGN.md for the stdlib
// justification.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rote-mux/rote/internal/healthcheck"
)

const dialTimeout = 2 * time.Second

// isPortOpen succeeds if a TCP connection to addr can be established.
type isPortOpen struct{ addr string }

func (p isPortOpen) Probe(ctx context.Context) (bool, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

// httpGet succeeds if the request completes without a transport error,
// regardless of status code (readiness means "the server answers").
type httpGet struct{ url string }

func (p httpGet) Probe(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, nil
	}
	_ = resp.Body.Close()
	return true, nil
}

// httpGetOK succeeds only on a 2xx response.
type httpGetOK struct{ url string }

func (p httpGetOK) Probe(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Resolve builds the healthcheck.Prober named by tool, with arg as its
// target: a port (probed on localhost) or host:port for is-port-open, and a
// port (http://localhost:<port>) or URL for the http-get variants. Returns an
// error naming an unknown tool; config loading does not call Resolve, so the
// error surfaces when the task's healthcheck is started (spec.md §6
// healthcheck "(cmd|tool)").
func Resolve(tool, arg string) (healthcheck.Prober, error) {
	arg = strings.TrimSpace(arg)
	url := arg
	if !strings.Contains(arg, "://") {
		url = "http://localhost:" + arg
	}
	switch strings.TrimSpace(tool) {
	case "is-port-open":
		if !strings.Contains(arg, ":") {
			return isPortOpen{addr: net.JoinHostPort("localhost", arg)}, nil
		}
		return isPortOpen{addr: arg}, nil
	case "http-get":
		return httpGet{url: url}, nil
	case "http-get-ok":
		return httpGetOK{url: url}, nil
	default:
		return nil, fmt.Errorf("unknown healthcheck tool %q", tool)
	}
}
