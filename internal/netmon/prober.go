package netmon

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

// Prober determines the current network status. Implementations probe the
// platform however they see fit; the Monitor only cares about the result.
//
// A probe error is treated as offline (fail closed) - the Monitor never lets
// a broken probe masquerade as connectivity.
type Prober interface {
	Probe(ctx context.Context) (Status, error)
}

// HTTPProber checks reachability by issuing a HEAD request to a probe URL,
// in the manner of captive-portal detection endpoints. The connection type
// is inferred from the names of the system's active network interfaces.
type HTTPProber struct {
	// URL to probe. Should be cheap and highly available,
	// e.g. http://connectivitycheck.gstatic.com/generate_204
	URL string

	// Timeout per probe request (default: 5s)
	Timeout time.Duration

	client *http.Client
}

// NewHTTPProber creates a prober against the given URL.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL:     url,
		Timeout: 5 * time.Second,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) (Status, error) {
	if p.client == nil {
		timeout := p.Timeout
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		p.client = &http.Client{Timeout: timeout}
	}

	connType := activeConnectionType()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return Status{Connected: false, ConnectionType: ConnectionNone}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// The link may be up while the internet is not; report what we know.
		reachable := false
		return Status{
			Connected:         false,
			ConnectionType:    connType,
			InternetReachable: &reachable,
		}, err
	}
	defer resp.Body.Close()

	reachable := resp.StatusCode < 500
	return Status{
		Connected:         true,
		ConnectionType:    connType,
		InternetReachable: &reachable,
	}, nil
}

// activeConnectionType inspects up, non-loopback interfaces and classifies
// the first one carrying a usable address. Interface naming is a heuristic:
// wl* is wireless, ww* is cellular (wwan), everything else is other.
func activeConnectionType() ConnectionType {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ConnectionNone
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}

		name := strings.ToLower(iface.Name)
		switch {
		case strings.HasPrefix(name, "wl"):
			return ConnectionWifi
		case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "rmnet"):
			return ConnectionCellular
		default:
			return ConnectionOther
		}
	}

	return ConnectionNone
}
