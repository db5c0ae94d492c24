package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Prober performs one reachability check.
type Prober interface {
	Probe(ctx context.Context) Observation
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) Observation

func (f ProberFunc) Probe(ctx context.Context) Observation { return f(ctx) }

// HTTPProber issues a GET and classifies the answer. No answer is Offline;
// an unexpected status or a slow answer is Limited.
type HTTPProber struct {
	URL           string
	ExpectStatus  int
	SlowThreshold time.Duration
	Client        *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) Observation {
	start := time.Now()
	obs := Observation{At: start}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		obs.State = Offline
		obs.Error = err.Error()
		return obs
	}

	resp, err := client.Do(req)
	obs.Latency = time.Since(start)
	if err != nil {
		obs.State = Offline
		obs.Error = err.Error()
		return obs
	}
	resp.Body.Close()

	expect := p.ExpectStatus
	if expect == 0 {
		expect = http.StatusOK
	}
	switch {
	case resp.StatusCode != expect:
		obs.State = Limited
		obs.Error = fmt.Sprintf("status %d expected %d", resp.StatusCode, expect)
	case p.SlowThreshold > 0 && obs.Latency > p.SlowThreshold:
		obs.State = Limited
		obs.Error = fmt.Sprintf("slow response %s", obs.Latency)
	default:
		obs.State = Online
	}
	return obs
}

// TCPProber dials an address.
type TCPProber struct {
	Address string
}

func (p *TCPProber) Probe(ctx context.Context) Observation {
	start := time.Now()
	obs := Observation{At: start}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	obs.Latency = time.Since(start)
	if err != nil {
		obs.State = Offline
		obs.Error = err.Error()
		return obs
	}
	conn.Close()
	obs.State = Online
	return obs
}

// MultiProber runs every prober: all Online is Online, all Offline is
// Offline, anything else is Limited.
type MultiProber []Prober

func (mp MultiProber) Probe(ctx context.Context) Observation {
	obs := Observation{At: time.Now(), State: Online}
	if len(mp) == 0 {
		return obs
	}

	online, offline := 0, 0
	for _, p := range mp {
		o := p.Probe(ctx)
		if o.Latency > obs.Latency {
			obs.Latency = o.Latency
		}
		switch o.State {
		case Online:
			online++
		case Offline:
			offline++
		}
		if o.Error != "" && obs.Error == "" {
			obs.Error = o.Error
		}
	}

	switch {
	case online == len(mp):
		obs.State = Online
	case offline == len(mp):
		obs.State = Offline
	default:
		obs.State = Limited
	}
	return obs
}
