package prober

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-ping/ping"
	"github.com/valyala/fasthttp"
)

// PayloadPath serves the bandwidth probe payload on every node.
const PayloadPath = "/api/v1/probe/payload"

// LatencyMeter measures round-trip latency and loss to a host.
type LatencyMeter interface {
	Measure(ctx context.Context, host string) (rtt time.Duration, loss float64, err error)
}

// BandwidthMeter measures achievable throughput to a node, in Mbit/s.
type BandwidthMeter interface {
	Measure(ctx context.Context, address string) (float64, error)
}

// ICMPMeter pings with go-ping. Unprivileged mode uses UDP sockets where the
// platform allows it.
type ICMPMeter struct {
	Count      int
	Interval   time.Duration
	Timeout    time.Duration
	Privileged bool
}

// Measure pings host Count times. Loss is returned as a fraction.
func (m *ICMPMeter) Measure(ctx context.Context, host string) (time.Duration, float64, error) {
	pinger, err := ping.NewPinger(host)
	if err != nil {
		return 0, 0, fmt.Errorf("create pinger for %s: %w", host, err)
	}
	pinger.SetPrivileged(m.Privileged)
	pinger.Count = m.Count
	pinger.Interval = m.Interval
	pinger.Timeout = m.Timeout

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		return 0, 0, fmt.Errorf("ping %s: %w", host, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	stats := pinger.Statistics()
	loss := stats.PacketLoss / 100
	if stats.PacketsRecv == 0 {
		return 0, 1, fmt.Errorf("ping %s: no replies", host)
	}
	return stats.AvgRtt, loss, nil
}

// HTTPBandwidthMeter downloads a fixed-size payload from the peer's payload
// endpoint and reports the observed throughput.
type HTTPBandwidthMeter struct {
	client       *fasthttp.Client
	payloadBytes int
	timeout      time.Duration
}

// NewHTTPBandwidthMeter creates a meter downloading payloadBytes per probe.
func NewHTTPBandwidthMeter(payloadBytes int, timeout time.Duration) *HTTPBandwidthMeter {
	return &HTTPBandwidthMeter{
		client: &fasthttp.Client{
			MaxConnsPerHost:     16,
			MaxIdleConnDuration: 90 * time.Second,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
		},
		payloadBytes: payloadBytes,
		timeout:      timeout,
	}
}

// Measure downloads the payload from address (host:port).
func (m *HTTPBandwidthMeter) Measure(ctx context.Context, address string) (float64, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("http://%s%s?size=%d", address, PayloadPath, m.payloadBytes))
	req.Header.SetMethod(fasthttp.MethodGet)

	deadline := time.Now().Add(m.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	if err := m.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, fmt.Errorf("download payload from %s: %w", address, err)
	}
	elapsed := time.Since(start)

	if resp.StatusCode() != fasthttp.StatusOK {
		return 0, fmt.Errorf("download payload from %s: status %d", address, resp.StatusCode())
	}
	n := len(resp.Body())
	if n == 0 || elapsed <= 0 {
		return 0, fmt.Errorf("download payload from %s: empty response", address)
	}
	return float64(n) * 8 / elapsed.Seconds() / 1e6, nil
}

// hostOf strips the port from an address.
func hostOf(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}
