package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds all probes together. A probe still running at the
// deadline is reported as timed out.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency the service cannot run without.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe adapts a Pinger to HealthProbe.
type PingProbe struct {
	Label  string
	Target Pinger
}

func (p PingProbe) Name() string { return p.Label }

func (p PingProbe) Check(ctx context.Context) error {
	if p.Target == nil {
		return fmt.Errorf("%s: not configured", p.Label)
	}
	return p.Target.Ping(ctx)
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently and returns 200 when all pass,
// 503 otherwise.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: statusHealthy}
	if len(s.HealthProbes) > 0 {
		resp.Components = runProbes(ctx, s.HealthProbes)
	}

	code := http.StatusOK
	for _, c := range resp.Components {
		if c.Status != statusHealthy {
			resp.Status = statusUnhealthy
			code = http.StatusServiceUnavailable
			break
		}
	}
	JSON(w, r, code, resp)
}

// runProbes waits for every probe or for ctx, whichever comes first.
// Probes that have not reported by then are marked as timed out.
func runProbes(ctx context.Context, probes []HealthProbe) map[string]componentStatus {
	type outcome struct {
		idx int
		err error
	}

	done := make(chan outcome, len(probes))
	for i, p := range probes {
		go func() {
			done <- outcome{idx: i, err: checkProbe(ctx, p)}
		}()
	}

	results := make(map[int]error, len(probes))
collect:
	for range probes {
		select {
		case o := <-done:
			results[o.idx] = o.err
		case <-ctx.Done():
			break collect
		}
	}

	components := make(map[string]componentStatus, len(probes))
	for i, p := range probes {
		err, reported := results[i]
		switch {
		case !reported:
			components[p.Name()] = componentStatus{Status: statusUnhealthy, Message: "health check timed out"}
		case err != nil:
			components[p.Name()] = componentStatus{Status: statusUnhealthy, Message: err.Error()}
		default:
			components[p.Name()] = componentStatus{Status: statusHealthy}
		}
	}
	return components
}

func checkProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("probe panicked: %v", rvr)
		}
	}()
	return p.Check(ctx)
}
