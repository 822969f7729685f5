package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"

	"portkeeper/internal/registry"
)

// ErrProbeTimeout marks a probe that ran out of time.
var ErrProbeTimeout = errors.New("probe timeout")

// ProbeFunc is a caller-supplied custom probe. It must respect ctx.
type ProbeFunc func(ctx context.Context, rec registry.Record) error

// probe runs one health check for rec. ctx already carries the per-probe
// timeout.
func (c *Checker) probe(ctx context.Context, rec registry.Record) error {
	var err error
	switch rec.HealthCheckType {
	case registry.CheckNone, "":
		return nil
	case registry.CheckTCP:
		err = c.probeTCP(ctx, rec)
	case registry.CheckHTTP:
		err = c.probeHTTP(ctx, rec)
	case registry.CheckCommand:
		err = c.probeCommand(ctx, rec)
	case registry.CheckCustom:
		err = c.probeCustom(ctx, rec)
	default:
		err = fmt.Errorf("unknown health check type %q", rec.HealthCheckType)
	}
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %s %s", ErrProbeTimeout, rec.HealthCheckType, rec.Identity)
	}
	return err
}

func (c *Checker) probeTCP(ctx context.Context, rec registry.Record) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", rec.Addr())
	if err != nil {
		return fmt.Errorf("tcp %s: %w", rec.Addr(), err)
	}
	return conn.Close()
}

func (c *Checker) probeHTTP(ctx context.Context, rec registry.Record) error {
	target := rec.HealthCheckTarget
	if target == "" {
		target = "/health"
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL()+target, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http %s%s: %w", rec.Addr(), target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http %s%s: status %d", rec.Addr(), target, resp.StatusCode)
	}
	return nil
}

func (c *Checker) probeCommand(ctx context.Context, rec registry.Record) error {
	cmdStr := rec.HealthCheckTarget
	if cmdStr == "" {
		return fmt.Errorf("command check for %s has empty target", rec.Identity)
	}
	host := rec.Host
	if host == "" {
		host = "127.0.0.1"
	}
	cmdStr = strings.ReplaceAll(cmdStr, "{host}", host)
	cmdStr = strings.ReplaceAll(cmdStr, "{port}", strconv.Itoa(rec.Port))
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command check for %s: %w", rec.Identity, err)
	}
	return nil
}

func (c *Checker) probeCustom(ctx context.Context, rec registry.Record) error {
	c.mu.Lock()
	fn, ok := c.custom[rec.HealthCheckTarget]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no custom probe %q registered for %s", rec.HealthCheckTarget, rec.Identity)
	}
	return fn(ctx, rec)
}
