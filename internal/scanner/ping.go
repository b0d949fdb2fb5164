package scanner

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/portgate/internal/command"
)

// DefaultPingCount is the number of echo requests sent per host.
const DefaultPingCount = 3

// Pinger sends ICMP echo requests to a host.
type Pinger interface {
	// Ping reports whether any reply arrived and the average round trip in
	// milliseconds when one could be determined. An unreachable host is not
	// an error.
	Ping(ctx context.Context, host string, timeout time.Duration) (reachable bool, avgMs *float64, err error)
}

// ExecPinger shells out to the system ping binary.
type ExecPinger struct {
	Runner command.Runner
	Count  int
}

// NewExecPinger returns an ExecPinger. A nil runner uses command.Default.
func NewExecPinger(runner command.Runner) *ExecPinger {
	if runner == nil {
		runner = command.Default
	}
	return &ExecPinger{Runner: runner, Count: DefaultPingCount}
}

func (p *ExecPinger) Ping(ctx context.Context, host string, timeout time.Duration) (bool, *float64, error) {
	count := p.Count
	if count <= 0 {
		count = DefaultPingCount
	}
	secs := int(math.Ceil(timeout.Seconds()))
	if secs < 1 {
		secs = 1
	}
	// -W bounds each reply, not name resolution or the process as a whole.
	ctx, cancel := context.WithTimeout(ctx, pingDeadline(count, timeout))
	defer cancel()
	out, err := p.Runner.Output(ctx, "ping", "-n", "-c", strconv.Itoa(count), "-W", strconv.Itoa(secs), host)
	if ctxErr := ctx.Err(); ctxErr != nil && len(out) == 0 {
		return false, nil, fmt.Errorf("ping %s: %w", host, ctxErr)
	}
	if err != nil && len(out) == 0 {
		return false, nil, err
	}
	return err == nil, ParsePingAverage(string(out)), nil
}

// pingDeadline is the time allowed for one ping process sending count
// requests.
func pingDeadline(count int, timeout time.Duration) time.Duration {
	return max(time.Duration(count)*timeout+2*time.Second, 5*time.Second)
}

// ParsePingAverage extracts the average RTT from ping output. It prefers the
// "min/avg/max" summary and falls back to the first "time=" reply.
func ParsePingAverage(out string) *float64 {
	lines := strings.Split(out, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "min/avg/max") || !strings.Contains(line, "=") {
			continue
		}
		values := strings.Fields(strings.TrimSpace(line[strings.LastIndex(line, "=")+1:]))
		if len(values) == 0 {
			continue
		}
		fields := strings.Split(values[0], "/")
		if len(fields) < 2 {
			continue
		}
		if avg, err := strconv.ParseFloat(fields[1], 64); err == nil {
			return &avg
		}
	}
	for _, line := range lines {
		i := strings.Index(line, "time=")
		if i < 0 {
			continue
		}
		values := strings.Fields(line[i+len("time="):])
		if len(values) == 0 {
			continue
		}
		if v, err := strconv.ParseFloat(values[0], 64); err == nil {
			return &v
		}
	}
	return nil
}

// NativePinger pings in-process with pro-bing.
type NativePinger struct {
	Count      int
	Interval   time.Duration
	Privileged bool
}

// NewNativePinger returns a NativePinger using unprivileged datagram sockets
// unless privileged is set.
func NewNativePinger(privileged bool) *NativePinger {
	return &NativePinger{
		Count:      DefaultPingCount,
		Interval:   250 * time.Millisecond,
		Privileged: privileged,
	}
}

func (p *NativePinger) Ping(ctx context.Context, host string, timeout time.Duration) (bool, *float64, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return false, nil, fmt.Errorf("ping %s: %w", host, err)
	}
	count := p.Count
	if count <= 0 {
		count = DefaultPingCount
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	pinger.Count = count
	pinger.Interval = interval
	pinger.Timeout = time.Duration(count-1)*interval + timeout
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return false, nil, fmt.Errorf("ping %s: %w", host, err)
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return false, nil, nil
	}
	avg := float64(stats.AvgRtt) / float64(time.Millisecond)
	return true, &avg, nil
}
