package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Check returns nil while the dependency it watches is usable.
type Check func(ctx context.Context) error

type registeredCheck struct {
	name    string
	check   Check
	timeout time.Duration
}

// HealthChecker backs the relay's readiness endpoint.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []registeredCheck
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// Register adds a named check. A non-positive timeout means two seconds.
func (h *HealthChecker) Register(name string, timeout time.Duration, check Check) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, registeredCheck{name: name, check: check, timeout: timeout})
}

// CheckAll runs every check concurrently, each under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]registeredCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]string, len(checks))
	var g errgroup.Group
	for i, p := range checks {
		i, p := i, p
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			results[i] = StatusHealthy
			if err := p.check(checkCtx); err != nil {
				results[i] = err.Error()
			}
			return nil
		})
	}
	g.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}
	for i, p := range checks {
		status.Checks[p.name] = results[i]
		if results[i] != StatusHealthy {
			status.Status = StatusUnhealthy
		}
	}
	return status
}

func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}

// RedisCheck pings the shared redis.
func RedisCheck(client redis.UniversalClient) Check {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// RoomCapacityCheck fails once more than maxRooms rooms are open on this
// relay. Zero disables the limit.
func RoomCapacityCheck(rooms func() int, maxRooms int) Check {
	return func(context.Context) error {
		if n := rooms(); maxRooms > 0 && n > maxRooms {
			return fmt.Errorf("%d rooms open, limit %d", n, maxRooms)
		}
		return nil
	}
}
