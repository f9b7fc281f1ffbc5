package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReadyCheck probes one dependency; a non-nil error means not ready.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is the minimal interface of a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// DBCheck builds a readiness check against the job store pool.
func DBCheck(pool Pinger) ReadyCheck {
	return ReadyCheck{Name: "db", Check: func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}}
}

// RedisCheck builds a readiness check against the token store backend.
func RedisCheck(rdb redis.UniversalClient) ReadyCheck {
	return ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}}
}

// ReadyzHandler runs each check with a short deadline and reports 503 when
// any dependency is down.
func ReadyzHandler(checks ...ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[c.Name] = err.Error()
				continue
			}
			results[c.Name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(results)
	}
}
