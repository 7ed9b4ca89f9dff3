package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/garyburd/redigo/redis"
	log "github.com/sirupsen/logrus"
)

// Publisher periodically stores the status report in Redis under a key that
// expires when the process stops publishing
type Publisher struct {
	pool     *redis.Pool
	key      string
	interval time.Duration
	report   func() Report
}

// NewPublisher creates a publisher for the Redis server at address
func NewPublisher(address, session string, interval time.Duration, report func() Report) *Publisher {
	pool := redis.NewPool(func() (redis.Conn, error) {
		return redis.Dial("tcp", address, redis.DialConnectTimeout(2*time.Second))
	}, 2)

	return &Publisher{
		pool:     pool,
		key:      Key(session),
		interval: interval,
		report:   report,
	}
}

// Key is the Redis key a session publishes to
func Key(session string) string {
	return "fakecam:status:" + session
}

// TTL is how long a published report stays visible
func (p *Publisher) TTL() int {
	ttl := int((3 * p.interval).Seconds())
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

// Publish writes one report
func (p *Publisher) Publish() error {
	serialized, err := json.Marshal(p.report())
	if err != nil {
		return fmt.Errorf("couldn't serialize report: %w", err)
	}

	conn := p.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("SETEX", p.key, p.TTL(), serialized); err != nil {
		return fmt.Errorf("couldn't publish report: %w", err)
	}
	return nil
}

// Run publishes every interval until ctx is done
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.WithFields(log.Fields{"key": p.key, "interval": p.interval}).Info("[STATUS] Publishing to Redis")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Publish(); err != nil {
				log.WithError(err).Debug("[STATUS] Redis publish failed")
			}
		}
	}
}

// Close releases the connection pool
func (p *Publisher) Close() error {
	return p.pool.Close()
}
