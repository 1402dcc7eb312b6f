// Package leader implements a Redlock-style distributed mutex over a
// single shared Redis key, the same SetNX-plus-TTL idiom the teacher
// uses for session locking, but held continuously by one replica and
// renewed on a timer rather than taken-and-released per request.
package leader

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockKey      = "mqtt:leader:lock"
	lockTTL      = 10 * time.Second
	renewEvery   = 5 * time.Second
	retryEvery   = 1500 * time.Millisecond
	retryJitter  = 500 * time.Millisecond
)

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// Lock is a distributed mutex that a gateway replica holds for as long
// as it remains the elected leader.
type Lock struct {
	client *redis.Client
	nodeID string

	mu       sync.RWMutex
	isLeader bool

	elected chan struct{}
	revoked chan struct{}

	stop chan struct{}
	done chan struct{}
}

// New creates a leader lock bound to client, identifying this replica
// by nodeID (typically a UUID minted at process start).
func New(client *redis.Client, nodeID string) *Lock {
	return &Lock{
		client:  client,
		nodeID:  nodeID,
		elected: make(chan struct{}, 1),
		revoked: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Elected emits a signal every time this replica acquires (or
// re-acquires) leadership.
func (l *Lock) Elected() <-chan struct{} { return l.elected }

// Revoked emits a signal whenever leadership is lost, either because
// renewal failed or because Stop was called.
func (l *Lock) Revoked() <-chan struct{} { return l.revoked }

// AmLeader reports whether this replica currently holds the lock.
func (l *Lock) AmLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// RequireLeader returns ErrNotLeader if this replica does not currently
// hold the lock, letting callers gate an operation on C8 leadership
// without duplicating the AmLeader check at every call site.
func (l *Lock) RequireLeader() error {
	if !l.AmLeader() {
		return ErrNotLeader
	}
	return nil
}

// Run drives acquisition and renewal until ctx is canceled or Stop is
// called. It is meant to run in its own goroutine.
func (l *Lock) Run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.releaseAndRevoke(context.Background())
			return
		case <-l.stop:
			l.releaseAndRevoke(context.Background())
			return
		default:
		}

		if !l.AmLeader() {
			if l.tryAcquire(ctx) {
				l.setLeader(true)
				l.signal(l.elected)
			} else {
				l.sleepWithJitter(ctx)
				continue
			}
		}

		if !l.renew(ctx) {
			l.setLeader(false)
			l.signal(l.revoked)
			continue
		}

		select {
		case <-ctx.Done():
			l.releaseAndRevoke(context.Background())
			return
		case <-l.stop:
			l.releaseAndRevoke(context.Background())
			return
		case <-time.After(renewEvery):
		}
	}
}

// Stop releases the lock (if held) and stops the renewal loop. It
// blocks until Run has returned.
func (l *Lock) Stop() {
	close(l.stop)
	<-l.done
}

func (l *Lock) tryAcquire(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, lockKey, l.nodeID, lockTTL).Result()
	if err != nil {
		return false
	}
	return ok
}

func (l *Lock) renew(ctx context.Context) bool {
	res, err := renewScript.Run(ctx, l.client, []string{lockKey}, l.nodeID, lockTTL.Milliseconds()).Int()
	if err != nil {
		return false
	}
	return res == 1
}

func (l *Lock) releaseAndRevoke(ctx context.Context) {
	wasLeader := l.AmLeader()
	if wasLeader {
		releaseScript.Run(ctx, l.client, []string{lockKey}, l.nodeID)
	}
	l.setLeader(false)
	if wasLeader {
		l.signal(l.revoked)
	}
}

func (l *Lock) setLeader(v bool) {
	l.mu.Lock()
	l.isLeader = v
	l.mu.Unlock()
}

func (l *Lock) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (l *Lock) sleepWithJitter(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(2*retryJitter))) - retryJitter
	wait := retryEvery + jitter
	if wait < 0 {
		wait = retryEvery
	}
	select {
	case <-ctx.Done():
	case <-l.stop:
	case <-time.After(wait):
	}
}

// ErrNotLeader is returned by callers that require leadership before
// performing an operation gated on C8.
var ErrNotLeader = errors.New("leader: this replica is not currently the leader")
