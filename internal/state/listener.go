package state

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// notifyChannel carries topic ids whose content changed (or "ping" for the
// keep-alive). Every repo process both sends and listens on it.
const notifyChannel = "topic_changed"

const pingInterval = 30 * time.Second

// ChangeListener holds a dedicated Postgres connection on LISTEN and keeps
// the content cache coherent: eviction per notification, a periodic
// self-ping to detect silent connection loss, and cache disable + purge
// whenever the connection drops. The cache is only enabled while the
// listener is live.
type ChangeListener struct {
	dsn   string
	pool  *sql.DB
	cache *ContentCache

	// quietWindow bounds how long the listener tolerates zero traffic.
	// The self-ping arrives every pingInterval, so silence past this
	// window means the connection died without an error.
	quietWindow time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewChangeListener wires a listener to the shared pool and cache.
// Call Start to begin listening.
func NewChangeListener(dsn string, pool *sql.DB, cache *ContentCache) *ChangeListener {
	return &ChangeListener{
		dsn:         dsn,
		pool:        pool,
		cache:       cache,
		quietWindow: 2 * pingInterval,
		done:        make(chan struct{}),
	}
}

// Start launches the listen and ping loops.
func (l *ChangeListener) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	go l.pingLoop(ctx)
	go func() {
		defer close(l.done)
		l.listenLoop(ctx)
	}()
}

// Stop tears the listener down and disables the cache.
func (l *ChangeListener) Stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	l.cache.Disable()
}

func (l *ChangeListener) listenLoop(ctx context.Context) {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = time.Second
	reconnect.MaxInterval = 60 * time.Second
	reconnect.MaxElapsedTime = 0

	for ctx.Err() == nil {
		conn, err := pgx.Connect(ctx, l.dsn)
		if err == nil {
			_, err = conn.Exec(ctx, "LISTEN "+notifyChannel)
			if err != nil {
				conn.Close(ctx)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := reconnect.NextBackOff()
			log.Printf("[state] change listener connect failed, retrying in %s: %v", wait.Round(time.Second), err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		reconnect.Reset()
		l.cache.Enable()
		log.Printf("[state] change listener connected, content cache enabled")

		l.receive(ctx, conn)

		// Notifications may have been lost while disconnected.
		l.cache.Disable()
		conn.Close(context.Background())
		if ctx.Err() == nil {
			log.Printf("[state] change listener disconnected, content cache disabled")
		}
	}
}

// notificationConn is the subset of pgx.Conn the receive loop needs.
type notificationConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// receive consumes notifications until the connection fails or goes quiet.
// Each wait carries a deadline: the self-ping arrives every pingInterval, so
// a full quietWindow with no traffic at all means the connection is dead
// even though no error ever surfaced.
func (l *ChangeListener) receive(ctx context.Context, conn notificationConn) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, l.quietWindow)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				log.Printf("[state] change listener: no traffic for %s, dropping connection", l.quietWindow)
			} else {
				log.Printf("[state] change listener receive: %v", err)
			}
			return
		}
		if n.Payload == "ping" {
			continue
		}
		l.cache.Evict(n.Payload)
	}
}

// pingLoop sends a keep-alive notification through the shared pool. If the
// listener connection died silently, the missing ping surfaces as a receive
// error and triggers a reconnect.
func (l *ChangeListener) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.pool.ExecContext(ctx, "SELECT pg_notify($1, 'ping')", notifyChannel); err != nil && ctx.Err() == nil {
				log.Printf("[state] change listener ping: %v", err)
			}
		}
	}
}
