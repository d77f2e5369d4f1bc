package httputil

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

var (
	// ErrClientGone is the cancellation cause when the peer closes the connection.
	ErrClientGone = errors.New("client closed the connection")
	// ErrServerClosing is the cancellation cause on server shutdown.
	ErrServerClosing = errors.New("server shutting down")
)

// WatchDisconnect returns a context that is cancelled when the client closes
// its connection or the server shuts down. fasthttp only signals the latter
// on the request context, so the watcher reads the idle connection: the
// request body has been consumed, and a read returning means the peer hung
// up. Watched connections are closed after the response.
//
// stop must be called once the operation ends and before the response is
// complete. It does not touch c, so it may run from a body stream writer.
func WatchDisconnect(c *fiber.Ctx) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(c.UserContext())

	rctx := c.Context()
	stopShutdown := context.AfterFunc(rctx, func() {
		cancel(ErrServerClosing)
	})

	conn := rctx.Conn()
	watching := watchable(conn)
	done := make(chan struct{})
	if watching {
		rctx.SetConnectionClose()
		// clear the server read timeout; the operation may outlast it
		_ = conn.SetReadDeadline(time.Time{})
		go func() {
			defer close(done)
			buf := make([]byte, 1)
			for {
				if _, err := conn.Read(buf); err != nil {
					if !errors.Is(err, os.ErrDeadlineExceeded) {
						cancel(ErrClientGone)
					}
					return
				}
			}
		}()
	} else {
		close(done)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			stopShutdown()
			if watching {
				_ = conn.SetReadDeadline(time.Now())
				<-done
				_ = conn.SetReadDeadline(time.Time{})
			}
			cancel(context.Canceled)
		})
	}
	return ctx, stop
}

// watchable reports whether conn is a network connection. In-memory
// connections (fiber's app.Test) report EOF as soon as the request is read.
func watchable(conn net.Conn) bool {
	switch conn.(type) {
	case *net.TCPConn, *net.UnixConn, *tls.Conn:
		return true
	default:
		return false
	}
}
