// Package debugtcp implements the raw-SQL debug TCP endpoint: one
// connection submits one SQL statement and receives its result as
// pipe-separated rows, one per line.
package debugtcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ballcone/ballcone/src/internal/dao"
)

// Listener accepts one-shot SQL connections.
type Listener struct {
	listener net.Listener
	dao      *dao.DAO
}

// Listen opens a TCP socket at addr (host:port).
func Listen(addr string, d *dao.DAO) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{listener: ln, dao: d}, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Close stops accepting connections.
func (l *Listener) Close() error { return l.listener.Close() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.New()
	logger := log.With().Stringer("conn", connID).Logger()

	raw, err := io.ReadAll(conn)
	if err != nil {
		logger.Info().Err(err).Msg("reading debug connection")
		return
	}

	sql := strings.TrimSpace(string(raw))
	if sql == "" {
		return
	}

	_, rows, err := l.dao.Run(ctx, sql)
	if err != nil {
		logger.Info().Err(err).Str("sql", sql).Msg("debug query failed")
		fmt.Fprint(conn, err.Error())
		return
	}

	w := bufio.NewWriter(conn)
	for _, row := range rows {
		for i, col := range row {
			if i > 0 {
				w.WriteByte('|')
			}
			fmt.Fprintf(w, "%v", col)
		}
		w.WriteByte('\n')
	}
	w.Flush()

	logger.Debug().Str("sql", sql).Int("rows", len(rows)).Msg("debug query served")
}
