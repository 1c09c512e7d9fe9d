// Command wsevent-tail connects to a WebSocket server and prints every
// event it receives.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/coder/wsevent"
	"github.com/coder/wsevent/wsnet"
)

func main() {
	err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsevent-tail: %v\n", err)
		os.Exit(1)
	}
}

type config struct {
	url          string
	stream       bool
	readLimit    int64
	pongRate     float64
	closeTimeout time.Duration
	duration     time.Duration
	verbose      bool
}

func parseFlags(args []string, stderr io.Writer) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("wsevent-tail", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&cfg.stream, "stream", false, "print each fragment as it arrives instead of whole messages")
	fs.Int64Var(&cfg.readLimit, "read-limit", 0, "max message size in bytes, negative for unlimited (default 32768)")
	fs.Float64Var(&cfg.pongRate, "pong-rate", 0, "max automatic pongs per second, 0 for unlimited")
	fs.DurationVar(&cfg.closeTimeout, "close-timeout", time.Second*5, "how long to wait for the server's close frame")
	fs.DurationVar(&cfg.duration, "duration", 0, "close the connection after this long, 0 to run until interrupted")
	fs.BoolVar(&cfg.verbose, "v", false, "log every frame")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: wsevent-tail [flags] <ws url>\n")
		fs.PrintDefaults()
	}

	err := fs.Parse(args)
	if err != nil {
		return cfg, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return cfg, xerrors.New("expected exactly one url argument")
	}
	cfg.url = fs.Arg(0)
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	log := slog.Make(sloghuman.Sink(stderr))
	if cfg.verbose {
		log = log.Leveled(slog.LevelDebug)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	pool := wsevent.NewPool(1)
	defer pool.Close()

	closed := make(chan struct{})
	p := &printer{w: stdout}
	l := p.listener(closed)

	opts := &wsnet.Options{
		CloseTimeout: cfg.closeTimeout,
	}
	opts.StreamFragments = cfg.stream
	opts.ReadLimit = cfg.readLimit
	opts.PongRateLimit = rate.Limit(cfg.pongRate)
	opts.Executor = pool.Executor()
	opts.Logger = log

	dialCtx, dialCancel := context.WithTimeout(ctx, time.Second*30)
	defer dialCancel()
	c, err := wsnet.Dial(dialCtx, cfg.url, l, opts)
	if err != nil {
		return err
	}
	log.Info(ctx, "connected", slog.F("url", cfg.url), slog.F("conn_id", c.Engine().ID().String()))

	var timeout <-chan time.Time
	if cfg.duration > 0 {
		timeout = time.After(cfg.duration)
	}
	select {
	case <-closed:
	case <-ctx.Done():
		err = closeAndWait(c, closed, wsevent.StatusGoingAway, "interrupted")
	case <-timeout:
		err = closeAndWait(c, closed, wsevent.StatusNormalClosure, "")
	}
	<-c.Done()
	if err != nil {
		return err
	}

	if ci, ok := c.Engine().CloseInfo(); ok {
		log.Info(context.Background(), "disconnected",
			slog.F("close", ci.String()),
			slog.F("bytes_read", c.BytesRead()),
		)
	}
	return p.err
}

func closeAndWait(c *wsnet.Conn, closed <-chan struct{}, code wsevent.StatusCode, reason string) error {
	err := c.Close(code, reason)
	if err != nil {
		if c.Engine().State() == wsevent.StateClosed {
			// Closed on its own in the meantime.
			return nil
		}
		return xerrors.Errorf("failed to close: %w", err)
	}
	<-closed
	return nil
}

// printer writes one line per event.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(f string, v ...interface{}) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, f+"\n", v...)
}

func (p *printer) listener(closed chan<- struct{}) wsevent.Listener {
	return wsevent.Listener{
		OnOpen: func(c *wsevent.Conn) {
			p.printf("open")
		},
		OnClose: func(c *wsevent.Conn, code wsevent.StatusCode, reason string) {
			p.printf("close %v %q", code, reason)
			close(closed)
		},
		OnError: func(err error) {
			p.printf("error %v", err)
			var aerr *wsevent.ApplicationError
			if !xerrors.As(err, &aerr) {
				close(closed)
			}
		},
		OnTextFrame: func(s string, fin bool, rsv int) error {
			p.printf("text fin=%v rsv=%d %s", fin, rsv, s)
			return nil
		},
		OnBinaryFrame: func(b []byte, fin bool, rsv int) error {
			p.printf("binary fin=%v rsv=%d %x", fin, rsv, b)
			return nil
		},
		OnPingFrame: func(b []byte) error {
			p.printf("ping %q", b)
			return nil
		},
		OnPongFrame: func(b []byte) error {
			p.printf("pong %q", b)
			return nil
		},
	}
}
