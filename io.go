package milter

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/miltercore/scanmilter/internal/metrics"
)

// ioState mirrors the original event loop's per-connection state, kept here
// purely as a diagnostic/log field: Go's blocking-IO-per-goroutine model
// (the runtime's netpoller already performs the readiness multiplexing the
// original hand-rolled with libevent) does not need to branch on it to
// decide what syscall to issue next.
type ioState int

const (
	ioReadMore ioState = iota
	ioWriteReply
	ioWriteAndDie
	ioWannaDie
)

// FinishFunc is invoked once a message has been fully received (BODYEOB)
// and again when the MTA ends the session with QUIT. Implementers
// that need to do asynchronous work (e.g. call out to a scanner over HTTP)
// must call Session.Retain before returning and Session.Release once they
// are done pushing replies through Session.Encoder.
type FinishFunc func(ctx context.Context, s *Session)

// ErrorFunc is invoked when a session ends abnormally: a protocol error, an
// IO error, a timeout, or the MTA closing the connection without QUIT. err
// is always non-nil.
type ErrorFunc func(s *Session, err error)

// SessionCache lets an application observe session lifecycle without
// threading its own bookkeeping through FinishFunc/ErrorFunc. No
// implementation ships in this module; nil is legal and is the default.
type SessionCache interface {
	Add(id string, s *Session)
	Remove(id string)
}

// Options configures the milter core process-wide. Init must be called
// exactly once before HandleConn or ListenAndServe, and the values it
// captures are read-only thereafter.
type Options struct {
	// SpamHeader records the process-wide spam header name. Defaults to
	// "X-Spam" when empty. The core does not read it back: verdict.Apply
	// takes the header name it sets/clears as its own argument.
	SpamHeader string

	// DiscardOnReject is the default value of each new Session's
	// DiscardOnReject flag; a verdict's "reject": "discard" directive
	// overrides it per-session.
	DiscardOnReject bool

	// ChunkSize bounds a single command payload; declared lengths above
	// 2*ChunkSize are rejected as protocol errors. Defaults to
	// MaxChunkSize.
	ChunkSize int

	// SessionTimeout is the default per-session read/write timeout applied when
	// a ConnOptions passed to HandleConn leaves Timeout at zero. Zero
	// disables the deadline.
	SessionTimeout time.Duration

	// SessionCache, if set, is notified when a session is created and
	// when it is finally torn down.
	SessionCache SessionCache

	// Logger receives structured session/protocol events. Defaults to
	// zap.NewNop().
	Logger *zap.Logger
}

var (
	initOnce    sync.Once
	globalOpts  Options
	initialized atomic.Bool
)

// Init performs process-wide setup. Calling it more than once panics,
// matching the once-per-process nature of the options it captures.
func Init(opts Options) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = MaxChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SpamHeader == "" {
		opts.SpamHeader = "X-Spam"
	}
	already := true
	initOnce.Do(func() {
		already = false
		globalOpts = opts
		initialized.Store(true)
	})
	if already {
		panic("milter: Init called more than once")
	}
}

// ConnOptions configures a single accepted connection.
type ConnOptions struct {
	// Timeout bounds how long the session will wait for the next command
	// from the MTA. Zero disables the deadline.
	Timeout time.Duration

	FinishFunc FinishFunc
	ErrorFunc  ErrorFunc

	// UserData is attached to Session.UserData verbatim.
	UserData any
}

// sessionState is the Session's private IO/parser machinery. All fields
// except refcount are only ever touched by the session's own read loop
// EXCEPT outChain and the conn writes it guards, which pushOutbound/flush
// make safe to call from any goroutine (in particular, from a FinishFunc
// that delivers its verdict asynchronously on a different goroutine than
// the one that is blocked reading the next command).
type sessionState struct {
	conn    net.Conn
	timeout time.Duration

	fin FinishFunc
	err ErrorFunc

	parser  parserState
	ioState ioState

	refcount atomic.Int64

	connMu sync.Mutex // guards conn.Write via flush

	outMu    sync.Mutex
	outChain [][]byte

	logger *zap.Logger

	cache SessionCache
}

// pushOutbound appends an encoded frame to the outbound chain and flushes
// it immediately. It is safe to call concurrently with the read loop and
// with itself, per spec.md §4.4/§5's requirement that replies pushed from
// an asynchronous FinishFunc are not lost or interleaved.
func (p *sessionState) pushOutbound(frame []byte) {
	p.outMu.Lock()
	p.outChain = append(p.outChain, frame)
	p.outMu.Unlock()
	p.ioState = ioWriteReply
	if err := p.flush(); err != nil {
		p.logger.Debug("write failed while flushing reply", zap.Error(err))
	}
}

// flush drains the outbound chain in FIFO order. net.Conn.Write already
// loops internally until the full buffer is written or an error occurs, so
// unlike the original's hand-tracked (bytes, write_cursor) pair, a single
// Write call per queued frame is sufficient; connMu only needs to keep two
// flush calls (e.g. the read loop's and an async FinishFunc's) from
// interleaving their frames on the wire.
func (p *sessionState) flush() error {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	for {
		p.outMu.Lock()
		if len(p.outChain) == 0 {
			p.outMu.Unlock()
			return nil
		}
		next := p.outChain[0]
		p.outChain = p.outChain[1:]
		p.outMu.Unlock()

		if p.timeout != 0 {
			p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
		}
		if _, err := p.conn.Write(next); err != nil {
			return &IOError{Op: "write", Err: err}
		}
		metrics.BytesWritten.Add(float64(len(next)))
	}
}

func (p *sessionState) destroy() {
	p.conn.Close()
}

// HandleConn drives one milter connection to completion: it reads and
// decodes commands, dispatches them against a freshly created Session, and
// keeps flushing any replies the dispatch or an asynchronous FinishFunc
// pushes. It returns once the connection has been fully torn down. Callers
// that want to keep accepting other connections should invoke it in its
// own goroutine, as ListenAndServe does.
func HandleConn(conn net.Conn, opts ConnOptions) *Session {
	if !initialized.Load() {
		panic("milter: HandleConn called before Init")
	}
	s := newSession(conn, opts, globalOpts.ChunkSize, globalOpts.SessionTimeout, globalOpts.Logger)
	s.DiscardOnReject = globalOpts.DiscardOnReject
	s.priv.cache = globalOpts.SessionCache
	if s.priv.cache != nil {
		s.priv.cache.Add(s.ID, s)
	}
	metrics.SessionsAccepted.Inc()

	readLoop(s)
	return s
}

func readLoop(s *Session) {
	priv := s.priv
	buf := make([]byte, priv.parser.chunkSize)
	reason := "closed"

	defer func() {
		if priv.cache != nil {
			priv.cache.Remove(s.ID)
		}
		metrics.SessionsFinished.WithLabelValues(reason).Inc()
		s.Release()
	}()

	for {
		if priv.timeout != 0 {
			priv.conn.SetReadDeadline(time.Now().Add(priv.timeout))
		}

		n, rerr := priv.conn.Read(buf)
		if n > 0 {
			priv.parser.append(buf[:n])
			metrics.BytesRead.Add(float64(n))
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				reason = "peer_closed"
				dispatchErr(s, &PeerClosedError{})
				return
			}
			if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				reason = "timeout"
				dispatchErr(s, &TimeoutError{})
				return
			}
			reason = "io_error"
			dispatchErr(s, &IOError{Op: "read", Err: rerr})
			return
		}

		cont, err := priv.parser.consume(func(cmd byte, payload []byte) (bool, error) {
			return dispatch(s, Code(cmd), payload)
		})
		if err != nil {
			reason = "protocol_error"
			dispatchErr(s, err)
			return
		}
		if !cont {
			return
		}
	}
}

func dispatchErr(s *Session, err error) {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		metrics.ProtocolErrors.Inc()
	}
	if s.priv.err != nil {
		s.Retain()
		s.priv.err(s, err)
		s.Release()
	}
	s.priv.logger.Debug("session ending on error", zap.Error(err))
}

// ListenAndServe accepts connections on l until ctx is cancelled, handling
// each one in its own goroutine via HandleConn. newHandler is called once
// per accepted connection to produce that session's callbacks and user
// data. It returns once every in-flight connection goroutine has returned.
func ListenAndServe(ctx context.Context, l net.Listener, newHandler func() (FinishFunc, ErrorFunc, any)) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return g.Wait()
			default:
				return err
			}
		}
		g.Go(func() error {
			fin, errFn, userData := newHandler()
			HandleConn(conn, ConnOptions{FinishFunc: fin, ErrorFunc: errFn, UserData: userData})
			return nil
		})
	}
}
