package milter

import (
	"bytes"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session holds per-connection milter state: the envelope, the
// accumulating message, and the parser/IO machinery needed to talk back to
// the MTA. Fields other than priv are safe to read from a FinishFunc or
// ErrorFunc callback; they must not be mutated concurrently with the
// session's own read loop.
type Session struct {
	// ID uniquely identifies this session for the lifetime of the
	// connection; it survives ABORT and QUIT_NC resets.
	ID string

	PeerAddr net.Addr
	Hostname string
	Helo     string
	From     string
	Rcpts    []string
	Message  *bytes.Buffer

	HeadersSeen *headerCounts
	Macros      *macroSet

	// DiscardOnReject and NoAction are the verdict applier's per-session
	// policy toggles: a "reject": "discard" milter directive sets the
	// former, and a "no_action" directive sets the latter, per spec.md
	// §4.5. Neither is cleared by an ABORT or QUIT_NC reset.
	DiscardOnReject bool
	NoAction        bool

	// UserData is opaque application state attached at HandleConn time.
	UserData any

	priv *sessionState
}

func newSession(conn net.Conn, opts ConnOptions, chunkSize int, defaultTimeout time.Duration, logger *zap.Logger) *Session {
	id := uuid.NewString()
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	s := &Session{
		ID:          id,
		HeadersSeen: newHeaderCounts(),
		UserData:    opts.UserData,
	}
	s.priv = &sessionState{
		conn:    conn,
		timeout: timeout,
		fin:     opts.FinishFunc,
		err:     opts.ErrorFunc,
		parser:  newParserState(chunkSize),
		ioState: ioReadMore,
		logger:  logger.With(zap.String("session_id", id)),
	}
	s.priv.refcount.Store(1)
	return s
}

// ensureMessage lazily allocates the message buffer, matching the
// original's "message is never nil once any body or header bytes arrive"
// invariant without paying for an allocation on connections that never
// accumulate a body.
func (s *Session) ensureMessage() {
	if s.Message == nil {
		s.Message = new(bytes.Buffer)
	}
}

// TakeMessage returns the accumulated message and resets the session's
// buffer to empty, matching the Session→HTTP Adapter's "moved, leaving
// the session with an empty buffer" contract.
func (s *Session) TakeMessage() []byte {
	if s.Message == nil {
		return nil
	}
	data := s.Message.Bytes()
	out := make([]byte, len(data))
	copy(out, data)
	s.Message.Reset()
	return out
}

// resetAbort clears envelope and message state, per the ABORT reset scope.
// PeerAddr and Macros are preserved.
func (s *Session) resetAbort() {
	if s.Message != nil {
		s.Message.Reset()
	}
	s.From = ""
	s.Rcpts = nil
	s.Helo = ""
	s.Hostname = ""
	s.HeadersSeen.reset()
}

// resetQuitNC additionally clears PeerAddr and Macros, per the QUIT_NC
// reset scope (a new envelope arriving on the same connection).
func (s *Session) resetQuitNC() {
	s.resetAbort()
	s.PeerAddr = nil
	s.Macros = nil
}

// HeaderCount reports how many HEADER commands with name have been seen
// in the current message epoch, for callers outside this package (the
// verdict applier's remove_headers index arithmetic).
func (s *Session) HeaderCount(name string) int {
	return s.HeadersSeen.count(name)
}

// Retain increments the session's reference count. Application code that
// holds onto a *Session across an asynchronous boundary (e.g. while an
// HTTP scan request is in flight) must call Retain before returning from
// FinishFunc and Release once it is done pushing replies, so the session
// cannot be torn down out from under it.
func (s *Session) Retain() *Session {
	s.priv.refcount.Add(1)
	return s
}

// Release decrements the session's reference count, tearing the session
// down (closing the connection and running the destructor) when it
// reaches zero. This corresponds to the connection's own lifetime, not to
// any single message: a FinishFunc that has merely finished applying a
// verdict for one message on a connection that stays open must not call
// Release beyond the calls that pair with its own Retain calls.
func (s *Session) Release() {
	if s.priv.refcount.Add(-1) == 0 {
		s.priv.destroy()
	}
}
