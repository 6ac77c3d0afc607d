// Package mtasim simulates the MTA side of the milter wire protocol: it
// dials a milter core, drives it through OPTNEG/CONNECT/HELO/envelope/body
// commands, and decodes the replies it sends back. It exists for tests and
// for the milter-check debug CLI, playing the role the teacher's
// client.go played for emersion's milter package.
package mtasim

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miltercore/scanmilter"
)

// packet is the raw on-wire (code, payload) pair, decoupled from
// scanmilter's internal frame representation since this package only ever
// needs to build and parse bytes, never dispatch them.
type packet struct {
	code byte
	data []byte
}

func readPacket(conn net.Conn) (*packet, error) {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length < 1 {
		return nil, fmt.Errorf("mtasim: zero-length frame")
	}
	buf := make([]byte, length)
	if _, err := readFull(conn, buf); err != nil {
		return nil, err
	}
	return &packet{code: buf[0], data: buf[1:]}, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writePacket(conn net.Conn, p *packet) error {
	out := make([]byte, 4, 5+len(p.data))
	binary.BigEndian.PutUint32(out, uint32(1+len(p.data)))
	out = append(out, p.code)
	out = append(out, p.data...)
	_, err := conn.Write(out)
	return err
}

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0x00)
}

func readCString(data []byte) string {
	if i := bytes.IndexByte(data, 0); i != -1 {
		return string(data[:i])
	}
	return string(data)
}

// Client dials milter cores for testing.
type Client struct {
	Network string
	Address string
	Timeout time.Duration
}

func NewClient(network, address string) *Client {
	return &Client{Network: network, Address: address}
}

// Session opens a connection and negotiates protocol options.
func (c *Client) Session(actions milter.OptAction, protocol milter.OptProtocol) (*Session, error) {
	conn, err := net.DialTimeout(c.Network, c.Address, c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("mtasim: dial: %w", err)
	}
	s := &Session{conn: conn}
	if err := s.negotiate(actions, protocol); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Session drives one simulated MTA connection through the milter protocol.
type Session struct {
	conn     net.Conn
	actions  milter.OptAction
	protocol milter.OptProtocol
	sawFrom  bool
}

func (s *Session) negotiate(actions milter.OptAction, protocol milter.OptProtocol) error {
	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[0:4], milter.MinVersion)
	binary.BigEndian.PutUint32(body[4:8], uint32(actions))
	binary.BigEndian.PutUint32(body[8:12], uint32(protocol))

	if err := writePacket(s.conn, &packet{code: byte(milter.CodeOptNeg), data: body}); err != nil {
		return fmt.Errorf("mtasim: negotiate: %w", err)
	}
	p, err := readPacket(s.conn)
	if err != nil {
		return fmt.Errorf("mtasim: negotiate: read: %w", err)
	}
	if milter.ReplyCode(p.code) != milter.ReplyOptNeg {
		return fmt.Errorf("mtasim: negotiate: unexpected reply code %q", p.code)
	}
	if len(p.data) != 12 {
		return fmt.Errorf("mtasim: negotiate: unexpected body length %d", len(p.data))
	}
	milterActions := binary.BigEndian.Uint32(p.data[4:8])
	milterProto := binary.BigEndian.Uint32(p.data[8:12])
	s.actions = actions & milter.OptAction(milterActions)
	s.protocol = protocol & milter.OptProtocol(milterProto)
	return nil
}

// Action reports one reply frame from the core.
type Action struct {
	Code milter.ReplyCode

	Reason string // Quarantine

	SMTPCode int    // ReplyCode
	SMTPText string // ReplyCode
}

func (s *Session) readAction() (*Action, error) {
	for {
		p, err := readPacket(s.conn)
		if err != nil {
			return nil, fmt.Errorf("mtasim: read action: %w", err)
		}
		if milter.ReplyCode(p.code) == milter.ReplyProgress {
			continue
		}
		return parseAction(p)
	}
}

func parseAction(p *packet) (*Action, error) {
	act := &Action{Code: milter.ReplyCode(p.code)}
	switch act.Code {
	case milter.ReplyAccept, milter.ReplyContinue, milter.ReplyDiscard,
		milter.ReplyReject, milter.ReplyTempFail:
	case milter.ReplyQuarantine:
		act.Reason = readCString(p.data)
	case milter.ReplyReplyCode:
		line := readCString(p.data)
		var rcode, xcode, text string
		fmt.Sscanf(line, "%s %s", &rcode, &xcode)
		if len(line) > len(rcode)+len(xcode)+2 {
			text = line[len(rcode)+len(xcode)+2:]
		}
		code, err := strconv.Atoi(rcode)
		if err != nil {
			return nil, fmt.Errorf("mtasim: malformed reply code %q", rcode)
		}
		act.SMTPCode = code
		act.SMTPText = text
	default:
		return nil, fmt.Errorf("mtasim: unexpected reply code %q", p.code)
	}
	return act, nil
}

// readActionUnless reads the next reply unless the negotiated protocol told
// the core it need not send one for this step, mirroring how a real MTA
// honors the SMFIP_NO* bits it agreed to during OPTNEG instead of always
// blocking for a per-command reply.
func (s *Session) readActionUnless(suppressed milter.OptProtocol) (*Action, error) {
	if s.protocol&suppressed != 0 {
		return &Action{Code: milter.ReplyContinue}, nil
	}
	return s.readAction()
}

// Macros sends a MACRO command carrying the given name/value pairs, tagged
// with the command they precede. MACRO never gets a reply, matching
// SMFIC_MACRO's fire-and-forget wire behavior.
func (s *Session) Macros(cmd milter.Code, kv ...string) error {
	if len(kv)%2 != 0 {
		return fmt.Errorf("mtasim: macros: odd number of key/value arguments")
	}
	data := []byte{byte(cmd)}
	for i := 0; i < len(kv); i += 2 {
		data = appendCString(data, kv[i])
		data = appendCString(data, kv[i+1])
	}
	return writePacket(s.conn, &packet{code: byte(milter.CodeMacro), data: data})
}

// Conn sends the CONNECT command.
func (s *Session) Conn(hostname string, family milter.ProtoFamily, port uint16, addr string) (*Action, error) {
	data := appendCString(nil, hostname)
	data = append(data, byte(family))
	if family == milter.FamilyInet || family == milter.FamilyInet6 {
		lb := make([]byte, 2)
		binary.BigEndian.PutUint16(lb, port)
		data = append(data, lb...)
	}
	if family != milter.FamilyUnknown {
		data = appendCString(data, addr)
	}
	if err := writePacket(s.conn, &packet{code: byte(milter.CodeConnect), data: data}); err != nil {
		return nil, fmt.Errorf("mtasim: conn: %w", err)
	}
	return s.readActionUnless(milter.ProtoNoConnect)
}

// Helo sends the HELO command.
func (s *Session) Helo(name string) (*Action, error) {
	if err := writePacket(s.conn, &packet{code: byte(milter.CodeHelo), data: appendCString(nil, name)}); err != nil {
		return nil, fmt.Errorf("mtasim: helo: %w", err)
	}
	return s.readActionUnless(milter.ProtoNoHelo)
}

// Mail sends the MAIL command.
func (s *Session) Mail(sender string) (*Action, error) {
	if err := writePacket(s.conn, &packet{code: byte(milter.CodeMail), data: appendCString(nil, "<"+sender+">")}); err != nil {
		return nil, fmt.Errorf("mtasim: mail: %w", err)
	}
	s.sawFrom = true
	return s.readActionUnless(milter.ProtoNoMailFrom)
}

// Rcpt sends one RCPT command.
func (s *Session) Rcpt(rcpt string) (*Action, error) {
	if err := writePacket(s.conn, &packet{code: byte(milter.CodeRcpt), data: appendCString(nil, "<"+rcpt+">")}); err != nil {
		return nil, fmt.Errorf("mtasim: rcpt: %w", err)
	}
	return s.readActionUnless(milter.ProtoNoRcptTo)
}

// HeaderField sends one HEADER command.
func (s *Session) HeaderField(name, value string) (*Action, error) {
	data := appendCString(nil, name)
	data = appendCString(data, value)
	if err := writePacket(s.conn, &packet{code: byte(milter.CodeHeader), data: data}); err != nil {
		return nil, fmt.Errorf("mtasim: header field: %w", err)
	}
	return s.readActionUnless(milter.ProtoNoHeaders)
}

// HeaderEnd sends the EOH command.
func (s *Session) HeaderEnd() (*Action, error) {
	if err := writePacket(s.conn, &packet{code: byte(milter.CodeEOH)}); err != nil {
		return nil, fmt.Errorf("mtasim: header end: %w", err)
	}
	return s.readActionUnless(milter.ProtoNoEOH)
}

// BodyChunk sends one BODY command. Chunks larger than MaxChunkSize should
// be split by the caller.
func (s *Session) BodyChunk(chunk []byte) (*Action, error) {
	if err := writePacket(s.conn, &packet{code: byte(milter.CodeBody), data: chunk}); err != nil {
		return nil, fmt.Errorf("mtasim: body chunk: %w", err)
	}
	return s.readActionUnless(milter.ProtoNoBody)
}

// ModifyAction is one modification reply (ADDHEADER, CHGHEADER, ADDRCPT,
// DELRCPT, CHGFROM, QUARANTINE) received while draining the EOB response.
type ModifyAction struct {
	Code milter.ReplyCode

	Rcpt string

	Index  uint32
	Name   string
	Value  string
	From   string
	Reason string
}

func parseModifyAction(p *packet) (*ModifyAction, error) {
	act := &ModifyAction{Code: milter.ReplyCode(p.code)}
	switch act.Code {
	case milter.ReplyAddRcpt, milter.ReplyDelRcpt:
		act.Rcpt = readCString(p.data)
	case milter.ReplyChgFrom:
		act.From = readCString(p.data)
	case milter.ReplyQuarantine:
		act.Reason = readCString(p.data)
	case milter.ReplyAddHeader:
		name := readCString(p.data)
		value := readCString(p.data[len(name)+1:])
		act.Name, act.Value = name, value
	case milter.ReplyChgHeader, milter.ReplyInsHeader:
		if len(p.data) < 4 {
			return nil, fmt.Errorf("mtasim: modify action missing index")
		}
		act.Index = binary.BigEndian.Uint32(p.data[:4])
		rest := p.data[4:]
		name := readCString(rest)
		value := readCString(rest[len(name)+1:])
		act.Name, act.Value = name, value
	default:
		return nil, fmt.Errorf("mtasim: unexpected modify code %q", p.code)
	}
	return act, nil
}

func (s *Session) readModifyActions() ([]ModifyAction, *Action, error) {
	var mods []ModifyAction
	for {
		p, err := readPacket(s.conn)
		if err != nil {
			return nil, nil, fmt.Errorf("mtasim: read modify actions: %w", err)
		}
		switch milter.ReplyCode(p.code) {
		case milter.ReplyAddRcpt, milter.ReplyDelRcpt, milter.ReplyChgFrom,
			milter.ReplyAddHeader, milter.ReplyChgHeader, milter.ReplyInsHeader,
			milter.ReplyQuarantine:
			mod, err := parseModifyAction(p)
			if err != nil {
				return nil, nil, err
			}
			mods = append(mods, *mod)
		case milter.ReplyProgress:
			continue
		default:
			act, err := parseAction(p)
			if err != nil {
				return nil, nil, err
			}
			return mods, act, nil
		}
	}
}

// End sends BODYEOB and drains every modification reply plus the final
// terminal action.
func (s *Session) End() ([]ModifyAction, *Action, error) {
	if err := writePacket(s.conn, &packet{code: byte(milter.CodeEOB)}); err != nil {
		return nil, nil, fmt.Errorf("mtasim: end: %w", err)
	}
	return s.readModifyActions()
}

// Abort sends the ABORT command, discarding the in-flight message.
func (s *Session) Abort() error {
	return writePacket(s.conn, &packet{code: byte(milter.CodeAbort)})
}

// Close sends QUIT and closes the connection.
func (s *Session) Close() error {
	if err := writePacket(s.conn, &packet{code: byte(milter.CodeQuit)}); err != nil {
		s.conn.Close()
		return fmt.Errorf("mtasim: close: %w", err)
	}
	return s.conn.Close()
}
