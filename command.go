package milter

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/miltercore/scanmilter/internal/metrics"
)

// dispatch decodes one command's payload and applies it to s, mirroring
// spec.md §4.2's per-command table. cont mirrors the Frame Parser's
// dispatchFunc contract: false stops the read loop cleanly (QUIT with an
// empty outbound chain); err is a protocol error.
func dispatch(s *Session, cmd Code, payload []byte) (cont bool, err error) {
	metrics.CommandsProcessed.WithLabelValues(string(rune(cmd))).Inc()

	switch cmd {
	case CodeConnect:
		return true, handleConnect(s, payload)
	case CodeMacro:
		return true, handleMacro(s, payload)
	case CodeHelo:
		s.Helo = strings.TrimSuffix(string(payload), null)
		return true, nil
	case CodeMail:
		from, _, _ := splitCString(payload)
		s.From = strings.Trim(from, "<>")
		return true, nil
	case CodeRcpt:
		rcpt, _, _ := splitCString(payload)
		s.Rcpts = append(s.Rcpts, strings.Trim(rcpt, "<>"))
		return true, nil
	case CodeHeader:
		return true, handleHeader(s, payload)
	case CodeEOH:
		s.ensureMessage()
		s.Message.WriteString("\r\n")
		return true, nil
	case CodeBody:
		s.ensureMessage()
		s.Message.Write(payload)
		return true, nil
	case CodeEOB:
		return true, handleFinish(s)
	case CodeData:
		s.ensureMessage()
		return true, nil
	case CodeAbort:
		s.resetAbort()
		return true, nil
	case CodeQuitNC:
		s.resetQuitNC()
		return true, nil
	case CodeQuit:
		return handleQuit(s)
	case CodeOptNeg:
		return true, handleOptNeg(s, payload)
	case CodeUnknown:
		return true, nil
	default:
		return false, &ProtocolError{Reason: fmt.Sprintf("unhandled command: %c", byte(cmd))}
	}
}

func handleConnect(s *Session, payload []byte) error {
	hostname, rest, ok := splitCString(payload)
	if !ok {
		return &ProtocolError{Reason: "CONNECT missing hostname terminator"}
	}
	s.Hostname = hostname

	if len(rest) < 1 {
		return &ProtocolError{Reason: "CONNECT missing family byte"}
	}
	family := ProtoFamily(rest[0])
	rest = rest[1:]

	var port uint16
	if family == FamilyInet || family == FamilyInet6 {
		if len(rest) < 2 {
			return &ProtocolError{Reason: "CONNECT missing port"}
		}
		port = binary.BigEndian.Uint16(rest)
		rest = rest[2:]
	}

	address := readCString(rest)

	switch family {
	case FamilyInet:
		s.PeerAddr = &net.TCPAddr{IP: net.ParseIP(address), Port: int(port)}
	case FamilyInet6:
		normalized := normalizeIPv6(address)
		ip := net.ParseIP(strings.Trim(normalized, "[]"))
		s.PeerAddr = &net.TCPAddr{IP: ip, Port: int(port)}
	case FamilyUnix:
		s.PeerAddr = &net.UnixAddr{Name: address, Net: "unix"}
	case FamilyUnknown:
		s.PeerAddr = nil
	default:
		return &ProtocolError{Reason: fmt.Sprintf("CONNECT unknown family byte: %c", byte(family))}
	}
	return nil
}

// normalizeIPv6 strips a Sendmail-style "IPv6:" prefix and wraps a bare
// address in brackets, per spec.md §4.2/§8 scenario 3.
func normalizeIPv6(raw string) string {
	raw = strings.TrimPrefix(raw, "IPv6:")
	if !strings.HasPrefix(raw, "[") {
		raw = "[" + raw + "]"
	}
	return raw
}

func handleMacro(s *Session, payload []byte) error {
	if len(payload) == 0 {
		// An empty payload is a legal no-op MACRO: no command byte, no
		// name/value pairs.
		return nil
	}
	rest := payload[1:]
	if s.Macros == nil {
		s.Macros = newMacroSet()
	}
	for len(rest) > 0 {
		name, after, ok := splitCString(rest)
		if !ok {
			// A trailing unterminated name with no value is tolerated: the
			// original treats an odd tail as an empty-valued macro.
			s.Macros.set(name, "")
			break
		}
		value, after2, ok := splitCString(after)
		if !ok {
			s.Macros.set(name, string(after))
			break
		}
		s.Macros.set(name, value)
		rest = after2
	}
	if v, ok := s.Macros.get("{mail_host}"); ok {
		s.Hostname = v
	}
	return nil
}

func handleHeader(s *Session, payload []byte) error {
	name, rest, ok := splitCString(payload)
	if !ok {
		return &ProtocolError{Reason: "HEADER missing name terminator"}
	}
	value, _, ok := splitCString(rest)
	if !ok {
		// A header with an empty value arrives as "name\x00\x00" and splits
		// cleanly into an empty value; a value with no terminating NUL is a
		// protocol error.
		return &ProtocolError{Reason: "HEADER missing value terminator"}
	}

	s.HeadersSeen.incr(name)
	s.ensureMessage()
	s.Message.WriteString(name)
	s.Message.WriteString(": ")
	s.Message.WriteString(value)
	s.Message.WriteString("\r\n")
	return nil
}

func handleFinish(s *Session) error {
	if s.priv.fin != nil {
		s.Retain()
		s.priv.fin(nil, s)
		s.Release()
	}
	return nil
}

func handleQuit(s *Session) (cont bool, err error) {
	s.priv.outMu.Lock()
	pending := len(s.priv.outChain) > 0
	s.priv.outMu.Unlock()

	if pending {
		s.priv.ioState = ioWriteAndDie
		if ferr := s.priv.flush(); ferr != nil {
			return false, nil
		}
	}

	if s.priv.fin != nil {
		s.Retain()
		s.priv.fin(nil, s)
		s.Release()
	}
	return false, nil
}

func handleOptNeg(s *Session, payload []byte) error {
	if len(payload) < 12 {
		return &ProtocolError{Reason: "OPTNEG payload too short"}
	}
	version := binary.BigEndian.Uint32(payload[0:4])
	actions := binary.BigEndian.Uint32(payload[4:8])

	if version < MinVersion {
		return &ProtocolError{Reason: fmt.Sprintf("unsupported milter version: %d", version)}
	}

	s.Encoder().OptNeg(MinVersion, actions|uint32(ActionsMask), uint32(NoReplyMask))
	return nil
}
