package milter

import (
	"encoding/binary"
)

// reply is a fully-encodable outbound frame body. Each concrete type below
// corresponds to one row of spec.md §4.4's table; encode() produces the
// full length-prefixed frame (uint32_BE(1+len(body)) || code || body),
// replacing the original C implementation's varargs-based
// rspamd_milter_send_action per spec.md §9's redesign note.
type reply interface {
	encode() []byte
}

func frame(code ReplyCode, body []byte) []byte {
	out := make([]byte, 4, 5+len(body))
	binary.BigEndian.PutUint32(out, uint32(1+len(body)))
	out = append(out, byte(code))
	out = append(out, body...)
	return out
}

type replyAccept struct{}

func (replyAccept) encode() []byte { return frame(ReplyAccept, nil) }

type replyContinue struct{}

func (replyContinue) encode() []byte { return frame(ReplyContinue, nil) }

type replyDiscard struct{}

func (replyDiscard) encode() []byte { return frame(ReplyDiscard, nil) }

type replyReject struct{}

func (replyReject) encode() []byte { return frame(ReplyReject, nil) }

type replyTempFail struct{}

func (replyTempFail) encode() []byte { return frame(ReplyTempFail, nil) }

type replyProgress struct{}

func (replyProgress) encode() []byte { return frame(ReplyProgress, nil) }

type replyQuarantine struct{ Reason string }

func (r replyQuarantine) encode() []byte {
	return frame(ReplyQuarantine, appendCString(nil, r.Reason))
}

type replyAddHeader struct{ Name, Value string }

func (r replyAddHeader) encode() []byte {
	body := appendCString(nil, r.Name)
	body = appendCString(body, r.Value)
	return frame(ReplyAddHeader, body)
}

type replyChgHeader struct {
	Index       uint32
	Name, Value string
}

func (r replyChgHeader) encode() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, r.Index)
	body = appendCString(body, r.Name)
	body = appendCString(body, r.Value)
	return frame(ReplyChgHeader, body)
}

type replyInsHeader struct {
	Index       uint32
	Name, Value string
}

func (r replyInsHeader) encode() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, r.Index)
	body = appendCString(body, r.Name)
	body = appendCString(body, r.Value)
	return frame(ReplyInsHeader, body)
}

type replyAddRcpt struct{ Rcpt string }

func (r replyAddRcpt) encode() []byte {
	return frame(ReplyAddRcpt, appendCString(nil, r.Rcpt))
}

type replyDelRcpt struct{ Rcpt string }

func (r replyDelRcpt) encode() []byte {
	return frame(ReplyDelRcpt, appendCString(nil, r.Rcpt))
}

type replyChgFrom struct{ From string }

func (r replyChgFrom) encode() []byte {
	return frame(ReplyChgFrom, appendCString(nil, r.From))
}

type replyReplyCode struct{ XCode, RCode, Text string }

func (r replyReplyCode) encode() []byte {
	line := r.RCode + " " + r.XCode + " " + r.Text
	return frame(ReplyReplyCode, appendCString(nil, line))
}

type replyOptNeg struct{ Version, Actions, Protocol uint32 }

func (r replyOptNeg) encode() []byte {
	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[0:4], r.Version)
	binary.BigEndian.PutUint32(body[4:8], r.Actions)
	binary.BigEndian.PutUint32(body[8:12], r.Protocol)
	return frame(ReplyOptNeg, body)
}

// Encoder is the Reply Encoder: it turns a milter action into a wire frame,
// appends it to the session's outbound chain, sets the IO state to
// ioWriteReply and flushes the chain to the connection at once.
type Encoder struct {
	s *Session
}

// Encoder returns the Reply Encoder bound to this session.
func (s *Session) Encoder() *Encoder { return &Encoder{s: s} }

func (e *Encoder) push(r reply) {
	e.s.priv.pushOutbound(r.encode())
}

func (e *Encoder) Accept()   { e.push(replyAccept{}) }
func (e *Encoder) Continue() { e.push(replyContinue{}) }
func (e *Encoder) Discard()  { e.push(replyDiscard{}) }
func (e *Encoder) Reject()   { e.push(replyReject{}) }
func (e *Encoder) TempFail() { e.push(replyTempFail{}) }
func (e *Encoder) Progress() { e.push(replyProgress{}) }

func (e *Encoder) Quarantine(reason string) { e.push(replyQuarantine{Reason: reason}) }

func (e *Encoder) AddHeader(name, value string) {
	e.push(replyAddHeader{Name: name, Value: value})
}

func (e *Encoder) ChgHeader(index uint32, name, value string) {
	e.push(replyChgHeader{Index: index, Name: name, Value: value})
}

func (e *Encoder) InsHeader(index uint32, name, value string) {
	e.push(replyInsHeader{Index: index, Name: name, Value: value})
}

func (e *Encoder) AddRcpt(rcpt string) { e.push(replyAddRcpt{Rcpt: rcpt}) }
func (e *Encoder) DelRcpt(rcpt string) { e.push(replyDelRcpt{Rcpt: rcpt}) }
func (e *Encoder) ChgFrom(from string) { e.push(replyChgFrom{From: from}) }

func (e *Encoder) ReplyCode(rcode, xcode, text string) {
	e.push(replyReplyCode{RCode: rcode, XCode: xcode, Text: text})
}

func (e *Encoder) OptNeg(version, actions, protocol uint32) {
	e.push(replyOptNeg{Version: version, Actions: actions, Protocol: protocol})
}
