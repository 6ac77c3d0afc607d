package milter

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestDispatch_ConnectInet(t *testing.T) {
	s, _ := newTestSession(t)

	payload := append([]byte("mx.example.org\x00"), byte(FamilyInet))
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, 25)
	payload = append(payload, port...)
	payload = append(payload, []byte("192.0.2.1\x00")...)

	cont, err := dispatch(s, CodeConnect, payload)
	if err != nil || !cont {
		t.Fatalf("dispatch failed: cont=%v err=%v", cont, err)
	}
	if s.Hostname != "mx.example.org" {
		t.Fatalf("wrong hostname: %q", s.Hostname)
	}
	tcpAddr, ok := s.PeerAddr.(*net.TCPAddr)
	if !ok {
		t.Fatalf("expected *net.TCPAddr, got %T", s.PeerAddr)
	}
	if tcpAddr.Port != 25 || tcpAddr.IP.String() != "192.0.2.1" {
		t.Fatalf("wrong peer addr: %+v", tcpAddr)
	}
}

func TestDispatch_ConnectInet6_StripsSendmailPrefix(t *testing.T) {
	s, _ := newTestSession(t)

	payload := append([]byte("mx.example.org\x00"), byte(FamilyInet6))
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, 465)
	payload = append(payload, port...)
	payload = append(payload, []byte("IPv6:2001:db8::1\x00")...)

	_, err := dispatch(s, CodeConnect, payload)
	if err != nil {
		t.Fatal(err)
	}
	tcpAddr, ok := s.PeerAddr.(*net.TCPAddr)
	if !ok {
		t.Fatalf("expected *net.TCPAddr, got %T", s.PeerAddr)
	}
	if tcpAddr.IP.String() != "2001:db8::1" {
		t.Fatalf("wrong IPv6 address: %v", tcpAddr.IP)
	}
}

func TestDispatch_ConnectUnix(t *testing.T) {
	s, _ := newTestSession(t)

	payload := append([]byte("localhost\x00"), byte(FamilyUnix))
	payload = append(payload, []byte("/var/run/sock\x00")...)

	_, err := dispatch(s, CodeConnect, payload)
	if err != nil {
		t.Fatal(err)
	}
	unixAddr, ok := s.PeerAddr.(*net.UnixAddr)
	if !ok {
		t.Fatalf("expected *net.UnixAddr, got %T", s.PeerAddr)
	}
	if unixAddr.Name != "/var/run/sock" {
		t.Fatalf("wrong socket path: %q", unixAddr.Name)
	}
}

func TestDispatch_ConnectUnknownFamily_LeavesPeerAddrNil(t *testing.T) {
	s, _ := newTestSession(t)

	payload := append([]byte("localhost\x00"), byte(FamilyUnknown))

	_, err := dispatch(s, CodeConnect, payload)
	if err != nil {
		t.Fatal(err)
	}
	if s.PeerAddr != nil {
		t.Fatalf("expected nil PeerAddr, got %v", s.PeerAddr)
	}
}

func TestDispatch_HeaderCounting(t *testing.T) {
	s, _ := newTestSession(t)

	for i := 0; i < 3; i++ {
		payload := append([]byte("Received\x00"), []byte("from a; from b\x00")...)
		if _, err := dispatch(s, CodeHeader, payload); err != nil {
			t.Fatal(err)
		}
	}

	if got := s.HeaderCount("Received"); got != 3 {
		t.Fatalf("HeaderCount = %d, want 3", got)
	}
	// case-insensitive
	if got := s.HeaderCount("received"); got != 3 {
		t.Fatalf("HeaderCount (lowercase) = %d, want 3", got)
	}
	if s.Message == nil || s.Message.Len() == 0 {
		t.Fatal("HEADER should accumulate into the message buffer")
	}
}

func TestDispatch_MacroSetsMailHostOverride(t *testing.T) {
	s, _ := newTestSession(t)
	s.Hostname = "original.example.org"

	payload := append([]byte{byte(CodeHelo)}, []byte("{mail_host}\x00override.example.org\x00")...)
	if _, err := dispatch(s, CodeMacro, payload); err != nil {
		t.Fatal(err)
	}
	if s.Hostname != "override.example.org" {
		t.Fatalf("wrong hostname after macro override: %q", s.Hostname)
	}
	if v, ok := s.Macros.Get("{mail_host}"); !ok || v != "override.example.org" {
		t.Fatalf("macro not recorded: %q %v", v, ok)
	}
}

func TestDispatch_MacroEmptyPayloadIsLegalNoOp(t *testing.T) {
	s, _ := newTestSession(t)

	if _, err := dispatch(s, CodeMacro, nil); err != nil {
		t.Fatalf("empty MACRO payload should be a legal no-op, got error: %v", err)
	}
}

func TestDispatch_MailAndRcptTrimAngleBrackets(t *testing.T) {
	s, _ := newTestSession(t)

	if _, err := dispatch(s, CodeMail, []byte("<a@example.org>\x00")); err != nil {
		t.Fatal(err)
	}
	if s.From != "a@example.org" {
		t.Fatalf("wrong From: %q", s.From)
	}

	if _, err := dispatch(s, CodeRcpt, []byte("<b@example.org>\x00")); err != nil {
		t.Fatal(err)
	}
	if _, err := dispatch(s, CodeRcpt, []byte("<c@example.org>\x00")); err != nil {
		t.Fatal(err)
	}
	if len(s.Rcpts) != 2 || s.Rcpts[0] != "b@example.org" || s.Rcpts[1] != "c@example.org" {
		t.Fatalf("wrong Rcpts: %v", s.Rcpts)
	}
}

func TestDispatch_OptNegRepliesWithMinVersion(t *testing.T) {
	s, client := newTestSession(t)

	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], MinVersion)
	binary.BigEndian.PutUint32(payload[4:8], uint32(OptAddHeader))
	binary.BigEndian.PutUint32(payload[8:12], 0)

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := client.Read(buf)
		readDone <- buf[:n]
	}()

	if _, err := dispatch(s, CodeOptNeg, payload); err != nil {
		t.Fatal(err)
	}

	reply := <-readDone
	if len(reply) < 5 || reply[4] != byte(ReplyOptNeg) {
		t.Fatalf("expected an OPTNEG reply, got %v", reply)
	}
	if len(reply) < 9 || binary.BigEndian.Uint32(reply[5:9]) != MinVersion {
		t.Fatalf("expected OPTNEG version %d, got %v", MinVersion, reply)
	}
}

func TestDispatch_OptNegRejectsOldVersion(t *testing.T) {
	s, _ := newTestSession(t)

	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], MinVersion-1)

	_, err := dispatch(s, CodeOptNeg, payload)
	if err == nil {
		t.Fatal("expected a protocol error for an old OPTNEG version")
	}
}

func TestDispatch_EOB_InvokesFinishFunc(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	var mu sync.Mutex
	var calledWith *Session

	opts := ConnOptions{
		FinishFunc: func(ctx context.Context, sess *Session) {
			mu.Lock()
			calledWith = sess
			mu.Unlock()
		},
	}
	s := newSession(server, opts, MaxChunkSize, 0, zap.NewNop())
	s.ensureMessage()
	s.Message.WriteString("Subject: hi\r\n")

	if _, err := dispatch(s, CodeEOB, nil); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calledWith != s {
		t.Fatal("FinishFunc should have been invoked with the session")
	}
}
