// Command milter-check plays the MTA side of a milter conversation: it
// dials a running core, drives it through CONNECT/HELO/MAIL/RCPT, feeds it
// an RFC 822 message read from stdin, and prints every reply it receives.
package main

import (
	"bufio"
	"flag"
	"io"
	"log"
	"os"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/miltercore/scanmilter"
	"github.com/miltercore/scanmilter/mtasim"
)

func printAction(prefix string, act *mtasim.Action) {
	switch act.Code {
	case milter.ReplyAccept:
		log.Println(prefix, "accept")
	case milter.ReplyReject:
		log.Println(prefix, "reject")
	case milter.ReplyDiscard:
		log.Println(prefix, "discard")
	case milter.ReplyTempFail:
		log.Println(prefix, "temp. fail")
	case milter.ReplyQuarantine:
		log.Println(prefix, "quarantine:", act.Reason)
	case milter.ReplyReplyCode:
		log.Println(prefix, "reply code:", act.SMTPCode, act.SMTPText)
	case milter.ReplyContinue:
		log.Println(prefix, "continue")
	}
}

func printModifyAction(act mtasim.ModifyAction) {
	switch act.Code {
	case milter.ReplyAddHeader:
		log.Printf("add header: name %s, value %s", act.Name, act.Value)
	case milter.ReplyInsHeader:
		log.Printf("insert header: at %d, name %s, value %s", act.Index, act.Name, act.Value)
	case milter.ReplyChgFrom:
		log.Printf("change from: %s", act.From)
	case milter.ReplyChgHeader:
		log.Printf("change header: at %d, name %s, value %s", act.Index, act.Name, act.Value)
	case milter.ReplyAddRcpt:
		log.Println("add rcpt:", act.Rcpt)
	case milter.ReplyDelRcpt:
		log.Println("del rcpt:", act.Rcpt)
	case milter.ReplyQuarantine:
		log.Println("quarantine:", act.Reason)
	}
}

func main() {
	transport := flag.String("transport", "unix", "Transport to use for milter connection: 'tcp' or 'unix'")
	address := flag.String("address", "", "Transport address: path for 'unix', address:port for 'tcp'")
	hostname := flag.String("hostname", "localhost", "Value to send in CONNECT message")
	family := flag.String("family", string(milter.FamilyInet), "Protocol family byte to send in CONNECT message")
	port := flag.Uint("port", 2525, "Port to send in CONNECT message")
	connAddr := flag.String("conn-addr", "127.0.0.1", "Connection address to send in CONNECT message")
	helo := flag.String("helo", "localhost", "Value to send in HELO message")
	mailFrom := flag.String("from", "sender@example.org", "Value to send in MAIL message")
	rcptTo := flag.String("rcpt", "recipient@example.com", "Comma-separated list of values for RCPT messages")
	actionMask := flag.Uint("actions", uint(milter.ActionsMask), "Bitmask of actions we allow")
	noReply := flag.Uint("no-reply", uint(milter.NoReplyMask), "Bitmask of commands the milter may skip replying to")
	flag.Parse()

	c := mtasim.NewClient(*transport, *address)

	s, err := c.Session(milter.OptAction(*actionMask), milter.OptProtocol(*noReply))
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	act, err := s.Conn(*hostname, milter.ProtoFamily((*family)[0]), uint16(*port), *connAddr)
	if err != nil {
		log.Fatal(err)
	}
	printAction("CONNECT:", act)
	if act.Code != milter.ReplyContinue {
		return
	}

	act, err = s.Helo(*helo)
	if err != nil {
		log.Fatal(err)
	}
	printAction("HELO:", act)
	if act.Code != milter.ReplyContinue {
		return
	}

	act, err = s.Mail(*mailFrom)
	if err != nil {
		log.Fatal(err)
	}
	printAction("MAIL:", act)
	if act.Code != milter.ReplyContinue {
		return
	}

	for _, rcpt := range strings.Split(*rcptTo, ",") {
		act, err = s.Rcpt(rcpt)
		if err != nil {
			log.Fatal(err)
		}
		printAction("RCPT:", act)
		if act.Code != milter.ReplyContinue {
			return
		}
	}

	bufR := bufio.NewReader(os.Stdin)
	hdr, err := textproto.ReadHeader(bufR)
	if err != nil {
		log.Fatal("header parse:", err)
	}

	for f := hdr.Fields(); f.Next(); {
		act, err = s.HeaderField(f.Key(), f.Value())
		if err != nil {
			log.Fatal(err)
		}
		printAction("HEADER:", act)
		if act.Code != milter.ReplyContinue {
			return
		}
	}

	act, err = s.HeaderEnd()
	if err != nil {
		log.Fatal(err)
	}
	printAction("EOH:", act)
	if act.Code != milter.ReplyContinue {
		return
	}

	buf := make([]byte, milter.MaxChunkSize)
	for {
		n, rerr := bufR.Read(buf)
		if n > 0 {
			act, err = s.BodyChunk(buf[:n])
			if err != nil {
				log.Fatal(err)
			}
			printAction("BODY:", act)
			if act.Code != milter.ReplyContinue {
				return
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			log.Fatal("stdin error:", rerr)
		}
	}

	modifyActs, act, err := s.End()
	if err != nil {
		log.Fatal(err)
	}
	for _, m := range modifyActs {
		printModifyAction(m)
	}
	printAction("EOB:", act)
}
