package verdict

import (
	"context"
	"net"
	"sync"
	"testing"

	"go.uber.org/zap"

	milter "github.com/miltercore/scanmilter"
	"github.com/miltercore/scanmilter/mtasim"
)

// initOnce guards milter.Init, which panics if called more than once per
// process; every test in this file shares one core configuration and
// distinguishes behavior via the verdict each FinishFunc closure applies.
var initOnce sync.Once

func startCore(t *testing.T, finish milter.FinishFunc) *mtasim.Client {
	t.Helper()
	initOnce.Do(func() {
		milter.Init(milter.Options{SpamHeader: "X-Spam", Logger: zap.NewNop()})
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); l.Close() })

	go milter.ListenAndServe(ctx, l, func() (milter.FinishFunc, milter.ErrorFunc, any) {
		return finish, nil, nil
	})

	return mtasim.NewClient("tcp", l.Addr().String())
}

func driveToEnd(t *testing.T, c *mtasim.Client, headers [][2]string) ([]mtasim.ModifyAction, *mtasim.Action) {
	t.Helper()
	sess, err := c.Session(milter.OptAction(milter.ActionsMask), milter.OptProtocol(milter.NoReplyMask))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	if _, err := sess.Conn("mx.example.org", milter.FamilyInet, 25, "192.0.2.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Helo("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Mail("a@example.org"); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Rcpt("b@example.org"); err != nil {
		t.Fatal(err)
	}
	for _, h := range headers {
		if _, err := sess.HeaderField(h[0], h[1]); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := sess.HeaderEnd(); err != nil {
		t.Fatal(err)
	}

	mods, act, err := sess.End()
	if err != nil {
		t.Fatal(err)
	}
	return mods, act
}

func TestApply_MissingActionSendsTempFail(t *testing.T) {
	c := startCore(t, func(ctx context.Context, s *milter.Session) {
		if err := Apply(s, "X-Spam", &Verdict{}); err != nil {
			t.Error(err)
		}
	})

	_, act := driveToEnd(t, c, nil)
	if act.Code != milter.ReplyTempFail {
		t.Fatalf("expected TEMPFAIL, got %v", act.Code)
	}
}

func TestApply_RejectUsesCustomText(t *testing.T) {
	c := startCore(t, func(ctx context.Context, s *milter.Session) {
		v := &Verdict{Action: "reject"}
		v.Messages.SMTPMessage = "you are spam"
		if err := Apply(s, "X-Spam", v); err != nil {
			t.Error(err)
		}
	})

	_, act := driveToEnd(t, c, nil)
	if act.Code != milter.ReplyReplyCode {
		t.Fatalf("expected REPLYCODE, got %v", act.Code)
	}
	if act.SMTPText != "you are spam" {
		t.Fatalf("expected custom SMTP text, got %q", act.SMTPText)
	}
	if act.SMTPCode != 554 {
		t.Fatalf("expected 554, got %d", act.SMTPCode)
	}
}

func TestApply_DiscardOnRejectSendsDiscardNotReject(t *testing.T) {
	c := startCore(t, func(ctx context.Context, s *milter.Session) {
		s.DiscardOnReject = true
		if err := Apply(s, "X-Spam", &Verdict{Action: "reject"}); err != nil {
			t.Error(err)
		}
	})

	_, act := driveToEnd(t, c, nil)
	if act.Code != milter.ReplyDiscard {
		t.Fatalf("expected DISCARD, got %v", act.Code)
	}
}

func TestApply_MilterRejectDirectiveSetsDiscard(t *testing.T) {
	c := startCore(t, func(ctx context.Context, s *milter.Session) {
		v := &Verdict{Action: "reject", Milter: &MilterBlock{Reject: "discard"}}
		if err := Apply(s, "X-Spam", v); err != nil {
			t.Error(err)
		}
	})

	_, act := driveToEnd(t, c, nil)
	if act.Code != milter.ReplyDiscard {
		t.Fatalf("expected DISCARD after a milter.reject=discard directive, got %v", act.Code)
	}
}

func TestApply_NoActionProbeShortCircuits(t *testing.T) {
	c := startCore(t, func(ctx context.Context, s *milter.Session) {
		noAction := true
		v := &Verdict{Action: "reject", Milter: &MilterBlock{NoAction: &noAction}}
		if err := Apply(s, "X-Spam", v); err != nil {
			t.Error(err)
		}
	})

	mods, act := driveToEnd(t, c, nil)
	if act.Code != milter.ReplyAccept {
		t.Fatalf("no_action probe should always ACCEPT on the wire, got %v", act.Code)
	}
	if len(mods) != 1 || mods[0].Code != milter.ReplyAddHeader || mods[0].Name != "X-Milter-Action" {
		t.Fatalf("expected exactly one ADDHEADER X-Milter-Action, got %+v", mods)
	}
}

func TestApply_AddHeaderRemovesExistingSpamHeaderFirst(t *testing.T) {
	c := startCore(t, func(ctx context.Context, s *milter.Session) {
		if err := Apply(s, "X-Spam", &Verdict{Action: "add_header"}); err != nil {
			t.Error(err)
		}
	})

	mods, act := driveToEnd(t, c, [][2]string{{"X-Spam", "No"}})
	if act.Code != milter.ReplyAccept {
		t.Fatalf("expected ACCEPT, got %v", act.Code)
	}
	if len(mods) != 2 {
		t.Fatalf("expected a CHGHEADER (remove) followed by a CHGHEADER (set), got %+v", mods)
	}
	if mods[0].Code != milter.ReplyChgHeader || mods[0].Index != 1 || mods[0].Value != "" {
		t.Fatalf("expected the existing X-Spam header removed first, got %+v", mods[0])
	}
	if mods[1].Value != "Yes" {
		t.Fatalf("expected X-Spam: Yes, got %+v", mods[1])
	}
}

func TestApply_MilterSpamHeaderDirectiveUsesDirectiveValue(t *testing.T) {
	c := startCore(t, func(ctx context.Context, s *milter.Session) {
		v := &Verdict{Action: "add_header", Milter: &MilterBlock{SpamHeader: "Yes, score=12.3"}}
		if err := Apply(s, "X-Spam", v); err != nil {
			t.Error(err)
		}
	})

	mods, act := driveToEnd(t, c, [][2]string{{"X-Spam", "No"}})
	if act.Code != milter.ReplyAccept {
		t.Fatalf("expected ACCEPT, got %v", act.Code)
	}
	if len(mods) != 2 {
		t.Fatalf("expected a CHGHEADER (remove) followed by a CHGHEADER (set), got %+v", mods)
	}
	if mods[0].Index != 1 || mods[0].Value != "" {
		t.Fatalf("expected the existing X-Spam header removed first, got %+v", mods[0])
	}
	if mods[1].Value != "Yes, score=12.3" {
		t.Fatalf("expected the directive's own value, not the hardcoded default, got %+v", mods[1])
	}
}

func TestApply_RewriteSubject(t *testing.T) {
	c := startCore(t, func(ctx context.Context, s *milter.Session) {
		v := &Verdict{Action: "rewrite_subject", Subject: "***SPAM*** hi"}
		if err := Apply(s, "X-Spam", v); err != nil {
			t.Error(err)
		}
	})

	mods, act := driveToEnd(t, c, [][2]string{{"Subject", "hi"}})
	if act.Code != milter.ReplyAccept {
		t.Fatalf("expected ACCEPT, got %v", act.Code)
	}
	if len(mods) != 1 || mods[0].Value != "***SPAM*** hi" {
		t.Fatalf("expected a single CHGHEADER Subject, got %+v", mods)
	}
}

func TestApply_RemoveHeaders_IndexArithmetic(t *testing.T) {
	headers := [][2]string{{"Received", "1"}, {"Received", "2"}, {"Received", "3"}}

	cases := []struct {
		name        string
		n           int
		wantIndices []uint32
	}{
		{"positive in range", 2, []uint32{2}},
		{"positive out of range is a no-op", 5, nil},
		{"zero removes all occurrences", 0, []uint32{1, 2, 3}},
		{"negative counts from the end", -1, []uint32{3}},
		{"negative out of range is a no-op", -5, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := startCore(t, func(ctx context.Context, s *milter.Session) {
				v := &Verdict{
					Action: "noaction",
					Milter: &MilterBlock{RemoveHeaders: map[string]int{"Received": tc.n}},
				}
				if err := Apply(s, "X-Spam", v); err != nil {
					t.Error(err)
				}
			})

			mods, act := driveToEnd(t, c, headers)
			if act.Code != milter.ReplyAccept {
				t.Fatalf("expected ACCEPT, got %v", act.Code)
			}
			if len(mods) != len(tc.wantIndices) {
				t.Fatalf("got %d CHGHEADER calls, want %d: %+v", len(mods), len(tc.wantIndices), mods)
			}
			for i, want := range tc.wantIndices {
				if mods[i].Index != want {
					t.Fatalf("call %d: got index %d, want %d", i, mods[i].Index, want)
				}
			}
		})
	}
}

func TestApply_MilterAddHeadersEmitsOnePerListEntry(t *testing.T) {
	c := startCore(t, func(ctx context.Context, s *milter.Session) {
		v := &Verdict{
			Action: "noaction",
			Milter: &MilterBlock{
				AddHeaders: map[string]AddHeaderSpecList{
					"X-Foo": {{Value: "a"}, {Value: "b"}},
				},
			},
		}
		if err := Apply(s, "X-Spam", v); err != nil {
			t.Error(err)
		}
	})

	mods, act := driveToEnd(t, c, nil)
	if act.Code != milter.ReplyAccept {
		t.Fatalf("expected ACCEPT, got %v", act.Code)
	}
	if len(mods) != 2 {
		t.Fatalf("expected two ADDHEADER calls, got %+v", mods)
	}
	if mods[0].Value != "a" || mods[1].Value != "b" {
		t.Fatalf("expected values in list order, got %+v", mods)
	}
}

func TestApply_DKIMSignatureInsertsHeaderWithValue(t *testing.T) {
	c := startCore(t, func(ctx context.Context, s *milter.Session) {
		v := &Verdict{Action: "noaction", DKIMSignature: "v=1; a=rsa-sha256; d=example.org;"}
		if err := Apply(s, "X-Spam", v); err != nil {
			t.Error(err)
		}
	})

	mods, act := driveToEnd(t, c, nil)
	if act.Code != milter.ReplyAccept {
		t.Fatalf("expected ACCEPT, got %v", act.Code)
	}
	if len(mods) != 1 || mods[0].Name != "DKIM-Signature" || mods[0].Value != "v=1; a=rsa-sha256; d=example.org;" {
		t.Fatalf("expected INSHEADER DKIM-Signature carrying the signature, got %+v", mods)
	}
}

func TestAddHeaderSpecList_DecodesSingleOrArray(t *testing.T) {
	var single AddHeaderSpecList
	if err := single.UnmarshalJSON([]byte(`"Yes"`)); err != nil {
		t.Fatal(err)
	}
	if len(single) != 1 || single[0].Value != "Yes" {
		t.Fatalf("single form: got %+v", single)
	}

	var multi AddHeaderSpecList
	if err := multi.UnmarshalJSON([]byte(`["a","b"]`)); err != nil {
		t.Fatal(err)
	}
	if len(multi) != 2 || multi[0].Value != "a" || multi[1].Value != "b" {
		t.Fatalf("array form: got %+v", multi)
	}

	var mixed AddHeaderSpecList
	if err := mixed.UnmarshalJSON([]byte(`[{"value":"a","order":1},"b"]`)); err != nil {
		t.Fatal(err)
	}
	if len(mixed) != 2 || !mixed[0].HasOrder || mixed[0].Order != 1 || mixed[1].Value != "b" {
		t.Fatalf("mixed array form: got %+v", mixed)
	}
}

func TestAddHeaderSpec_UnmarshalsStringOrObject(t *testing.T) {
	var bare AddHeaderSpec
	if err := bare.UnmarshalJSON([]byte(`"Yes"`)); err != nil {
		t.Fatal(err)
	}
	if bare.Value != "Yes" || bare.HasOrder {
		t.Fatalf("bare string form: got %+v", bare)
	}

	var withOrder AddHeaderSpec
	if err := withOrder.UnmarshalJSON([]byte(`{"value":"Yes","order":1}`)); err != nil {
		t.Fatal(err)
	}
	if withOrder.Value != "Yes" || !withOrder.HasOrder || withOrder.Order != 1 {
		t.Fatalf("object form: got %+v", withOrder)
	}

	var indexAlias AddHeaderSpec
	if err := indexAlias.UnmarshalJSON([]byte(`{"value":"Yes","index":2}`)); err != nil {
		t.Fatal(err)
	}
	if !indexAlias.HasOrder || indexAlias.Order != 2 {
		t.Fatalf("index alias form: got %+v", indexAlias)
	}

	var orderWins AddHeaderSpec
	if err := orderWins.UnmarshalJSON([]byte(`{"value":"Yes","order":1,"index":9}`)); err != nil {
		t.Fatal(err)
	}
	if orderWins.Order != 1 {
		t.Fatalf("order should win over index, got %+v", orderWins)
	}
}
