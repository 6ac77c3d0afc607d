// Package verdict decodes a scanner's structured result and replays it as
// an ordered sequence of milter actions against a session, implementing
// the Verdict Applier.
package verdict

import (
	"encoding/json"
	"fmt"

	"github.com/miltercore/scanmilter"
	"github.com/miltercore/scanmilter/internal/metrics"
)

// Verdict is the scanner's structured result, decoded from the JSON body
// of its HTTP response.
type Verdict struct {
	Action   string `json:"action"`
	Messages struct {
		SMTPMessage string `json:"smtp_message"`
	} `json:"messages"`
	Subject       string       `json:"subject"`
	DKIMSignature string       `json:"dkim-signature"`
	Milter        *MilterBlock `json:"milter"`
}

// MilterBlock is the verdict's "milter" sub-object: directives that are
// applied before the top-level action is mapped to wire behavior.
type MilterBlock struct {
	RemoveHeaders map[string]int               `json:"remove_headers"`
	AddHeaders    map[string]AddHeaderSpecList `json:"add_headers"`
	ChangeFrom    string                       `json:"change_from"`
	Reject        string                       `json:"reject"`
	NoAction      *bool                        `json:"no_action"`
	SpamHeader    string                       `json:"spam_header"`
}

// AddHeaderSpec is either a bare string value, or an object carrying a
// value plus an insertion order/index. Order aliases Index; if both are
// present Order wins.
type AddHeaderSpec struct {
	Value    string
	HasOrder bool
	Order    int
}

func (a *AddHeaderSpec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		a.Value = s
		a.HasOrder = false
		return nil
	}

	var obj struct {
		Value string `json:"value"`
		Order *int   `json:"order"`
		Index *int   `json:"index"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("verdict: add_headers entry: %w", err)
	}
	a.Value = obj.Value
	switch {
	case obj.Order != nil:
		a.HasOrder = true
		a.Order = *obj.Order
	case obj.Index != nil:
		a.HasOrder = true
		a.Order = *obj.Index
	default:
		a.HasOrder = false
	}
	return nil
}

// AddHeaderSpecList is one add_headers map value: either a single spec
// (string or object) or a JSON array of them. The original walks a ucl
// value list per key (LL_FOREACH), emitting one ADDHEADER/INSHEADER per
// entry in list order; this preserves that by decoding to a slice either
// way instead of failing when a scanner sends an array.
type AddHeaderSpecList []AddHeaderSpec

func (l *AddHeaderSpecList) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		list := make(AddHeaderSpecList, 0, len(arr))
		for _, raw := range arr {
			var spec AddHeaderSpec
			if err := spec.UnmarshalJSON(raw); err != nil {
				return err
			}
			list = append(list, spec)
		}
		*l = list
		return nil
	}

	var spec AddHeaderSpec
	if err := spec.UnmarshalJSON(data); err != nil {
		return err
	}
	*l = AddHeaderSpecList{spec}
	return nil
}

// Parse decodes a scanner HTTP response body into a Verdict.
func Parse(body []byte) (*Verdict, error) {
	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("verdict: parse: %w", err)
	}
	return &v, nil
}

// Apply replays v against s's Reply Encoder, in the exact algorithm order
// of the Verdict Applier: milter sub-directives first, then DKIM-Signature
// insertion, then the no_action probe override, then the action mapping.
func Apply(s *milter.Session, spamHeader string, v *Verdict) error {
	enc := s.Encoder()

	if v.Action == "" {
		metrics.VerdictActionsApplied.WithLabelValues("missing").Inc()
		enc.TempFail()
		return nil
	}
	metrics.VerdictActionsApplied.WithLabelValues(v.Action).Inc()

	rejectText := v.Messages.SMTPMessage

	if v.Milter != nil {
		if terminal := applyMilterBlock(s, enc, spamHeader, v.Action, v.Milter); terminal {
			return nil
		}
	}

	if v.DKIMSignature != "" {
		enc.InsHeader(1, "DKIM-Signature", v.DKIMSignature)
	}

	if s.NoAction {
		enc.AddHeader("X-Milter-Action", v.Action)
		enc.Accept()
		return nil
	}

	switch v.Action {
	case "reject":
		if s.DiscardOnReject {
			enc.Discard()
			return nil
		}
		text := rejectText
		if text == "" {
			text = milter.DefaultRejectText
		}
		enc.ReplyCode(milter.RCodeReject, milter.XCodeReject, text)
		enc.Reject()
	case "soft_reject":
		text := rejectText
		if text == "" {
			text = milter.DefaultTempFailText
		}
		enc.ReplyCode(milter.RCodeTempFail, milter.XCodeTempFail, text)
		enc.Reject()
	case "rewrite_subject":
		if v.Subject != "" {
			enc.ChgHeader(1, "Subject", v.Subject)
		}
		enc.Accept()
	case "add_header":
		removeAll(s, enc, spamHeader)
		enc.ChgHeader(1, spamHeader, "Yes")
		enc.Accept()
	case "greylist", "noaction":
		enc.Accept()
	default:
		enc.Accept()
	}

	return nil
}

// applyMilterBlock applies the milter sub-object's directives and reports
// whether it performed a terminal action: action=="add_header" with a
// spam_header directive removes the existing spam header, sets it to the
// directive's value, ACCEPTs, and returns true, short-circuiting Apply's
// own action-mapping switch below.
func applyMilterBlock(s *milter.Session, enc *milter.Encoder, spamHeader, action string, m *MilterBlock) (terminal bool) {
	for name, n := range m.RemoveHeaders {
		removeOccurrence(s, enc, name, n)
	}

	for name, specs := range m.AddHeaders {
		for _, spec := range specs {
			if spec.HasOrder && spec.Order >= 0 {
				enc.InsHeader(uint32(spec.Order), name, spec.Value)
			} else {
				enc.AddHeader(name, spec.Value)
			}
		}
	}

	if m.ChangeFrom != "" {
		enc.ChgFrom(m.ChangeFrom)
	}

	if m.Reject != "" {
		s.DiscardOnReject = m.Reject == "discard"
	}

	if m.NoAction != nil {
		s.NoAction = *m.NoAction
	}

	if action == "add_header" && m.SpamHeader != "" {
		removeAll(s, enc, spamHeader)
		enc.ChgHeader(1, spamHeader, m.SpamHeader)
		enc.Accept()
		return true
	}

	return false
}

// removeOccurrence implements spec.md §4.5's index arithmetic for
// remove_headers: n>=1 removes the n-th occurrence, n==0 removes every
// occurrence seen so far, n<0 removes counting from the end.
func removeOccurrence(s *milter.Session, enc *milter.Encoder, name string, n int) {
	seen := s.HeaderCount(name)

	switch {
	case n >= 1:
		if n <= seen {
			enc.ChgHeader(uint32(n), name, "")
		}
	case n == 0:
		for i := 1; i <= seen; i++ {
			enc.ChgHeader(uint32(i), name, "")
		}
	default: // n < 0
		if -n <= seen {
			enc.ChgHeader(uint32(seen+n+1), name, "")
		}
	}
}

func removeAll(s *milter.Session, enc *milter.Encoder, name string) {
	removeOccurrence(s, enc, name, 0)
}
