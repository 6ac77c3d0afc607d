// Package milter implements the wire protocol, session state machine, and
// IO engine for a Sendmail-milter endpoint that hands finished messages off
// to an external scanner and replays its verdict back to the MTA.
package milter

// Code identifies a command frame sent by the MTA.
type Code byte

const (
	CodeAbort   Code = 'A' // SMFIC_ABORT
	CodeBody    Code = 'B' // SMFIC_BODY
	CodeConnect Code = 'C' // SMFIC_CONNECT
	CodeMacro   Code = 'D' // SMFIC_MACRO
	CodeEOB     Code = 'E' // SMFIC_BODYEOB
	CodeHelo    Code = 'H' // SMFIC_HELO
	CodeQuitNC  Code = 'K' // SMFIC_QUIT_NC
	CodeHeader  Code = 'L' // SMFIC_HEADER
	CodeMail    Code = 'M' // SMFIC_MAIL
	CodeEOH     Code = 'N' // SMFIC_EOH
	CodeOptNeg  Code = 'O' // SMFIC_OPTNEG
	CodeQuit    Code = 'Q' // SMFIC_QUIT
	CodeRcpt    Code = 'R' // SMFIC_RCPT
	CodeData    Code = 'T' // SMFIC_DATA
	CodeUnknown Code = 'U' // SMFIC_UNKNOWN
)

func isValidCommand(c byte) bool {
	switch Code(c) {
	case CodeAbort, CodeBody, CodeConnect, CodeMacro, CodeEOB, CodeHelo,
		CodeQuitNC, CodeHeader, CodeMail, CodeEOH, CodeOptNeg, CodeQuit,
		CodeRcpt, CodeData, CodeUnknown:
		return true
	}
	return false
}

// ReplyCode identifies a reply frame sent back to the MTA.
type ReplyCode byte

const (
	ReplyAccept     ReplyCode = 'a' // SMFIR_ACCEPT
	ReplyContinue   ReplyCode = 'c' // SMFIR_CONTINUE
	ReplyDiscard    ReplyCode = 'd' // SMFIR_DISCARD
	ReplyAddRcpt    ReplyCode = '+' // SMFIR_ADDRCPT
	ReplyDelRcpt    ReplyCode = '-' // SMFIR_DELRCPT
	ReplyChgFrom    ReplyCode = 'e' // SMFIR_CHGFROM
	ReplyAddHeader  ReplyCode = 'h' // SMFIR_ADDHEADER
	ReplyInsHeader  ReplyCode = 'i' // SMFIR_INSHEADER
	ReplyChgHeader  ReplyCode = 'm' // SMFIR_CHGHEADER
	ReplyProgress   ReplyCode = 'p' // SMFIR_PROGRESS
	ReplyQuarantine ReplyCode = 'q' // SMFIR_QUARANTINE
	ReplyReject     ReplyCode = 'r' // SMFIR_REJECT
	ReplyTempFail   ReplyCode = 't' // SMFIR_TEMPFAIL
	ReplyReplyCode  ReplyCode = 'y' // SMFIR_REPLYCODE
	ReplyOptNeg     ReplyCode = 'O' // SMFIC_OPTNEG (mirrored back)
)

// ProtoFamily identifies the address family reported in a CONNECT command.
type ProtoFamily byte

const (
	FamilyUnknown ProtoFamily = 'U' // SMFIA_UNKNOWN
	FamilyUnix    ProtoFamily = 'L' // SMFIA_UNIX
	FamilyInet    ProtoFamily = '4' // SMFIA_INET
	FamilyInet6   ProtoFamily = '6' // SMFIA_INET6
)

// OptAction is the bitmask of modification actions a milter may perform,
// exchanged during OPTNEG.
type OptAction uint32

const (
	OptAddHeader  OptAction = 1 << 0 // SMFIF_ADDHDRS
	OptChangeBody OptAction = 1 << 1 // SMFIF_CHGBODY
	OptAddRcpt    OptAction = 1 << 2 // SMFIF_ADDRCPT
	OptDelRcpt    OptAction = 1 << 3 // SMFIF_DELRCPT
	OptChangeHdr  OptAction = 1 << 4 // SMFIF_CHGHDRS
	OptQuarantine OptAction = 1 << 5 // SMFIF_QUARANTINE
	OptChangeFrom OptAction = 1 << 6 // SMFIF_CHGFROM (v6)
	OptAddRcptPar OptAction = 1 << 7 // SMFIF_ADDRCPT_PAR (v6)
)

// ActionsMask is OR'd unconditionally into the MTA-supplied action mask
// when replying to OPTNEG: this core always wants to be able to add/change
// headers, change the envelope from, and add/remove recipients.
const ActionsMask = OptAddHeader | OptChangeHdr | OptChangeFrom | OptAddRcpt | OptDelRcpt | OptQuarantine

// OptProtocol is the bitmask of protocol steps/no-reply optimizations
// exchanged during OPTNEG.
type OptProtocol uint32

const (
	ProtoNoConnect  OptProtocol = 1 << 0
	ProtoNoHelo     OptProtocol = 1 << 1
	ProtoNoMailFrom OptProtocol = 1 << 2
	ProtoNoRcptTo   OptProtocol = 1 << 3
	ProtoNoBody     OptProtocol = 1 << 4
	ProtoNoHeaders  OptProtocol = 1 << 5
	ProtoNoEOH      OptProtocol = 1 << 6
	ProtoNoReplyHdr OptProtocol = 1 << 7
	ProtoNoUnknown  OptProtocol = 1 << 8
	ProtoNoData     OptProtocol = 1 << 9
)

// NoReplyMask is unconditionally sent as our protocol mask during OPTNEG:
// none of our supported commands require the MTA to wait for a reply it
// isn't going to get suppressed for, but we advertise the full no-reply set
// so a conforming MTA may pipeline commands ahead of our responses.
const NoReplyMask = ProtoNoConnect | ProtoNoHelo | ProtoNoMailFrom | ProtoNoRcptTo |
	ProtoNoBody | ProtoNoHeaders | ProtoNoEOH | ProtoNoUnknown | ProtoNoData

// MinVersion is the minimum milter protocol version this core accepts
// during OPTNEG. MTAs proposing an older version are rejected with a
// ProtocolError.
const MinVersion = 6

// MaxChunkSize is the default upper bound on a single command payload
// (spec.md's "chunk-size"); a declared length above 2*MaxChunkSize is a
// protocol error. Options.ChunkSize overrides this per Init call.
const MaxChunkSize = 65536

// Reply text/code defaults used by the verdict applier.
const (
	RCodeReject   = "554"
	XCodeReject   = "5.7.1"
	RCodeTempFail = "451"
	XCodeTempFail = "4.7.1"

	DefaultRejectText   = "Spam message rejected"
	DefaultTempFailText = "Try again later"
)
