package wire

import "fmt"

// Group identifies an SMP command group. Group IDs below 64 are reserved
// for groups defined by the protocol itself; 64 and above are free for
// project- or vendor-defined groups.
type Group uint16

const (
	GroupOS     Group = 0
	GroupImage  Group = 1
	GroupStats  Group = 2
	GroupConfig Group = 3
	GroupLogs   Group = 4
	GroupCrash  Group = 5
	GroupSplit  Group = 6
	GroupRun    Group = 7
	GroupFS     Group = 8
	GroupShell  Group = 9
	GroupEnum   Group = 10

	// GroupSUIT is not part of the original mcumgr group table; it is
	// allocated a core-range id since SUIT support shipped alongside the
	// other built-in groups in current Zephyr releases.
	GroupSUIT Group = 11

	GroupBasic Group = 63

	// GroupMemfault is the first project-defined group used by this
	// client; real device firmware is free to use any id >= 64, but this
	// is the one the Memfault diagnostic manager in this repo targets.
	GroupMemfault Group = 64
)

// IsUserDefined reports whether the group id is reserved for project-
// or vendor-specific command groups.
func (g Group) IsUserDefined() bool {
	return g >= 64
}

func (g Group) String() string {
	switch g {
	case GroupOS:
		return "os"
	case GroupImage:
		return "image"
	case GroupStats:
		return "stats"
	case GroupConfig:
		return "config"
	case GroupLogs:
		return "logs"
	case GroupCrash:
		return "crash"
	case GroupSplit:
		return "split"
	case GroupRun:
		return "run"
	case GroupFS:
		return "fs"
	case GroupShell:
		return "shell"
	case GroupEnum:
		return "enum"
	case GroupSUIT:
		return "suit"
	case GroupBasic:
		return "basic"
	case GroupMemfault:
		return "memfault"
	default:
		return fmt.Sprintf("group(%d)", uint16(g))
	}
}

// ReturnCode is the generic per-command result code. Two tables have
// existed historically (a short legacy one and a longer modern one); any
// code this client doesn't recognize is reported via Unrecognized rather
// than guessed at.
type ReturnCode uint64

const (
	RcOK              ReturnCode = 0
	RcUnknown         ReturnCode = 1
	RcNoMemory        ReturnCode = 2
	RcInValue         ReturnCode = 3
	RcTimeout         ReturnCode = 4
	RcNoEntry         ReturnCode = 5
	RcBadState        ReturnCode = 6
	RcResponseTooLong ReturnCode = 7
	RcUnsupported     ReturnCode = 8
	RcCorruptPayload  ReturnCode = 9
	RcBusy            ReturnCode = 10
	RcAccessDenied    ReturnCode = 11
)

var rcNames = map[ReturnCode]string{
	RcOK:             "ok",
	RcUnknown:        "unknown",
	RcNoMemory:       "no_memory",
	RcInValue:        "in_value",
	RcTimeout:        "timeout",
	RcNoEntry:        "no_entry",
	RcBadState:       "bad_state",
	RcResponseTooLong: "response_too_long",
	RcUnsupported:    "unsupported",
	RcCorruptPayload: "corrupt_payload",
	RcBusy:           "busy",
	RcAccessDenied:   "access_denied",
}

// String renders known codes by name and falls back to Unrecognized(n)
// for anything outside the table this client knows about.
func (rc ReturnCode) String() string {
	if name, ok := rcNames[rc]; ok {
		return name
	}

	return fmt.Sprintf("unrecognized(%d)", uint64(rc))
}

// Recognized reports whether rc is present in the known return-code table.
func (rc ReturnCode) Recognized() bool {
	_, ok := rcNames[rc]

	return ok
}

// ErrorResponse is the optional per-group error structure carried by a
// response body (err:{group, rc}).
type ErrorResponse struct {
	Group Group      `cbor:"group"`
	Rc    ReturnCode `cbor:"rc"`
}

// ResponseMeta is embedded in every typed response to carry the generic
// rc/err fields shared by all commands. rc==0 with no err present means
// success; an absent rc is also success, since many firmware builds omit
// the field entirely on the happy path.
type ResponseMeta struct {
	Rc  *ReturnCode    `cbor:"rc,omitempty"`
	Err *ErrorResponse `cbor:"err,omitempty"`
}

// Result converts the response metadata into a single error value, or nil
// on success.
func (m ResponseMeta) Result() error {
	if m.Err != nil && m.Err.Rc != RcOK {
		return &GroupError{Group: m.Err.Group, Rc: m.Err.Rc}
	}

	if m.Rc != nil && *m.Rc != RcOK {
		return &ReturnCodeError{Rc: *m.Rc}
	}

	return nil
}
