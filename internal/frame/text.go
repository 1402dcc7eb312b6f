package frame

import "strings"

// Verb is one of the ASCII command verbs exchanged over text WebSocket
// messages. Matching is case-insensitive on the verb per §4.1.
type Verb string

const (
	VerbReady    Verb = "READY"
	VerbChal     Verb = "CHAL"
	VerbAuthOK   Verb = "AUTH_OK"
	VerbAuthFail Verb = "AUTH_FAIL"
	VerbHelloFail Verb = "HELLO_FAIL"
	VerbHello    Verb = "HELLO"
	VerbAuth     Verb = "AUTH"
)

// Command is a parsed text line: verb plus whitespace-split arguments.
type Command struct {
	Verb Verb
	Args []string
}

// ParseCommand splits a text line on runs of whitespace and
// case-insensitively matches the verb. Unrecognized verbs are returned
// with the original (uppercased) verb and should be ignored by the
// caller per §4.1 ("unknown text lines are ignored silently").
func ParseCommand(line string) Command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}
	}
	return Command{
		Verb: Verb(strings.ToUpper(fields[0])),
		Args: fields[1:],
	}
}

// Ready renders "READY".
func Ready() string { return string(VerbReady) }

// Chal renders "CHAL <nonceB64>".
func Chal(nonceB64 string) string { return string(VerbChal) + " " + nonceB64 }

// AuthOK renders "AUTH_OK".
func AuthOK() string { return string(VerbAuthOK) }

// AuthFail renders "AUTH_FAIL <reason>".
func AuthFail(reason string) string { return string(VerbAuthFail) + " " + reason }

// HelloFail renders "HELLO_FAIL <reason>".
func HelloFail(reason string) string { return string(VerbHelloFail) + " " + reason }

// ParseHello extracts (payloadId, deviceId) from a HELLO command's
// arguments. HELLO has two shapes per §4.1:
//   HELLO <deviceId>
//   HELLO <payloadId> <deviceId>
// payloadId is "" when only one argument is present.
func ParseHello(args []string) (payloadID, deviceID string, ok bool) {
	switch len(args) {
	case 1:
		return "", args[0], true
	case 2:
		return args[0], args[1], true
	default:
		return "", "", false
	}
}

// ParseAuth extracts (deviceId, sigB64) from an AUTH command's arguments.
func ParseAuth(args []string) (deviceID, sigB64 string, ok bool) {
	if len(args) != 2 {
		return "", "", false
	}
	return args[0], args[1], true
}
