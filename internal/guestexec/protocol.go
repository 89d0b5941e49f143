package guestexec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	commandExec       = "guest-exec"
	commandExecStatus = "guest-exec-status"
	commandPing       = "guest-ping"
)

// Command is the program the guest agent runs.
type Command struct {
	Path string
	Args []string
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

type agentRequest struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type execArguments struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg"`
	CaptureOutput bool     `json:"capture-output"`
}

type statusArguments struct {
	PID int `json:"pid"`
}

type execReply struct {
	Return *struct {
		PID *int `json:"pid"`
	} `json:"return"`
}

type statusReply struct {
	Return *statusReturn `json:"return"`
}

type statusReturn struct {
	Exited       bool            `json:"exited"`
	Signal       json.RawMessage `json:"signal,omitempty"`
	ExitCode     int             `json:"exitcode"`
	OutData      *string         `json:"out-data,omitempty"`
	ErrData      *string         `json:"err-data,omitempty"`
	OutTruncated bool            `json:"out-truncated,omitempty"`
	ErrTruncated bool            `json:"err-truncated,omitempty"`
}

// signaled accepts both a boolean and a signal number, since agents differ
// in which one they report.
func (s statusReturn) signaled() (bool, int) {
	raw := bytes.TrimSpace(s.Signal)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, 0
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		return flag, 0
	}
	var number int
	if err := json.Unmarshal(raw, &number); err == nil {
		return number != 0, number
	}
	return false, 0
}

func encodeExec(cmd Command) ([]byte, error) {
	args := cmd.Args
	if args == nil {
		args = []string{}
	}
	return encodeRequest(commandExec, execArguments{
		Path:          cmd.Path,
		Arg:           args,
		CaptureOutput: true,
	})
}

func encodeStatus(pid int) ([]byte, error) {
	return encodeRequest(commandExecStatus, statusArguments{PID: pid})
}

func encodeRequest(execute string, arguments any) ([]byte, error) {
	payload, err := json.Marshal(agentRequest{Execute: execute, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", execute, err)
	}
	return payload, nil
}

// decodeOutput decodes one captured stream. A missing or empty field yields
// nil with no error. Invalid base64 yields nil plus the decode error; bytes
// that are not valid UTF-8 are replaced with U+FFFD.
func decodeOutput(field *string) ([]byte, error) {
	if field == nil {
		return nil, nil
	}
	encoded := strings.Join(strings.Fields(*field), "")
	if encoded == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return bytes.ToValidUTF8(decoded, []byte("\uFFFD")), nil
}
