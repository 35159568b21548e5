package ftpclient

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/qorelanguage/netcore/pkg/qerrors"
)

// Response is one parsed FTP control reply: a numeric code and its text,
// with any multi-line continuation joined by newlines.
type Response struct {
	Code int
	Text string
}

func (r *Response) Is2xx() bool { return r.Code >= 200 && r.Code < 300 }
func (r *Response) Is3xx() bool { return r.Code >= 300 && r.Code < 400 }

var replyLineRe = regexp.MustCompile(`^(\d{3})([ -])(.*)$`)

// readResponseLocked reads from the control channel until a line begins
// with three digits followed by a space (RFC 959 terminator), handling
// multi-line replies (digits followed by '-' continue; the matching code
// followed by ' ' terminates). Bytes read past the terminator are kept in
// controlResidual for the next call.
func (f *FtpClient) readResponseLocked() (*Response, error) {
	var code int
	var lines []string

	for {
		line, err := f.readControlLineLocked()
		if err != nil {
			return nil, err
		}
		if line == "" && code == 0 {
			return nil, qerrors.New(qerrors.KindFTPReceiveError, "read-response", f.host, "connection closed while reading reply", nil)
		}
		m := replyLineRe.FindStringSubmatch(line)
		if m == nil {
			lines = append(lines, line)
			continue
		}
		lineCode, _ := strconv.Atoi(m[1])
		if code == 0 {
			code = lineCode
		}
		lines = append(lines, m[3])
		if m[2] == " " && lineCode == code {
			break
		}
	}

	return &Response{Code: code, Text: strings.Join(lines, "\n")}, nil
}

// readControlLineLocked returns the next CRLF- or LF-terminated line from
// the control socket, consuming from controlResidual first.
func (f *FtpClient) readControlLineLocked() (string, error) {
	for {
		if idx := strings.IndexByte(f.controlResidual, '\n'); idx >= 0 {
			line := f.controlResidual[:idx]
			f.controlResidual = f.controlResidual[idx+1:]
			return strings.TrimRight(line, "\r"), nil
		}
		chunk, err := f.control.RecvAny(f.timeoutMs)
		if err != nil {
			return "", qerrors.New(qerrors.KindFTPReceiveError, "read-response", f.host, "control recv failed", err)
		}
		if chunk == "" {
			return "", nil
		}
		f.controlResidual += chunk
	}
}

// sendControlLocked sends "cmd arg1 arg2\r\n" on the control channel and
// reads the reply.
func (f *FtpClient) sendControlLocked(cmd string, args ...string) (*Response, error) {
	line := cmd
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	if err := f.control.Send([]byte(line+"\r\n"), f.timeoutMs); err != nil {
		return nil, qerrors.New(qerrors.KindFTPSendError, "send-control", f.host, "control send failed", err)
	}
	return f.readResponseLocked()
}

// SendControlMessage issues an arbitrary control command and returns its
// parsed reply, per spec's sendControlMessage.
func (f *FtpClient) SendControlMessage(cmd, arg string) (code int, msg string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var resp *Response
	if arg == "" {
		resp, err = f.sendControlLocked(cmd)
	} else {
		resp, err = f.sendControlLocked(cmd, arg)
	}
	if err != nil {
		return 0, "", err
	}
	return resp.Code, resp.Text, nil
}
