package ftpclient

import (
	"strconv"
	"strings"

	"github.com/qorelanguage/netcore/pkg/qerrors"
)

// Cwd changes the remote working directory.
func (f *FtpClient) Cwd(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, err := f.sendControlLocked("CWD", path)
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return qerrors.New(qerrors.KindFTPCwdError, "cwd", f.host, "CWD rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	return nil
}

// Pwd returns the current remote working directory, per RFC 959's quoted
// "path" reply (embedded quotes escaped as "").
func (f *FtpClient) Pwd() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, err := f.sendControlLocked("PWD")
	if err != nil {
		return "", err
	}
	if !resp.Is2xx() {
		return "", qerrors.New(qerrors.KindFTPPwdError, "pwd", f.host, "PWD rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	return parseQuotedPath(resp.Text), nil
}

func parseQuotedPath(text string) string {
	start := strings.IndexByte(text, '"')
	if start < 0 {
		return strings.TrimSpace(text)
	}
	rest := text[start+1:]
	var b strings.Builder
	for i := 0; i < len(rest); i++ {
		if rest[i] != '"' {
			b.WriteByte(rest[i])
			continue
		}
		if i+1 < len(rest) && rest[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		break
	}
	return b.String()
}

// Del deletes a remote file.
func (f *FtpClient) Del(remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, err := f.sendControlLocked("DELE", remotePath)
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return qerrors.New(qerrors.KindFTPDeleteError, "del", f.host, "DELE rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	return nil
}

// Mkdir creates a remote directory.
func (f *FtpClient) Mkdir(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, err := f.sendControlLocked("MKD", path)
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return qerrors.New(qerrors.KindFTPMkdirError, "mkdir", f.host, "MKD rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	return nil
}

// Rmdir removes a remote directory.
func (f *FtpClient) Rmdir(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, err := f.sendControlLocked("RMD", path)
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return qerrors.New(qerrors.KindFTPRmdirError, "rmdir", f.host, "RMD rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	return nil
}

// Rename renames a remote file via the RNFR/RNTO pair; RNFR must answer 3xx
// before RNTO is sent.
func (f *FtpClient) Rename(from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, err := f.sendControlLocked("RNFR", from)
	if err != nil {
		return err
	}
	if !resp.Is3xx() {
		return qerrors.New(qerrors.KindFTPRenameError, "rename", f.host, "RNFR rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	resp, err = f.sendControlLocked("RNTO", to)
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return qerrors.New(qerrors.KindFTPRenameError, "rename", f.host, "RNTO rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	return nil
}

// Noop sends NOOP to keep the control channel alive.
func (f *FtpClient) Noop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, err := f.sendControlLocked("NOOP")
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return qerrors.New(qerrors.KindFTPResponseError, "noop", f.host, "NOOP rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	return nil
}

// Size returns the remote file size, via the SIZE extension (RFC 3659).
func (f *FtpClient) Size(remotePath string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, err := f.sendControlLocked("SIZE", remotePath)
	if err != nil {
		return 0, err
	}
	if !resp.Is2xx() {
		return 0, qerrors.New(qerrors.KindFTPResponseError, "size", f.host, "SIZE rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	n, convErr := strconv.ParseInt(strings.TrimSpace(resp.Text), 10, 64)
	if convErr != nil {
		return 0, qerrors.New(qerrors.KindFTPResponseError, "size", f.host, "invalid SIZE reply: "+resp.Text, convErr)
	}
	return n, nil
}
