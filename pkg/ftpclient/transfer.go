package ftpclient

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/qorelanguage/netcore/pkg/qerrors"
	"github.com/qorelanguage/netcore/pkg/socket"
)

// sendAllFromReader copies r to the data channel until EOF, in
// buffer-sized chunks, without a byteLen cap (the local file size is not
// always known up front, e.g. when r is a caller-supplied stream). It
// returns the number of bytes actually sent.
func sendAllFromReader(s *socket.Socket, r io.Reader, timeoutMs int) (int64, error) {
	var sent int64
	buf := make([]byte, socket.DefaultBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := s.Send(buf[:n], timeoutMs); werr != nil {
				return sent, werr
			}
			sent += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return sent, nil
			}
			return sent, qerrors.New(qerrors.KindFTPSendError, "send-data", "", "source read failed", err)
		}
	}
}

// drainDataToWriter copies the data channel to w until the remote end
// closes it, which is the normal, successful end of a RETR/LIST transfer
// rather than an error. It uses RecvAny rather than a fixed-length read
// since the transfer size is not known up front on this path.
func drainDataToWriter(s *socket.Socket, w io.Writer, timeoutMs int) error {
	for {
		chunk, err := s.RecvAny(timeoutMs)
		if err != nil {
			if qerrors.Is(err, qerrors.KindSocketClosed) || qerrors.Is(err, qerrors.KindSocketNotOpen) {
				return nil
			}
			return err
		}
		if chunk == "" {
			return nil
		}
		if _, werr := w.Write([]byte(chunk)); werr != nil {
			return qerrors.New(qerrors.KindFTPReceiveError, "drain-data", "", "sink write failed", werr)
		}
	}
}

func (f *FtpClient) setBinaryModeLocked() error {
	resp, err := f.sendControlLocked("TYPE", "I")
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return qerrors.New(qerrors.KindFTPResponseError, "type", f.host, "TYPE I rejected: "+resp.Text, nil)
	}
	return nil
}

func (f *FtpClient) setASCIIModeLocked() error {
	resp, err := f.sendControlLocked("TYPE", "A")
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return qerrors.New(qerrors.KindFTPResponseError, "type", f.host, "TYPE A rejected: "+resp.Text, nil)
	}
	return nil
}

// runTransferLocked implements the shared shape of RETR/STOR/LIST/NLST: set
// mode, negotiate the data channel, issue the command, (accept for PORT),
// run body against the data socket, close it, and read the completion reply.
func (f *FtpClient) runTransferLocked(ctx context.Context, cmd, arg string, binary bool, body func(ctx context.Context) error) error {
	if binary {
		if err := f.setBinaryModeLocked(); err != nil {
			return err
		}
	} else {
		if err := f.setASCIIModeLocked(); err != nil {
			return err
		}
	}
	if err := f.connectDataLocked(ctx); err != nil {
		return err
	}

	var resp *Response
	var err error
	if arg == "" {
		resp, err = f.sendControlLocked(cmd)
	} else {
		resp, err = f.sendControlLocked(cmd, arg)
	}
	if err != nil {
		f.data.Close()
		return err
	}
	if resp.Code < 100 || resp.Code >= 200 {
		f.data.Close()
		return qerrors.New(qerrors.KindFTPResponseError, strings.ToLower(cmd), f.host, cmd+" rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}

	if f.pendingListener != nil || f.mode == ModePORT {
		if err := f.acceptPORTLocked(ctx); err != nil {
			return err
		}
	}

	bodyErr := body(ctx)
	f.data.Close()
	if bodyErr != nil {
		return bodyErr
	}

	completion, err := f.readResponseLocked()
	if err != nil {
		return err
	}
	if !completion.Is2xx() {
		return qerrors.New(qerrors.KindFTPResponseError, strings.ToLower(cmd), f.host, cmd+" did not complete: "+completion.Text, nil).WithPartial(completion.Text)
	}
	return nil
}

// Get retrieves remotePath and writes it to w.
func (f *FtpClient) Get(ctx context.Context, remotePath string, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runTransferLocked(ctx, "RETR", remotePath, true, func(ctx context.Context) error {
		return drainDataToWriter(f.data, w, f.timeoutMs)
	})
}

// GetFile retrieves remotePath into a newly created local file at localPath
// (mode 0644); on failure the partially written file is removed.
func (f *FtpClient) GetFile(ctx context.Context, remotePath, localPath string) error {
	out, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return qerrors.New(qerrors.KindFTPFileOpenError, "get", localPath, "opening local file", err)
	}
	if getErr := f.Get(ctx, remotePath, out); getErr != nil {
		out.Close()
		os.Remove(localPath)
		return qerrors.New(qerrors.KindFTPGetError, "get", remotePath, "retrieve failed", getErr)
	}
	return out.Close()
}

// GetAsBytes retrieves remotePath and returns its contents.
func (f *FtpClient) GetAsBytes(ctx context.Context, remotePath string) ([]byte, error) {
	var buf strings.Builder
	if err := f.Get(ctx, remotePath, stringWriter{&buf}); err != nil {
		return nil, qerrors.New(qerrors.KindFTPGetAsBinaryError, "get-as-binary", remotePath, "retrieve failed", err)
	}
	return []byte(buf.String()), nil
}

// GetAsString retrieves remotePath and returns the received bytes as a
// string. No charset decoding is applied.
func (f *FtpClient) GetAsString(ctx context.Context, remotePath string) (string, error) {
	var buf strings.Builder
	if err := f.Get(ctx, remotePath, stringWriter{&buf}); err != nil {
		return "", qerrors.New(qerrors.KindFTPGetAsStringError, "get-as-string", remotePath, "retrieve failed", err)
	}
	return buf.String(), nil
}

type stringWriter struct{ b *strings.Builder }

func (s stringWriter) Write(p []byte) (int, error) { return s.b.Write(p) }

// Put uploads the contents of r to remoteName.
func (f *FtpClient) Put(ctx context.Context, r io.Reader, remoteName string) error {
	_, err := f.putSized(ctx, r, remoteName, 0)
	return err
}

// putSized is Put plus expectedSize (0 if unknown); when expectedSize is
// known and fewer bytes were actually sent, the transfer is reported as a
// non-fatal FTP-PUT-ERROR warning rather than failing outright (spec §7).
func (f *FtpClient) putSized(ctx context.Context, r io.Reader, remoteName string, expectedSize int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if remoteName == "" {
		return 0, qerrors.New(qerrors.KindFTPPutError, "put", f.host, "remote name required", nil)
	}
	var sent int64
	err := f.runTransferLocked(ctx, "STOR", remoteName, true, func(ctx context.Context) error {
		n, serr := sendAllFromReader(f.data, r, f.timeoutMs)
		sent = n
		return serr
	})
	if err != nil {
		return sent, err
	}
	if expectedSize > 0 && sent < expectedSize {
		return sent, qerrors.New(qerrors.KindFTPPutError, "put", remoteName, "partial upload: sent fewer bytes than the source size", nil)
	}
	return sent, nil
}

// PutFile uploads localPath, defaulting remoteName to its basename, and
// uses the file's stat size to detect a partial upload.
func (f *FtpClient) PutFile(ctx context.Context, localPath, remoteName string) error {
	in, err := os.Open(localPath)
	if err != nil {
		return qerrors.New(qerrors.KindFTPFileOpenError, "put", localPath, "opening local file", err)
	}
	defer in.Close()

	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}
	var expectedSize int64
	if stat, statErr := in.Stat(); statErr == nil {
		expectedSize = stat.Size()
	}

	if _, err := f.putSized(ctx, in, remoteName, expectedSize); err != nil {
		return qerrors.New(qerrors.KindFTPFilePutError, "put", localPath, "upload failed", err)
	}
	return nil
}

// List issues LIST (long) or NLST (short names only) after switching to
// ASCII mode, and returns the raw directory listing text.
func (f *FtpClient) List(ctx context.Context, path string, long bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out strings.Builder
	cmd := "NLST"
	if long {
		cmd = "LIST"
	}
	err := f.runTransferLocked(ctx, cmd, path, false, func(ctx context.Context) error {
		return drainDataToWriter(f.data, stringWriter{&out}, f.timeoutMs)
	})
	if err != nil {
		return "", qerrors.New(qerrors.KindFTPListError, "list", path, "listing failed", err)
	}
	return out.String(), nil
}
