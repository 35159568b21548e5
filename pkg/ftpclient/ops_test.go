package ftpclient

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/qorelanguage/netcore/pkg/qerrors"
)

func connectedClient(t *testing.T, greeting string, replies map[string]string) *FtpClient {
	t.Helper()
	fc := newFakeFTPControl(t, greeting, replies)
	host, port := fc.hostPort()

	f := New()
	if err := f.SetURL("ftp://" + host + ":" + port + "/"); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return f
}

func TestCwd(t *testing.T) {
	f := connectedClient(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"CWD":  "250 directory changed\r\n",
	})
	if err := f.Cwd("/tmp"); err != nil {
		t.Fatalf("Cwd failed: %v", err)
	}
}

func TestCwdRejected(t *testing.T) {
	f := connectedClient(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"CWD":  "550 no such directory\r\n",
	})
	err := f.Cwd("/nope")
	if !qerrors.Is(err, qerrors.KindFTPCwdError) {
		t.Errorf("expected FTP-CWD-ERROR, got %v", err)
	}
}

func TestDel(t *testing.T) {
	f := connectedClient(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"DELE": "250 deleted\r\n",
	})
	if err := f.Del("/file.txt"); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
}

func TestDelRejected(t *testing.T) {
	f := connectedClient(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"DELE": "550 file not found\r\n",
	})
	err := f.Del("/missing.txt")
	if !qerrors.Is(err, qerrors.KindFTPDeleteError) {
		t.Errorf("expected FTP-DELETE-ERROR, got %v", err)
	}
}

func TestMkdirAndRmdir(t *testing.T) {
	f := connectedClient(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"MKD":  "257 \"/tmp/x\" created\r\n",
		"RMD":  "250 removed\r\n",
	})
	if err := f.Mkdir("/tmp/x"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := f.Rmdir("/tmp/x"); err != nil {
		t.Fatalf("Rmdir failed: %v", err)
	}
}

func TestRename(t *testing.T) {
	f := connectedClient(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"RNFR": "350 ready for RNTO\r\n",
		"RNTO": "250 renamed\r\n",
	})
	if err := f.Rename("/a.txt", "/b.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
}

func TestRenameFailsWhenRNFRNot3xx(t *testing.T) {
	f := connectedClient(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"RNFR": "550 no such file\r\n",
	})
	err := f.Rename("/missing.txt", "/b.txt")
	if !qerrors.Is(err, qerrors.KindFTPRenameError) {
		t.Errorf("expected FTP-RENAME-ERROR, got %v", err)
	}
}

func TestNoop(t *testing.T) {
	f := connectedClient(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"NOOP": "200 noop ok\r\n",
	})
	if err := f.Noop(); err != nil {
		t.Fatalf("Noop failed: %v", err)
	}
}

func TestSize(t *testing.T) {
	f := connectedClient(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"SIZE": "213 4096\r\n",
	})
	n, err := f.Size("/big.bin")
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if n != 4096 {
		t.Errorf("Size = %d, want 4096", n)
	}
}

func TestListOverPASV(t *testing.T) {
	dataLn, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %v", err)
	}
	defer dataLn.Close()

	dataPort := dataLn.Addr().(*net.TCPAddr).Port
	p1, p2 := dataPort/256, dataPort%256
	pasvReply := "227 Entering Passive Mode (127,0,0,1," + itoa(p1) + "," + itoa(p2) + ")\r\n"

	go func() {
		conn, err := dataLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("a.txt\r\nb.txt\r\n"))
	}()

	f := New()
	f.SetMode(ModePASV)
	fc := newFakeFTPControl(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"TYPE": "200 type set\r\n",
		"PASV": pasvReply,
		"NLST": "150 opening data connection\r\n226 transfer complete\r\n",
	})
	host, port := fc.hostPort()
	if err := f.SetURL("ftp://" + host + ":" + port + "/"); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	out, err := f.List(context.Background(), "/", false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if out != "a.txt\r\nb.txt\r\n" {
		t.Errorf("List() = %q", out)
	}
}

func TestQuitResetsState(t *testing.T) {
	f := connectedClient(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"QUIT": "221 goodbye\r\n",
	})
	if err := f.Quit(); err != nil {
		t.Fatalf("Quit failed: %v", err)
	}
	if f.IsLoggedIn() {
		t.Error("expected IsLoggedIn to be false after Quit")
	}
}

func TestGetFileWritesLocalFile(t *testing.T) {
	dataLn, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %v", err)
	}
	defer dataLn.Close()

	dataPort := dataLn.Addr().(*net.TCPAddr).Port
	p1, p2 := dataPort/256, dataPort%256
	pasvReply := "227 Entering Passive Mode (127,0,0,1," + itoa(p1) + "," + itoa(p2) + ")\r\n"

	go func() {
		conn, err := dataLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("downloaded bytes"))
	}()

	f := New()
	f.SetMode(ModePASV)
	fc := newFakeFTPControl(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"TYPE": "200 type set\r\n",
		"PASV": pasvReply,
		"RETR": "150 opening data connection\r\n226 transfer complete\r\n",
	})
	host, port := fc.hostPort()
	if err := f.SetURL("ftp://" + host + ":" + port + "/"); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "out.bin")
	if err := f.GetFile(context.Background(), "/remote/file.bin", dest); err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(got) != "downloaded bytes" {
		t.Errorf("downloaded file = %q, want %q", got, "downloaded bytes")
	}
}

func TestPutFileUploadsLocalFile(t *testing.T) {
	dataLn, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %v", err)
	}
	defer dataLn.Close()

	received := make(chan []byte, 1)
	dataPort := dataLn.Addr().(*net.TCPAddr).Port
	p1, p2 := dataPort/256, dataPort%256
	pasvReply := "227 Entering Passive Mode (127,0,0,1," + itoa(p1) + "," + itoa(p2) + ")\r\n"

	go func() {
		conn, err := dataLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		received <- buf[:n]
	}()

	f := New()
	f.SetMode(ModePASV)
	fc := newFakeFTPControl(t, "220 ready\r\n", map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"TYPE": "200 type set\r\n",
		"PASV": pasvReply,
		"STOR": "150 opening data connection\r\n226 transfer complete\r\n",
	})
	host, port := fc.hostPort()
	if err := f.SetURL("ftp://" + host + ":" + port + "/"); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	src := filepath.Join(t.TempDir(), "in.bin")
	if err := os.WriteFile(src, []byte("uploaded bytes"), 0644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}
	if err := f.PutFile(context.Background(), src, ""); err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}
	if got := <-received; string(got) != "uploaded bytes" {
		t.Errorf("server received %q, want uploaded bytes", got)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}
