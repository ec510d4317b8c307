package rpc

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
)

type fakeKernel struct {
	shutdownCalled bool
}

func (f *fakeKernel) GetStatus() (StatusResult, error) {
	return StatusResult{Vats: []string{"v1"}, Subclusters: []string{"s1"}, QueueDepth: 2}, nil
}

func (f *fakeKernel) LaunchSubcluster(config json.RawMessage) (LaunchResult, error) {
	return LaunchResult{SubclusterID: "s1", RootKref: "ko1"}, nil
}

func (f *fakeKernel) TerminateSubcluster(subclusterID string) error { return nil }

func (f *fakeKernel) QueueMessage(target ids.Kref, method string, args capdata.CapData) (capdata.CapData, error) {
	return capdata.CapData{Body: []byte("ok")}, nil
}

func (f *fakeKernel) Revoke(kref string) (bool, error) { return true, nil }

func (f *fakeKernel) ListRefs() ([]RefEntry, error) {
	return []RefEntry{{Ref: "o+0", Kref: "ko1"}}, nil
}

func (f *fakeKernel) Shutdown() error {
	f.shutdownCalled = true
	return nil
}

func TestServerRoundTripsGetStatus(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "console.sock")
	fk := &fakeKernel{}
	srv, err := Listen(sock, fk, 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	defer srv.Close()

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"getStatus"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestServerRejectsUnknownMethod(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "console.sock")
	fk := &fakeKernel{}
	srv, err := Listen(sock, fk, 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	defer srv.Close()

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"jsonrpc":"2.0","id":2,"method":"bogus"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil {
		t.Fatalf("expected an error response for an unknown method")
	}
}
