package bridge

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

type fakeConsole struct {
	mu      sync.Mutex
	written bytes.Buffer
	toRead  []byte
}

func (f *fakeConsole) Read(dest []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(dest, f.toRead)
	f.toRead = f.toRead[n:]
	return n, nil
}

func (f *fakeConsole) Write(src []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(src)
}

func runBridge(t *testing.T, b *Bridge) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	return cancel
}

func TestBridgeConsoleRoundTrip(t *testing.T) {
	console := &fakeConsole{toRead: []byte("hello")}
	b := New(console, nil, nil)
	cancel := runBridge(t, b)
	defer cancel()

	n, status := b.ConsoleWrite([]byte("hi"))
	if status != StatusOK || n != 2 {
		t.Fatalf("write failed: n=%d status=%d", n, status)
	}
	if console.written.String() != "hi" {
		t.Fatalf("unexpected write contents: %q", console.written.String())
	}

	dest := make([]byte, 5)
	n, status = b.ConsoleRead(dest)
	if status != StatusOK || n != 5 || string(dest) != "hello" {
		t.Fatalf("read failed: n=%d status=%d dest=%q", n, status, dest)
	}
}

func TestBridgeConsoleNilBackendFailsImmediately(t *testing.T) {
	b := New(nil, nil, nil)
	cancel := runBridge(t, b)
	defer cancel()

	n, status := b.ConsoleRead(make([]byte, 4))
	if status != StatusError || n != 0 {
		t.Fatalf("expected immediate StatusError, got n=%d status=%d", n, status)
	}
}

type fakeNetwork struct {
	nextID  uint32
	closed  map[uint32]bool
	pending map[uint32][]byte
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{closed: map[uint32]bool{}, pending: map[uint32][]byte{}}
}

func (f *fakeNetwork) Open(ctx context.Context, host string, port uint16) (uint32, error) {
	f.nextID++
	return f.nextID, nil
}

func (f *fakeNetwork) Write(connID uint32, data []byte) (int, error) {
	if f.closed[connID] {
		return 0, ErrRemoteClosed
	}
	return len(data), nil
}

func (f *fakeNetwork) Read(connID uint32, dest []byte) (int, error) {
	buf := f.pending[connID]
	n := copy(dest, buf)
	f.pending[connID] = buf[n:]
	return n, nil
}

func (f *fakeNetwork) Poll(connID uint32) (bool, bool, error) {
	return len(f.pending[connID]) > 0, f.closed[connID], nil
}

func (f *fakeNetwork) Close(connID uint32) error {
	f.closed[connID] = true
	return nil
}

func TestBridgeNetworkOpenWriteClose(t *testing.T) {
	net := newFakeNetwork()
	b := New(nil, net, nil)
	cancel := runBridge(t, b)
	defer cancel()

	id, status := b.NetworkOpen(context.Background(), "example.com", 80)
	if status != StatusOK || id != 1 {
		t.Fatalf("open failed: id=%d status=%d", id, status)
	}

	n, status := b.NetworkWrite(id, []byte("GET /"))
	if status != StatusOK || n != 5 {
		t.Fatalf("write failed: n=%d status=%d", n, status)
	}

	status = b.NetworkClose(id)
	if status != StatusOK {
		t.Fatalf("close failed: status=%d", status)
	}

	_, status = b.NetworkWrite(id, []byte("x"))
	if status != StatusRemoteClosed {
		t.Fatalf("expected StatusRemoteClosed after close, got %d", status)
	}
}

func TestBridgeNetworkPoll(t *testing.T) {
	net := newFakeNetwork()
	b := New(nil, net, nil)
	cancel := runBridge(t, b)
	defer cancel()

	id, _ := b.NetworkOpen(context.Background(), "h", 1)
	net.pending[id] = []byte("data")

	readable, status := b.NetworkPoll(id)
	if status != StatusOK || !readable {
		t.Fatalf("expected readable, got readable=%v status=%d", readable, status)
	}

	dest := make([]byte, 4)
	n, status := b.NetworkRead(id, dest)
	if status != StatusOK || n != 4 || string(dest) != "data" {
		t.Fatalf("read failed: n=%d status=%d dest=%q", n, status, dest)
	}
}

type fakePersistence struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{files: map[string][]byte{}}
}

func (f *fakePersistence) Save(path string, data []byte, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.files[path] = cp
	return nil
}

func (f *fakePersistence) Load(path string, dest []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return 0, ErrNotFound
	}
	return copy(dest, data), nil
}

func (f *fakePersistence) Delete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; !ok {
		return ErrNotFound
	}
	delete(f.files, path)
	return nil
}

func (f *fakePersistence) List(prefix string, dest []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	joined := ""
	for path := range f.files {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			if joined != "" {
				joined += "\n"
			}
			joined += path
		}
	}
	return copy(dest, joined), nil
}

func TestBridgePersistenceSaveLoadDelete(t *testing.T) {
	store := newFakePersistence()
	b := New(nil, nil, store)
	cancel := runBridge(t, b)
	defer cancel()

	status := b.PersistenceSave("/home/u/f", []byte("payload"), 0o644)
	if status != StatusOK {
		t.Fatalf("save failed: status=%d", status)
	}

	dest := make([]byte, 16)
	n, status := b.PersistenceLoad("/home/u/f", dest)
	if status != StatusOK || string(dest[:n]) != "payload" {
		t.Fatalf("load failed: n=%d status=%d dest=%q", n, status, dest[:n])
	}

	status = b.PersistenceDelete("/home/u/f")
	if status != StatusOK {
		t.Fatalf("delete failed: status=%d", status)
	}

	_, status = b.PersistenceLoad("/home/u/f", dest)
	if status != StatusNotFound {
		t.Fatalf("expected StatusNotFound after delete, got %d", status)
	}
}

func TestBridgeNilPersistenceFailsImmediately(t *testing.T) {
	b := New(nil, nil, nil)
	cancel := runBridge(t, b)
	defer cancel()

	status := b.PersistenceSave("/x", []byte("y"), 0)
	if status != StatusError {
		t.Fatalf("expected StatusError, got %d", status)
	}
}

func TestBridgeConcurrentCallsDoNotDeadlock(t *testing.T) {
	console := &fakeConsole{}
	b := New(console, nil, nil)
	cancel := runBridge(t, b)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.ConsoleWrite([]byte("x"))
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent console writes deadlocked")
	}
}
