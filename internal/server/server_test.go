package server

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulfikawr/ferry/internal/config"
	"github.com/zulfikawr/ferry/internal/wire"
)

// startServer boots a server on a random localhost port over a fresh root
// nested inside a scratch directory (so escape tests have an "outside").
func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	scratch := t.TempDir()
	root := filepath.Join(scratch, "root")

	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Root = root

	srv, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := Seed(srv.Ops()); err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	return srv, scratch
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
	seq  uint16
}

func dialServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

// send writes one request frame and returns the sequence used.
func (c *testClient) send(req *wire.Request) uint16 {
	c.t.Helper()
	c.seq++
	raw := wire.EncodeFrame(&wire.Frame{
		Seq:     c.seq,
		Op:      wire.OpCode(req.Operation),
		Format:  wire.FormatBinarySchema,
		Payload: wire.EncodeRequest(req),
	})
	if _, err := c.conn.Write(raw); err != nil {
		c.t.Fatal(err)
	}
	return c.seq
}

// recv reads until one complete frame arrives and decodes the response.
func (c *testClient) recv() (*wire.Frame, *wire.Response) {
	c.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	_ = c.conn.SetReadDeadline(deadline)

	readBuf := make([]byte, 64<<10)
	for {
		frame, consumed, err := wire.ScanFrame(c.buf)
		if consumed > 0 {
			c.buf = c.buf[consumed:]
		}
		if err != nil {
			c.t.Fatalf("client-side framing error: %v", err)
		}
		if frame != nil {
			resp, err := wire.DecodeResponse(frame.Payload)
			if err != nil {
				c.t.Fatalf("decode response: %v", err)
			}
			return frame, resp
		}
		n, err := c.conn.Read(readBuf)
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		c.buf = append(c.buf, readBuf[:n]...)
	}
}

func (c *testClient) roundTrip(req *wire.Request) *wire.Response {
	c.t.Helper()
	seq := c.send(req)
	frame, resp := c.recv()
	if frame.Seq != seq {
		c.t.Fatalf("response seq = %d, want %d", frame.Seq, seq)
	}
	return resp
}

func TestConnectAndPing(t *testing.T) {
	srv, _ := startServer(t)
	c := dialServer(t, srv)

	resp := c.roundTrip(&wire.Request{Operation: wire.OpConnect, ClientID: "c1"})
	if !resp.Success {
		t.Fatalf("CONNECT failed: %s", resp.Message)
	}
	if resp.SelectedFormat != "protobuf" {
		t.Errorf("selectedFormat = %q", resp.SelectedFormat)
	}
	if resp.ServerInfo == nil || resp.ServerInfo.Name == "" {
		t.Error("serverInfo.name empty")
	}

	resp = c.roundTrip(&wire.Request{Operation: wire.OpPing})
	if !resp.Success || resp.Message != "pong" {
		t.Errorf("PING resp = %+v", resp)
	}
	if resp.ProcessTimeMs < 0 {
		t.Errorf("processTimeMs = %d", resp.ProcessTimeMs)
	}
	if delta := time.Now().UnixMilli() - resp.Timestamp; delta < -2000 || delta > 2000 {
		t.Errorf("timestamp skew %dms", delta)
	}
}

func TestListRootAfterSeeding(t *testing.T) {
	srv, _ := startServer(t)
	c := dialServer(t, srv)

	resp := c.roundTrip(&wire.Request{Operation: wire.OpListFiles, Path: "/"})
	if !resp.Success {
		t.Fatalf("LIST_FILES failed: %s", resp.Message)
	}

	var sawReadme, sawDocuments bool
	for _, fi := range resp.Files {
		switch fi.Name {
		case "readme.txt":
			sawReadme = true
			if fi.Type != "file" || fi.Size <= 0 {
				t.Errorf("readme.txt: %+v", fi)
			}
		case "documents":
			sawDocuments = true
			if fi.Type != "directory" || fi.Size != 0 {
				t.Errorf("documents: %+v", fi)
			}
		}
	}
	if !sawReadme || !sawDocuments {
		t.Errorf("seeded entries missing from %v", resp.Files)
	}

	// Case-insensitive name order
	for i := 1; i < len(resp.Files); i++ {
		if strings.ToLower(resp.Files[i-1].Name) > strings.ToLower(resp.Files[i].Name) {
			t.Errorf("listing out of order at %d: %q > %q", i, resp.Files[i-1].Name, resp.Files[i].Name)
		}
	}
}

func TestChunkedUploadFiveMiB(t *testing.T) {
	srv, _ := startServer(t)
	c := dialServer(t, srv)

	const chunkSize = 1 << 20
	const total = 5
	const fileSize = total * chunkSize

	start := c.roundTrip(&wire.Request{
		Operation:   wire.OpUploadReq,
		Path:        "/",
		Filename:    "big.bin",
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: total,
	})
	if !start.Success || start.SessionID == "" {
		t.Fatalf("UPLOAD_REQ: %+v", start)
	}
	if start.AcceptedChunkSize != chunkSize {
		t.Errorf("acceptedChunkSize = %d", start.AcceptedChunkSize)
	}

	var lastBytes int64
	for i := 0; i < total; i++ {
		chunk := bytes.Repeat([]byte{byte(0xE0 + i)}, chunkSize)
		resp := c.roundTrip(&wire.Request{
			Operation:     wire.OpUploadData,
			Options:       map[string]string{"sessionId": start.SessionID},
			ChunkIndex:    int64(i),
			HasChunkIndex: true,
			Data:          chunk,
		})
		if !resp.Success {
			t.Fatalf("UPLOAD_DATA %d: %s", i, resp.Message)
		}
		lastBytes = resp.FileSize
	}
	if lastBytes != fileSize {
		t.Errorf("bytesReceived = %d, want %d", lastBytes, fileSize)
	}

	// Scenario: resending a chunk leaves bytesReceived unchanged
	resend := c.roundTrip(&wire.Request{
		Operation:     wire.OpUploadData,
		Options:       map[string]string{"sessionId": start.SessionID},
		ChunkIndex:    2,
		HasChunkIndex: true,
		Data:          bytes.Repeat([]byte{0xE2}, chunkSize),
	})
	if !resend.Success {
		t.Fatalf("resend: %s", resend.Message)
	}
	if resend.FileSize != fileSize {
		t.Errorf("resend inflated bytesReceived to %d", resend.FileSize)
	}

	end := c.roundTrip(&wire.Request{
		Operation: wire.OpUploadEnd,
		Options:   map[string]string{"sessionId": start.SessionID},
	})
	if !end.Success {
		t.Fatalf("UPLOAD_END: %s", end.Message)
	}

	fi, err := os.Stat(filepath.Join(srv.sb.Root(), "big.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != fileSize {
		t.Errorf("on-disk size = %d, want %d", fi.Size(), fileSize)
	}
}

func TestChunkedDownloadThreeMiB(t *testing.T) {
	srv, _ := startServer(t)

	content := bytes.Repeat([]byte{0x42}, 3<<20)
	if err := os.WriteFile(filepath.Join(srv.sb.Root(), "three.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	c := dialServer(t, srv)
	start := c.roundTrip(&wire.Request{
		Operation: wire.OpDownloadReq,
		Path:      "/three.bin",
		Options:   map[string]string{"action": "start"},
	})
	if !start.Success || start.SessionID == "" {
		t.Fatalf("start: %+v", start)
	}
	if start.TotalChunks != 2 {
		t.Errorf("totalChunks = %d, want 2 with default 2 MiB chunk", start.TotalChunks)
	}
	if start.FileSize != 3<<20 {
		t.Errorf("fileSize = %d", start.FileSize)
	}

	c0 := c.roundTrip(&wire.Request{
		Operation:     wire.OpDownloadReq,
		Options:       map[string]string{"action": "chunk", "sessionId": start.SessionID},
		ChunkIndex:    0,
		HasChunkIndex: true,
	})
	if !c0.Success || len(c0.Data) != 2<<20 {
		t.Fatalf("chunk 0: success=%v len=%d", c0.Success, len(c0.Data))
	}

	c1 := c.roundTrip(&wire.Request{
		Operation:     wire.OpDownloadReq,
		Options:       map[string]string{"action": "chunk", "sessionId": start.SessionID},
		ChunkIndex:    1,
		HasChunkIndex: true,
	})
	if !c1.Success || len(c1.Data) != 1<<20 {
		t.Fatalf("chunk 1: success=%v len=%d", c1.Success, len(c1.Data))
	}

	if got := append(append([]byte(nil), c0.Data...), c1.Data...); !bytes.Equal(got, content) {
		t.Error("reassembled download differs from the file")
	}

	fin := c.roundTrip(&wire.Request{
		Operation: wire.OpDownloadReq,
		Options:   map[string]string{"action": "finish", "sessionId": start.SessionID},
	})
	if !fin.Success {
		t.Fatalf("finish: %s", fin.Message)
	}
}

func TestSandboxEscapeOverWire(t *testing.T) {
	srv, scratch := startServer(t)

	// A real file just above the root that must survive
	outside := filepath.Join(scratch, "outside.txt")
	if err := os.WriteFile(outside, []byte("precious"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := dialServer(t, srv)
	resp := c.roundTrip(&wire.Request{Operation: wire.OpDeleteFile, Path: "/../outside.txt"})
	if resp.Success {
		t.Fatal("escape delete succeeded")
	}
	if resp.Status != "invalid-path" {
		t.Errorf("status = %q, want invalid-path", resp.Status)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Error("file above the root was touched")
	}
}

func TestUnsupportedFormatTag(t *testing.T) {
	srv, _ := startServer(t)
	c := dialServer(t, srv)

	raw := wire.EncodeFrame(&wire.Frame{
		Seq:     77,
		Op:      wire.OpPing,
		Format:  0x01, // JSON tag from older servers: refused here
		Payload: wire.EncodeRequest(&wire.Request{Operation: wire.OpPing}),
	})
	if _, err := c.conn.Write(raw); err != nil {
		t.Fatal(err)
	}

	frame, resp := c.recv()
	if frame.Seq != 77 {
		t.Errorf("error response seq = %d, want original 77", frame.Seq)
	}
	if resp.Success {
		t.Error("unsupported format accepted")
	}
	if resp.Status != "unsupported-format" {
		t.Errorf("status = %q", resp.Status)
	}

	// Connection stays usable afterwards
	if ping := c.roundTrip(&wire.Request{Operation: wire.OpPing}); !ping.Success {
		t.Error("connection dead after format error")
	}
}

func TestTwoFramesInOneWrite(t *testing.T) {
	srv, _ := startServer(t)
	c := dialServer(t, srv)

	f1 := wire.EncodeFrame(&wire.Frame{
		Seq: 1, Op: wire.OpPing, Format: wire.FormatBinarySchema,
		Payload: wire.EncodeRequest(&wire.Request{Operation: wire.OpPing}),
	})
	f2 := wire.EncodeFrame(&wire.Frame{
		Seq: 2, Op: wire.OpListFiles, Format: wire.FormatBinarySchema,
		Payload: wire.EncodeRequest(&wire.Request{Operation: wire.OpListFiles, Path: "/"}),
	})
	if _, err := c.conn.Write(append(f1, f2...)); err != nil {
		t.Fatal(err)
	}

	r1Frame, r1 := c.recv()
	r2Frame, r2 := c.recv()
	if r1Frame.Seq != 1 || r2Frame.Seq != 2 {
		t.Errorf("response order = %d, %d", r1Frame.Seq, r2Frame.Seq)
	}
	if !r1.Success || !r2.Success {
		t.Errorf("batched frames failed: %v / %v", r1.Message, r2.Message)
	}
}

func TestCRCMismatchStillServed(t *testing.T) {
	srv, _ := startServer(t)
	c := dialServer(t, srv)

	raw := wire.EncodeFrame(&wire.Frame{
		Seq: 5, Op: wire.OpPing, Format: wire.FormatBinarySchema,
		Payload: wire.EncodeRequest(&wire.Request{Operation: wire.OpPing}),
	})
	raw[len(raw)-3] ^= 0xFF // corrupt CRC only
	if _, err := c.conn.Write(raw); err != nil {
		t.Fatal(err)
	}

	frame, resp := c.recv()
	if frame.Seq != 5 || !resp.Success {
		t.Errorf("CRC-mismatched frame not served: seq=%d success=%v", frame.Seq, resp.Success)
	}
}

func TestConnectionDropSweepsSessions(t *testing.T) {
	srv, _ := startServer(t)

	c1 := dialServer(t, srv)
	start := c1.roundTrip(&wire.Request{
		Operation: wire.OpUploadReq,
		Path:      "/",
		Filename:  "orphan.bin",
		FileSize:  1024,
		ChunkSize: 1024,
		Options:   map[string]string{"sessionId": "up_orphan"},
	})
	if !start.Success {
		t.Fatalf("UPLOAD_REQ: %s", start.Message)
	}
	_ = c1.conn.Close()

	// The pump notices the close asynchronously
	deadline := time.Now().Add(5 * time.Second)
	for srv.uploads.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.uploads.Len() != 0 {
		t.Fatal("upload session survived connection drop")
	}

	c2 := dialServer(t, srv)
	resp := c2.roundTrip(&wire.Request{
		Operation:     wire.OpUploadData,
		Options:       map[string]string{"sessionId": "up_orphan"},
		ChunkIndex:    0,
		HasChunkIndex: true,
		Data:          []byte("late"),
	})
	if resp.Success {
		t.Error("swept session accepted a chunk")
	}
	if resp.Status != "session-not-found" {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestBindFailure(t *testing.T) {
	srv, _ := startServer(t)

	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Root = t.TempDir()
	addr := srv.Addr().(*net.TCPAddr)
	cfg.Port = addr.Port // already taken

	dup, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := dup.Start(); err == nil {
		_ = dup.Shutdown()
		t.Fatal("second bind on the same port succeeded")
	}
}
