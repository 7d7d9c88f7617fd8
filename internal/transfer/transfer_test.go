package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/thruflux/thruflux/internal/resume"
	"github.com/thruflux/thruflux/pkg/manifest"
)

func writeSourceFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func runTransfer(t *testing.T, m manifest.Manifest, outDir string, overwrite bool) (*ConnectionContext, *ConnectionContext) {
	t.Helper()
	senderTransport, receiverTransport := NewMockPair()

	senderConn := make(chan Conn, 1)
	go func() {
		conn, err := senderTransport.Dial(context.Background(), "receiver")
		if err != nil {
			t.Errorf("Dial() error = %v", err)
			return
		}
		senderConn <- conn
	}()

	receiverConnRaw, err := receiverTransport.Accept(context.Background())
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	sConn := <-senderConn

	senderPipeline := NewSenderPipeline(m, 64*1024)
	receiverPipeline := NewReceiverPipeline(outDir, 64*1024, 1<<30, 8, overwrite)

	var sCC, rCC *ConnectionContext
	var sErr, rErr error
	done := make(chan struct{}, 2)

	go func() {
		sCC, sErr = senderPipeline.Run(context.Background(), sConn)
		done <- struct{}{}
	}()
	go func() {
		rCC, rErr = receiverPipeline.Run(context.Background(), receiverConnRaw)
		done <- struct{}{}
	}()

	<-done
	<-done

	if sErr != nil {
		t.Fatalf("sender.Run() error = %v", sErr)
	}
	if rErr != nil {
		t.Fatalf("receiver.Run() error = %v", rErr)
	}
	return sCC, rCC
}

func TestSingleSmallFile(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	content := []byte("Hello, world!")
	writeSourceFile(t, srcDir, "hello.txt", content)

	m := manifest.Manifest{Files: []manifest.File{
		{ID: 0, Size: uint64(len(content)), RelPath: "hello.txt", AbsolutePath: filepath.Join(srcDir, "hello.txt")},
	}}

	sCC, rCC := runTransfer(t, m, outDir, false)

	if rCC.FilesMoved != 1 {
		t.Errorf("FilesMoved = %d, want 1", rCC.FilesMoved)
	}
	if rCC.BytesMoved != uint64(len(content)) {
		t.Errorf("BytesMoved = %d, want %d", rCC.BytesMoved, len(content))
	}
	if sCC.BytesMoved != uint64(len(content)) {
		t.Errorf("sender BytesMoved = %d, want %d", sCC.BytesMoved, len(content))
	}

	got, err := os.ReadFile(filepath.Join(outDir, "hello.txt"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("received content = %q, want %q", got, content)
	}
}

func TestNestedTree(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()

	a := bytes.Repeat([]byte{0xAA}, 1*1024*1024)
	b := bytes.Repeat([]byte{0x55}, 3*1024*1024)
	writeSourceFile(t, srcDir, "dir/a.bin", a)
	writeSourceFile(t, srcDir, "dir/sub/b.bin", b)

	m := manifest.Manifest{Files: []manifest.File{
		{ID: 0, Size: uint64(len(a)), RelPath: "dir/a.bin", AbsolutePath: filepath.Join(srcDir, "dir/a.bin")},
		{ID: 1, Size: uint64(len(b)), RelPath: "dir/sub/b.bin", AbsolutePath: filepath.Join(srcDir, "dir/sub/b.bin")},
	}}

	_, rCC := runTransfer(t, m, outDir, false)

	if rCC.FilesMoved != 2 {
		t.Errorf("FilesMoved = %d, want 2", rCC.FilesMoved)
	}
	wantBytes := uint64(len(a) + len(b))
	if rCC.BytesMoved != wantBytes {
		t.Errorf("BytesMoved = %d, want %d", rCC.BytesMoved, wantBytes)
	}

	gotA, err := os.ReadFile(filepath.Join(outDir, "dir/a.bin"))
	if err != nil || !bytes.Equal(gotA, a) {
		t.Errorf("dir/a.bin mismatch, err=%v", err)
	}
	gotB, err := os.ReadFile(filepath.Join(outDir, "dir/sub/b.bin"))
	if err != nil || !bytes.Equal(gotB, b) {
		t.Errorf("dir/sub/b.bin mismatch, err=%v", err)
	}
}

func TestZeroByteFile(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	path := writeSourceFile(t, srcDir, "empty.txt", nil)

	m := manifest.Manifest{Files: []manifest.File{
		{ID: 0, Size: 0, RelPath: "empty.txt", AbsolutePath: path},
	}}

	sCC, rCC := runTransfer(t, m, outDir, false)

	if rCC.FilesMoved != 1 {
		t.Errorf("FilesMoved = %d, want 1", rCC.FilesMoved)
	}
	if rCC.BytesMoved != 0 {
		t.Errorf("BytesMoved = %d, want 0", rCC.BytesMoved)
	}
	if sCC.BytesMoved != 0 {
		t.Errorf("sender BytesMoved = %d, want 0", sCC.BytesMoved)
	}
	info, err := os.Stat(filepath.Join(outDir, "empty.txt"))
	if err != nil {
		t.Fatalf("stat received empty.txt: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("received empty.txt size = %d, want 0", info.Size())
	}
}

func TestResumeAfterFullCompletion(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	content := []byte("Hello, world!")
	writeSourceFile(t, srcDir, "hello.txt", content)

	m := manifest.Manifest{Files: []manifest.File{
		{ID: 0, Size: uint64(len(content)), RelPath: "hello.txt", AbsolutePath: filepath.Join(srcDir, "hello.txt")},
	}}

	runTransfer(t, m, outDir, false)

	sCC, rCC := runTransfer(t, m, outDir, false)

	if rCC.ResumeFileID != 1 {
		t.Errorf("second run ResumeFileID = %d, want 1 (already complete)", rCC.ResumeFileID)
	}
	if rCC.BytesMoved != 0 && rCC.FilesMoved != 1 {
		t.Errorf("second run should have skipped straight to completion, got BytesMoved=%d FilesMoved=%d", rCC.BytesMoved, rCC.FilesMoved)
	}
	if sCC.CurrentFileIndex != 1 {
		t.Errorf("sender CurrentFileIndex = %d, want 1 (no data stream opened)", sCC.CurrentFileIndex)
	}
}

func TestResumeMidFile(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()

	a := bytes.Repeat([]byte{0xAA}, 1*1024*1024)
	b := bytes.Repeat([]byte{0x55}, 3*1024*1024)
	writeSourceFile(t, srcDir, "dir/a.bin", a)
	writeSourceFile(t, srcDir, "dir/sub/b.bin", b)

	m := manifest.Manifest{Files: []manifest.File{
		{ID: 0, Size: uint64(len(a)), RelPath: "dir/a.bin", AbsolutePath: filepath.Join(srcDir, "dir/a.bin")},
		{ID: 1, Size: uint64(len(b)), RelPath: "dir/sub/b.bin", AbsolutePath: filepath.Join(srcDir, "dir/sub/b.bin")},
	}}

	// Simulate an aborted transfer by writing resume state directly,
	// as if a prior run had persisted a cursor mid-way through file 1.
	fp := manifest.Fingerprint(manifest.Encode(m))
	abortOffset := uint64(2*1024*1024 + 7)
	statePath := resume.StatePath(outDir, fp)
	store := resume.NewStore(statePath, time.Second)
	store.Advance(resume.Cursor{FileID: 1, Offset: abortOffset})
	if err := store.ForceFlush(); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}
	// Pre-create b.bin truncated to the "already written" length so the
	// resumed write lands at the correct offset in a real file.
	if err := os.MkdirAll(filepath.Join(outDir, "dir/sub"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "dir/sub/b.bin"), b[:abortOffset], 0644); err != nil {
		t.Fatalf("seed partial b.bin: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "dir/a.bin"), a, 0644); err != nil {
		t.Fatalf("seed a.bin: %v", err)
	}

	sCC, rCC := runTransfer(t, m, outDir, false)

	wantMoved := uint64(len(b)) - abortOffset
	if sCC.BytesMoved-sCC.SkippedBytes != wantMoved {
		t.Errorf("sender transferred %d new bytes, want %d", sCC.BytesMoved-sCC.SkippedBytes, wantMoved)
	}
	if rCC.ResumeFileID != 1 || rCC.ResumeOffset != abortOffset {
		t.Errorf("resume ack = (%d,%d), want (1,%d)", rCC.ResumeFileID, rCC.ResumeOffset, abortOffset)
	}

	gotB, err := os.ReadFile(filepath.Join(outDir, "dir/sub/b.bin"))
	if err != nil {
		t.Fatalf("read b.bin: %v", err)
	}
	if !bytes.Equal(gotB, b) {
		t.Error("resumed b.bin does not match original content")
	}
}

func TestOverwriteFlagDiscardsResumeState(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	content := bytes.Repeat([]byte{0x42}, 4096)
	writeSourceFile(t, srcDir, "a.bin", content)

	m := manifest.Manifest{Files: []manifest.File{
		{ID: 0, Size: uint64(len(content)), RelPath: "a.bin", AbsolutePath: filepath.Join(srcDir, "a.bin")},
	}}

	fp := manifest.Fingerprint(manifest.Encode(m))
	statePath := resume.StatePath(outDir, fp)
	store := resume.NewStore(statePath, time.Second)
	store.Advance(resume.Cursor{FileID: 0, Offset: 2048})
	if err := store.ForceFlush(); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}

	_, rCC := runTransfer(t, m, outDir, true)

	if rCC.ResumeFileID != 0 || rCC.ResumeOffset != 0 {
		t.Errorf("overwrite run resume ack = (%d,%d), want (0,0)", rCC.ResumeFileID, rCC.ResumeOffset)
	}
	if rCC.BytesMoved != uint64(len(content)) {
		t.Errorf("BytesMoved = %d, want %d (full retransfer)", rCC.BytesMoved, len(content))
	}

	got, err := os.ReadFile(filepath.Join(outDir, "a.bin"))
	if err != nil || !bytes.Equal(got, content) {
		t.Errorf("overwrite result mismatch, err=%v", err)
	}
}
