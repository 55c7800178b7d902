package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecoder_SingleFrame(t *testing.T) {
	d := NewDecoder(0)
	frames := d.Feed([]byte("S /tmp/a.bin\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Err != nil {
		t.Fatalf("unexpected error: %v", frames[0].Err)
	}
	if frames[0].Command.Op != OpUpload {
		t.Errorf("Op = %v, want upload", frames[0].Command.Op)
	}
	if frames[0].Command.Path != "/tmp/a.bin" {
		t.Errorf("Path = %q, want /tmp/a.bin", frames[0].Command.Path)
	}
}

func TestDecoder_NulTerminatorAndCRLF(t *testing.T) {
	d := NewDecoder(0)
	frames := d.Feed([]byte("G /tmp/b.bin\x00S /tmp/c.bin\r\n"))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Command != (Command{Op: OpDownload, Path: "/tmp/b.bin"}) {
		t.Errorf("frame 0 = %+v", frames[0].Command)
	}
	if frames[1].Command != (Command{Op: OpUpload, Path: "/tmp/c.bin"}) {
		t.Errorf("frame 1 = %+v", frames[1].Command)
	}
}

func TestDecoder_FrameSpansReads(t *testing.T) {
	d := NewDecoder(0)
	if frames := d.Feed([]byte("S /tm")); len(frames) != 0 {
		t.Fatalf("expected no frames from partial input, got %d", len(frames))
	}
	if d.Buffered() != 5 {
		t.Fatalf("Buffered() = %d, want 5", d.Buffered())
	}
	if frames := d.Feed([]byte("p/split")); len(frames) != 0 {
		t.Fatalf("expected no frames, got %d", len(frames))
	}
	frames := d.Feed([]byte(".bin\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Command.Path != "/tmp/split.bin" {
		t.Errorf("Path = %q, want /tmp/split.bin", frames[0].Command.Path)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d after complete frame, want 0", d.Buffered())
	}
}

func TestDecoder_UnknownOpIsRejected(t *testing.T) {
	d := NewDecoder(0)
	frames := d.Feed([]byte("X /etc/passwd\nG /tmp/ok\n"))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !errors.Is(frames[0].Err, ErrMalformed) {
		t.Errorf("frame 0 error = %v, want ErrMalformed", frames[0].Err)
	}
	if string(frames[0].Raw) != "X /etc/passwd" {
		t.Errorf("frame 0 raw = %q", frames[0].Raw)
	}
	if frames[1].Err != nil || frames[1].Command.Op != OpDownload {
		t.Errorf("frame 1 = %+v", frames[1])
	}
}

func TestDecoder_EmptyPath(t *testing.T) {
	d := NewDecoder(0)
	frames := d.Feed([]byte("S\nG \n"))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if !errors.Is(f.Err, ErrEmptyPath) {
			t.Errorf("frame %d error = %v, want ErrEmptyPath", i, f.Err)
		}
	}
}

func TestDecoder_EmptyFramesSkipped(t *testing.T) {
	d := NewDecoder(0)
	frames := d.Feed([]byte("\n\r\n\x00S /x\x00\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Command.Path != "/x" {
		t.Errorf("Path = %q, want /x", frames[0].Command.Path)
	}
}

func TestDecoder_TooLongThenRecovers(t *testing.T) {
	d := NewDecoder(16)
	long := "S /" + strings.Repeat("a", 40)
	frames := d.Feed([]byte(long))
	if len(frames) != 1 || !errors.Is(frames[0].Err, ErrFrameTooLong) {
		t.Fatalf("expected ErrFrameTooLong, got %+v", frames)
	}
	// The remainder of the oversized frame is discarded up to its terminator.
	frames = d.Feed([]byte("bbbb\nG /ok\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after recovery, got %d", len(frames))
	}
	if frames[0].Command != (Command{Op: OpDownload, Path: "/ok"}) {
		t.Errorf("recovered frame = %+v", frames[0].Command)
	}
}

func TestDecoder_TooLongWithinOneRead(t *testing.T) {
	d := NewDecoder(8)
	frames := d.Feed([]byte("S /abcdefgh\nS /a\n"))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !errors.Is(frames[0].Err, ErrFrameTooLong) {
		t.Errorf("frame 0 error = %v, want ErrFrameTooLong", frames[0].Err)
	}
	if frames[1].Command.Path != "/a" {
		t.Errorf("frame 1 path = %q, want /a", frames[1].Command.Path)
	}
}

func TestDecoder_FlushEndsUnterminatedFrame(t *testing.T) {
	d := NewDecoder(0)
	if frames := d.Feed([]byte("G /tmp/b.bin")); len(frames) != 0 {
		t.Fatalf("expected no frames before flush, got %d", len(frames))
	}
	fr, ok := d.Flush()
	if !ok {
		t.Fatal("Flush reported nothing pending")
	}
	if fr.Err != nil || fr.Command != (Command{Op: OpDownload, Path: "/tmp/b.bin"}) {
		t.Fatalf("flushed frame = %+v", fr)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered after flush = %d, want 0", d.Buffered())
	}
	if _, ok := d.Flush(); ok {
		t.Error("second Flush reported a frame")
	}
}

func TestDecoder_FlushTrimsCR(t *testing.T) {
	d := NewDecoder(0)
	d.Feed([]byte("S /a\r"))
	fr, ok := d.Flush()
	if !ok || fr.Command.Path != "/a" {
		t.Fatalf("flushed frame = %+v ok=%v", fr, ok)
	}
}

func TestDecoder_FlushRejectsBadFrame(t *testing.T) {
	d := NewDecoder(0)
	d.Feed([]byte("G"))
	fr, ok := d.Flush()
	if !ok || !errors.Is(fr.Err, ErrEmptyPath) {
		t.Fatalf("flushed frame = %+v ok=%v, want ErrEmptyPath", fr, ok)
	}
}

func TestDecoder_FlushAfterTooLongStartsClean(t *testing.T) {
	d := NewDecoder(8)
	frames := d.Feed([]byte("S /abcdefghij"))
	if len(frames) != 1 || !errors.Is(frames[0].Err, ErrFrameTooLong) {
		t.Fatalf("expected ErrFrameTooLong, got %+v", frames)
	}
	if _, ok := d.Flush(); ok {
		t.Fatal("Flush emitted the tail of an oversized frame")
	}
	// Without a terminator the next bytes start a new frame.
	frames = d.Feed([]byte("G /ok\n"))
	if len(frames) != 1 || frames[0].Command.Path != "/ok" {
		t.Fatalf("frame after flush = %+v", frames)
	}
}

func TestEncodeCommand(t *testing.T) {
	raw, err := EncodeCommand(Command{Op: OpUpload, Path: "/tmp/a.bin"})
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	if string(raw) != "S /tmp/a.bin\n" {
		t.Errorf("EncodeCommand() = %q", raw)
	}

	frames := NewDecoder(0).Feed(raw)
	if len(frames) != 1 || frames[0].Command.Path != "/tmp/a.bin" {
		t.Errorf("decoded %+v", frames)
	}

	if _, err := EncodeCommand(Command{Op: 'Z', Path: "/x"}); !errors.Is(err, ErrMalformed) {
		t.Errorf("unknown op error = %v, want ErrMalformed", err)
	}
	if _, err := EncodeCommand(Command{Op: OpDownload}); !errors.Is(err, ErrEmptyPath) {
		t.Errorf("empty path error = %v, want ErrEmptyPath", err)
	}
	if _, err := EncodeCommand(Command{Op: OpDownload, Path: "a\nb"}); !errors.Is(err, ErrMalformed) {
		t.Errorf("newline path error = %v, want ErrMalformed", err)
	}
}

func TestOpString(t *testing.T) {
	if OpUpload.String() != "upload" || OpDownload.String() != "download" {
		t.Errorf("unexpected op names %q %q", OpUpload, OpDownload)
	}
}
