package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// Op is the one-byte opcode that starts every control frame.
type Op byte

const (
	// OpUpload asks the server to write the data channel into path.
	OpUpload Op = 'S'
	// OpDownload asks the server to stream path over the data channel.
	OpDownload Op = 'G'
)

// DefaultMaxFrame bounds a single control frame, separator and terminator included.
const DefaultMaxFrame = 4096

var (
	ErrMalformed    = errors.New("malformed command")
	ErrFrameTooLong = errors.New("command frame too long")
	ErrEmptyPath    = errors.New("command path is empty")
)

func (o Op) String() string {
	switch o {
	case OpUpload:
		return "upload"
	case OpDownload:
		return "download"
	default:
		return fmt.Sprintf("op(%q)", byte(o))
	}
}

// Command is one parsed control request.
type Command struct {
	Op   Op
	Path string
}

// EncodeCommand renders a command as `op ' ' path '\n'`.
func EncodeCommand(c Command) ([]byte, error) {
	if c.Op != OpUpload && c.Op != OpDownload {
		return nil, fmt.Errorf("%w: unknown op %q", ErrMalformed, byte(c.Op))
	}
	if c.Path == "" {
		return nil, ErrEmptyPath
	}
	if bytes.ContainsAny([]byte(c.Path), "\n\x00") {
		return nil, fmt.Errorf("%w: path contains a terminator", ErrMalformed)
	}
	out := make([]byte, 0, len(c.Path)+3)
	out = append(out, byte(c.Op), ' ')
	out = append(out, c.Path...)
	out = append(out, '\n')
	return out, nil
}

// Frame is the outcome of decoding one control frame: either a Command or an
// error describing why the frame was rejected. Raw holds the offending bytes
// (truncated) for rejected frames.
type Frame struct {
	Command Command
	Err     error
	Raw     []byte
}

// Decoder turns a byte stream into frames. Frames end at '\n' or NUL, or
// where the caller calls Flush, and may span any number of Feed calls; empty
// frames are skipped. It is not safe for concurrent use.
type Decoder struct {
	max      int
	buf      []byte
	skipping bool
}

// NewDecoder returns a decoder that rejects frames longer than maxFrame bytes.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Decoder{max: maxFrame}
}

// Buffered reports how many bytes of an unterminated frame are held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed consumes p and returns every frame completed by it, in order.
func (d *Decoder) Feed(p []byte) []Frame {
	var frames []Frame
	for len(p) > 0 {
		idx := bytes.IndexAny(p, "\n\x00")
		if idx < 0 {
			if d.skipping {
				return frames
			}
			if len(d.buf)+len(p) > d.max {
				frames = append(frames, Frame{Err: ErrFrameTooLong, Raw: clip(append(d.buf, p...))})
				d.buf = d.buf[:0]
				d.skipping = true
				return frames
			}
			d.buf = append(d.buf, p...)
			return frames
		}
		chunk := p[:idx]
		p = p[idx+1:]
		if d.skipping {
			d.skipping = false
			continue
		}
		if len(d.buf)+len(chunk)+1 > d.max {
			frames = append(frames, Frame{Err: ErrFrameTooLong, Raw: clip(append(d.buf, chunk...))})
			d.buf = d.buf[:0]
			continue
		}
		line := bytes.TrimSuffix(append(d.buf, chunk...), []byte{'\r'})
		d.buf = d.buf[:0]
		if len(line) == 0 {
			continue
		}
		frames = append(frames, parseFrame(line))
	}
	return frames
}

// Flush ends the pending partial frame as if a terminator had arrived, so a
// command can also end where the sender's write did. It reports false when
// nothing is pending. The rest of a frame already rejected as too long is
// discarded and the decoder starts clean.
func (d *Decoder) Flush() (Frame, bool) {
	if d.skipping {
		d.skipping = false
		d.buf = d.buf[:0]
		return Frame{}, false
	}
	line := bytes.TrimSuffix(d.buf, []byte{'\r'})
	if len(line) == 0 {
		d.buf = d.buf[:0]
		return Frame{}, false
	}
	fr := parseFrame(line)
	d.buf = d.buf[:0]
	return fr, true
}

func parseFrame(line []byte) Frame {
	op := Op(line[0])
	if op != OpUpload && op != OpDownload {
		return Frame{Err: fmt.Errorf("%w: unknown op %q", ErrMalformed, line[0]), Raw: clip(line)}
	}
	if len(line) <= 2 {
		return Frame{Err: ErrEmptyPath, Raw: clip(line)}
	}
	return Frame{Command: Command{Op: op, Path: string(line[2:])}}
}

const rawLimit = 64

func clip(p []byte) []byte {
	if len(p) > rawLimit {
		p = p[:rawLimit]
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
