package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// IsTTY reports whether f is a character device.
func IsTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Render prints label and m's stats to w until the returned stop function is
// called. On a terminal the line is redrawn in place every 100ms; otherwise
// a fresh line is written every second.
func Render(ctx context.Context, w io.Writer, tty bool, label string, m *Meter) (stop func()) {
	interval := time.Second
	if tty {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var mu sync.Mutex
	width := 0

	renderOnce := func(final bool) {
		mu.Lock()
		defer mu.Unlock()
		line := label + " " + FormatLine(m.Snapshot())
		if !tty {
			fmt.Fprintln(w, line)
			return
		}
		pad := ""
		if n := width - len(line); n > 0 {
			pad = strings.Repeat(" ", n)
		}
		width = len(line)
		fmt.Fprint(w, "\r"+line+pad)
		if final {
			fmt.Fprintln(w)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				renderOnce(false)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			renderOnce(true)
		})
	}
}

// FormatLine renders stats as "1.5 MiB / 3.0 MiB (50.0%) 1.2 MiB/s eta 1s".
func FormatLine(st Stats) string {
	var b strings.Builder
	b.WriteString(humanize.IBytes(uint64(st.Done)))
	if st.Total > 0 {
		fmt.Fprintf(&b, " / %s (%.1f%%)", humanize.IBytes(uint64(st.Total)), st.Percent)
	}
	fmt.Fprintf(&b, " %s/s", humanize.IBytes(uint64(st.RateBps)))
	if st.ETA > 0 {
		fmt.Fprintf(&b, " eta %s", st.ETA.Round(time.Second))
	}
	return b.String()
}
