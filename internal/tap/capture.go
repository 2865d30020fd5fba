package tap

import (
	"log/slog"
	"os"
	"time"

	"github.com/mastermind88/ZeroTierOne/internal/pcap"
)

// frameCapture is the tap-owned wrapper around a pcap.Writer: it owns the
// capture file's lifecycle (open, header, close) so that internal/pcap
// itself stays a small record-writing library rather than growing tap's own
// -pcap flag handling or Frame Adapter knowledge.
type frameCapture struct {
	file *os.File
	w    *pcap.Writer
}

// newFrameCapture opens path and writes the pcap global header, or returns
// nil (capture disabled) with a warning logged if either step fails —
// capture is a diagnostic feature per SPEC_FULL.md §10, never fatal to the
// tap itself.
func newFrameCapture(path string, log *slog.Logger) *frameCapture {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		log.Warn("pcap: failed to open capture file", "path", path, "error", err)
		return nil
	}
	w := pcap.NewWriter(f)
	if err := w.WriteFileHeader(65535, pcap.LinkTypeEthernet); err != nil {
		log.Warn("pcap: failed to write file header", "error", err)
		f.Close()
		return nil
	}
	return &frameCapture{file: f, w: w}
}

// capture records one Ethernet frame the Frame Adapter has already parsed
// off the stack's outbound pump, timestamped at the moment it's observed.
func (c *frameCapture) capture(frame []byte) error {
	return c.w.WritePacket(time.Now(), frame)
}

func (c *frameCapture) close() {
	c.file.Close()
}
