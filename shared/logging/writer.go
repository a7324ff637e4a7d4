package logging

import (
	"bytes"
	"strings"
)

// Writer adapts the logger to an io.Writer for libraries that only accept a
// *log.Logger or an output stream. Each line becomes one entry at level.
func (l *Logger) Writer(level Level, cat Category) *LineWriter {
	return &LineWriter{l: l, level: level, cat: cat}
}

// LineWriter is returned by Logger.Writer.
type LineWriter struct {
	l     *Logger
	level Level
	cat   Category
}

func (w *LineWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		msg := strings.TrimSpace(string(line))
		if msg == "" {
			continue
		}
		// yamux tags its lines "[ERR] yamux: ..." or "[WARN] yamux: ...",
		// possibly after a timestamp from the standard log package.
		level := w.level
		if i := strings.Index(msg, "[ERR]"); i >= 0 {
			level = LevelError
			msg = strings.TrimSpace(msg[i+len("[ERR]"):])
		} else if i := strings.Index(msg, "[WARN]"); i >= 0 {
			level = LevelWarn
			msg = strings.TrimSpace(msg[i+len("[WARN]"):])
		}
		w.l.log(level, w.cat, msg, nil)
	}
	return len(p), nil
}
