package logging

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"sync"
)

// Legacy returns a [log.Logger] that forwards each complete line written to it to logger at level.
//
// It is used as [net/http.Server.ErrorLog] so that server errors are structured like everything else.
func Legacy(logger *slog.Logger, level slog.Level) *log.Logger {
	return log.New(&lineWriter{logger: logger, level: level}, "", 0)
}

// lineWriter buffers partial writes until a newline arrives.
type lineWriter struct {
	mu      sync.Mutex
	logger  *slog.Logger
	level   slog.Level
	pending bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending.Write(p)
	for {
		line, err := w.pending.ReadBytes('\n')
		if err != nil {
			// No newline yet; keep the fragment for the next write.
			w.pending.Reset()
			w.pending.Write(line)
			return len(p), nil
		}
		w.logger.Log(context.Background(), w.level, string(bytes.TrimRight(line, "\r\n")))
	}
}
