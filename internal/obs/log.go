package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogEvent emits one JSON log line. Keys are caller-defined; the audit
// emitter and the HTTP middleware both funnel through here so every line in
// the stream is machine-parseable.
func LogEvent(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// LogError is a shorthand for an error-level event.
func LogError(msg string, err error) {
	entry := map[string]any{"level": "error", "msg": msg}
	if err != nil {
		entry["error"] = err.Error()
	}
	LogEvent(entry)
}
