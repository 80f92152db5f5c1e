package obs

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	logMu  sync.Mutex
	logOut io.Writer = os.Stdout
)

// SetLogOutput redirects the structured log stream and returns a restore
// function. Tests use it to capture emitted lines.
func SetLogOutput(w io.Writer) func() {
	logMu.Lock()
	defer logMu.Unlock()
	prev := logOut
	logOut = w
	return func() {
		logMu.Lock()
		defer logMu.Unlock()
		logOut = prev
	}
}

// LogJSON emits one JSON object per line on the log stream. Entries without
// a ts field are stamped at emission time.
func LogJSON(entry map[string]any) {
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(entry)
	logMu.Lock()
	defer logMu.Unlock()
	if err != nil {
		fmt.Fprintln(logOut, `{"level":"error","msg":"log marshal failed"}`)
		return
	}
	fmt.Fprintln(logOut, string(data))
}
