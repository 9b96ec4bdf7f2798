package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// FileName is the collector log inside <data-root>/logs.
const FileName = "coletor.log"

// Init points the standard logger at stdout and <dataRoot>/logs/coletor.log
// (appended). The returned closer releases the file.
func Init(dataRoot string) (io.Closer, error) {
	dir := filepath.Join(dataRoot, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return f, nil
}
