package transform

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	log "github.com/lunarfang/ccbridge/internal/logging"
)

// DebugSink receives transformation snapshots. Implementations must tolerate
// concurrent calls; failures are the sink's problem, never the caller's.
type DebugSink interface {
	Dump(stage string, data []byte)
}

// NopSink discards all snapshots.
type NopSink struct{}

func (NopSink) Dump(string, []byte) {}

// DirSink writes each snapshot as a timestamped file under a directory.
type DirSink struct {
	dir string
	seq atomic.Uint64
}

// NewDirSink creates the directory if needed. Callers fall back to NopSink
// on error.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create debug directory: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

func (s *DirSink) Dump(stage string, data []byte) {
	name := fmt.Sprintf("%s_%06d_%s.json", time.Now().Format("20060102T150405"), s.seq.Add(1), stage)
	go func() {
		if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
			log.WithError(err).Debugf("debug snapshot write failed")
		}
	}()
}
