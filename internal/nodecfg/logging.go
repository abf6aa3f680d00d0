package nodecfg

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// levelWriter filters writes below l, grounded on
// pkg/atlas/util.go's zerologWriterLevel.
type levelWriter struct {
	w io.Writer
	l zerolog.Level
	m sync.Mutex
}

var _ zerolog.LevelWriter = (*levelWriter)(nil)

func newLevelWriter(w io.Writer, l zerolog.Level) *levelWriter {
	return &levelWriter{w: w, l: l}
}

func (wl *levelWriter) Write(p []byte) (int, error) {
	wl.m.Lock()
	defer wl.m.Unlock()
	return wl.w.Write(p)
}

func (wl *levelWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < wl.l {
		return len(p), nil
	}
	wl.m.Lock()
	defer wl.m.Unlock()
	if lw, ok := wl.w.(zerolog.LevelWriter); ok {
		return lw.WriteLevel(l, p)
	}
	return wl.w.Write(p)
}
