package display

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Color is an RGB triple
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Point is a position on the 480x320 logical screen
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Surface is the exclusive drawing target of the renderer. Implementations
// decide what a frame becomes: log lines, a queue message or pixels.
type Surface interface {
	FillBackground(c Color)
	DrawText(text string, size int, center Point, c Color)
	DrawImage(path string, center Point)
	Present() error
}

// OpKind identifies a recorded drawing operation
type OpKind string

const (
	OpFill  OpKind = "fill"
	OpText  OpKind = "text"
	OpImage OpKind = "image"
)

// Op is one recorded drawing operation
type Op struct {
	Kind   OpKind `json:"kind"`
	Text   string `json:"text,omitempty"`
	Size   int    `json:"size,omitempty"`
	Center Point  `json:"center"`
	Color  Color  `json:"color"`
	Path   string `json:"path,omitempty"`
}

// Recorder collects drawing operations until they are flushed. Surfaces that
// ship whole frames embed it and implement Present.
type Recorder struct {
	mu  sync.Mutex
	ops []Op
}

func (r *Recorder) FillBackground(c Color) {
	r.record(Op{Kind: OpFill, Color: c})
}

func (r *Recorder) DrawText(text string, size int, center Point, c Color) {
	r.record(Op{Kind: OpText, Text: text, Size: size, Center: center, Color: c})
}

func (r *Recorder) DrawImage(path string, center Point) {
	r.record(Op{Kind: OpImage, Path: path, Center: center})
}

// Flush returns the recorded operations and starts a new frame
func (r *Recorder) Flush() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := r.ops
	r.ops = nil
	return ops
}

func (r *Recorder) record(op Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

// Texts returns the text of every text operation, in drawing order
func Texts(ops []Op) []string {
	var out []string
	for _, op := range ops {
		if op.Kind == OpText {
			out = append(out, op.Text)
		}
	}
	return out
}

// LogSurface presents each frame as a structured log line
type LogSurface struct {
	Recorder
	logger *zap.Logger
}

// NewLogSurface creates a surface writing to logger
func NewLogSurface(logger *zap.Logger) *LogSurface {
	return &LogSurface{logger: logger}
}

func (s *LogSurface) Present() error {
	ops := s.Flush()
	images := make([]string, 0, 1)
	for _, op := range ops {
		if op.Kind == OpImage {
			images = append(images, op.Path)
		}
	}
	s.logger.Info("frame presented",
		zap.Strings("texts", Texts(ops)),
		zap.Strings("images", images),
	)
	return nil
}

type fanout []Surface

// Fanout draws every frame on all surfaces
func Fanout(surfaces ...Surface) Surface {
	if len(surfaces) == 1 {
		return surfaces[0]
	}
	return fanout(surfaces)
}

func (f fanout) FillBackground(c Color) {
	for _, s := range f {
		s.FillBackground(c)
	}
}

func (f fanout) DrawText(text string, size int, center Point, c Color) {
	for _, s := range f {
		s.DrawText(text, size, center, c)
	}
}

func (f fanout) DrawImage(path string, center Point) {
	for _, s := range f {
		s.DrawImage(path, center)
	}
}

func (f fanout) Present() error {
	var errs []error
	for _, s := range f {
		if err := s.Present(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
