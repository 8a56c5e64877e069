package display

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/internal/classify"
	"go.uber.org/zap"
)

// NetFailureText is shown when no reading was ever obtained
const NetFailureText = "net failure"

var (
	ColorWhite = Color{R: 255, G: 255, B: 255}
	ColorBlack = Color{R: 0, G: 0, B: 0}
	ColorGrey  = Color{R: 160, G: 160, B: 160}
	ColorBlue  = Color{R: 0, G: 0, B: 255}
)

// Palette is the background and text color pair of a frame
type Palette struct {
	Background Color
	Text       Color
}

var (
	DayPalette   = Palette{Background: ColorBlue, Text: ColorWhite}
	NightPalette = Palette{Background: ColorBlack, Text: ColorGrey}
)

// layout of the 480x320 screen
var (
	timeAgoPos  = Point{X: 240, Y: 20}
	readingPos  = Point{X: 240, Y: 155}
	deltaPos    = Point{X: 240, Y: 275}
	loopPos     = Point{X: 450, Y: 290}
	messagePos  = Point{X: 240, Y: 160}
	timeAgoSize = 75
	readingSize = 200
	deltaSize   = 135
	messageSize = 56
)

var loopImages = map[classify.Freshness]string{
	classify.LoopFresh: "loop_fresh.png",
	classify.LoopAging: "loop_aging.png",
	classify.LoopStale: "loop_stale.png",
}

// Frame is the display-ready content of one render
type Frame struct {
	TimeAgo   string    `json:"time_ago"`
	Reading   string    `json:"reading"`
	Delta     string    `json:"delta"`
	LoopImage string    `json:"loop_image,omitempty"`
	Connected bool      `json:"connected"`
	Stale     bool      `json:"stale"`
	NightMode bool      `json:"night_mode"`
	HasData   bool      `json:"has_data"`
	At        time.Time `json:"at"`
}

// Options configures a Renderer
type Options struct {
	NightModeHours []int
	LoopImageDir   string
	Location       *time.Location
}

// Renderer draws the last known reading. Render calls are serialized so a
// frame is never interleaved with another cycle's frame.
type Renderer struct {
	state      *cgm.LastKnown
	surface    Surface
	classifier *classify.Classifier
	nightHours map[int]bool
	imageDir   string
	loc        *time.Location
	logger     *zap.Logger

	connected atomic.Bool

	mu        sync.Mutex
	lastStale time.Time
}

// NewRenderer creates a renderer over the shared state slot
func NewRenderer(state *cgm.LastKnown, surface Surface, classifier *classify.Classifier, opts Options, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	hours := make(map[int]bool, len(opts.NightModeHours))
	for _, h := range opts.NightModeHours {
		hours[h] = true
	}
	return &Renderer{
		state:      state,
		surface:    surface,
		classifier: classifier,
		nightHours: hours,
		imageDir:   opts.LoopImageDir,
		loc:        loc,
		logger:     logger,
	}
}

// SetConnected records whether the last poll reached the backend
func (r *Renderer) SetConnected(ok bool) {
	r.connected.Store(ok)
}

// Render draws one frame for now and presents it
func (r *Renderer) Render(now time.Time) (Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.state.Load()
	frame := r.BuildFrame(snap, now)
	if frame.Stale && frame.HasData {
		r.logStale(snap.Reading, now)
	}

	palette := DayPalette
	if frame.NightMode {
		palette = NightPalette
	}

	r.surface.FillBackground(palette.Background)
	if !frame.HasData {
		r.surface.DrawText(NetFailureText, messageSize, messagePos, palette.Text)
	} else {
		r.surface.DrawText(frame.TimeAgo, timeAgoSize, timeAgoPos, palette.Text)
		r.surface.DrawText(frame.Reading, readingSize, readingPos, palette.Text)
		r.surface.DrawText(frame.Delta, deltaSize, deltaPos, palette.Text)
		if frame.LoopImage != "" {
			r.surface.DrawImage(frame.LoopImage, loopPos)
		}
	}

	if err := r.surface.Present(); err != nil {
		return frame, fmt.Errorf("failed to present frame: %w", err)
	}
	return frame, nil
}

// BuildFrame derives the display strings from a snapshot without drawing
func (r *Renderer) BuildFrame(snap cgm.Snapshot, now time.Time) Frame {
	frame := Frame{
		Connected: r.connected.Load(),
		NightMode: r.isNight(now),
		At:        now,
	}
	if !snap.HasReading() {
		frame.Reading = NetFailureText
		return frame
	}

	reading := snap.Reading
	frame.HasData = true
	frame.TimeAgo = classify.TimeAgo(reading.Timestamp, now)
	frame.Stale = r.classifier.IsReadingStale(reading, now)
	frame.Reading = r.classifier.DisplayValue(reading, now)
	if delta, ok := reading.Delta(); ok {
		frame.Delta = classify.FormatDelta(delta)
	}
	if image, ok := loopImages[classify.LoopFreshness(snap.LoopStatus, now)]; ok {
		frame.LoopImage = filepath.Join(r.imageDir, image)
	}
	return frame
}

func (r *Renderer) isNight(now time.Time) bool {
	return r.nightHours[now.In(r.loc).Hour()]
}

// logStale warns once per stale reading rather than on every refresh
func (r *Renderer) logStale(reading *cgm.Reading, now time.Time) {
	if reading == nil || reading.Timestamp.Equal(r.lastStale) {
		return
	}
	r.lastStale = reading.Timestamp
	r.logger.Warn("stale reading detected",
		zap.Time("reading_timestamp", reading.Timestamp),
		zap.Float64("lag_sec", reading.Lag(now).Seconds()),
		zap.Float64("max_lag_sec", r.classifier.MaxLag().Seconds()),
	)
}
