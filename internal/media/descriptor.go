package media

import (
	"encoding/xml"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/gststruct"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/scenario"
	"github.com/five82/gvlauncher/internal/util"
)

// GstSecond is one second in GStreamer time units.
const GstSecond = int64(1000000000)

// Descriptor file extensions.
const (
	SkippedMediaInfoExt = "media_info.skipped"
	MediaInfoExt        = "media_info"
	PushMediaInfoExt    = "media_info.push"
	StreamInfoExt       = "stream_info"
)

var descriptorExts = []string{MediaInfoExt, PushMediaInfoExt, StreamInfoExt, SkippedMediaInfoExt}

// IsDescriptorFile reports whether path names a media descriptor.
func IsDescriptorFile(path string) bool {
	for _, ext := range descriptorExts {
		if strings.HasSuffix(path, "."+ext) {
			return true
		}
	}
	return false
}

// Track is a stream of the media.
type Track struct {
	Type string
	Caps string
}

// Descriptor is the description gst-validate-media-check produced for a
// media file.
type Descriptor struct {
	path          string
	mediaFilepath string
	caps          string
	tracks        []Track
	skipParsers   bool
	hasFrames     bool
	duration      int64
	uri           string
	protocol      string
	seekable      bool
	live          bool
	image         bool
}

type xmlDescriptor struct {
	Duration       string       `xml:"duration,attr"`
	FrameDetection string       `xml:"frame-detection,attr"`
	SkipParsers    string       `xml:"skip-parsers,attr"`
	URI            string       `xml:"uri,attr"`
	Seekable       string       `xml:"seekable,attr"`
	Live           string       `xml:"live,attr"`
	Protocol       string       `xml:"protocol,attr"`
	Streams        []xmlStreams `xml:"streams"`
}

type xmlStreams struct {
	Caps    string      `xml:"caps,attr"`
	Streams []xmlStream `xml:"stream"`
}

type xmlStream struct {
	Type string `xml:"type,attr"`
	Caps string `xml:"caps,attr"`
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Descriptor{}
)

// Get returns the descriptor at path, parsing it once per process.
func Get(path string) (*Descriptor, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if d, ok := cache[path]; ok {
		return d, nil
	}
	d, err := Load(path)
	if err != nil {
		return nil, err
	}
	cache[path] = d
	return d, nil
}

// Load parses the descriptor at path.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gverrors.NewIOError("failed to read media descriptor "+path, err)
	}
	return parse(path, data)
}

func parse(path string, data []byte) (*Descriptor, error) {
	var raw xmlDescriptor
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, gverrors.NewParseError("could not parse "+path, err)
	}
	if len(raw.Streams) == 0 {
		return nil, gverrors.NewParseError("no streams in "+path, nil)
	}

	d := &Descriptor{
		path:        path,
		caps:        raw.Streams[0].Caps,
		skipParsers: parseIntBool(raw.SkipParsers),
		hasFrames:   parseIntBool(raw.FrameDetection),
		uri:         raw.URI,
		seekable:    strings.EqualFold(raw.Seekable, "true"),
		live:        strings.EqualFold(raw.Live, "true"),
	}

	duration, err := strconv.ParseInt(strings.TrimSpace(raw.Duration), 10, 64)
	if err != nil {
		return nil, gverrors.NewParseError("invalid duration in "+path, err)
	}
	d.duration = duration

	for _, s := range raw.Streams[0].Streams {
		d.tracks = append(d.tracks, Track{Type: s.Type, Caps: s.Caps})
		if s.Type == "image" {
			d.image = true
		}
	}

	parsed, err := url.Parse(d.uri)
	if err != nil {
		return nil, gverrors.NewParseError("invalid uri in "+path, err)
	}
	switch parsed.Scheme {
	case ProtocolFile:
		media := d.MediaFilepath()
		if !util.FileExists(parsed.Path) && util.FileExists(media) {
			d.uri = util.PathToURL(media)
		}
	case ProtocolImageSequence:
		dir := filepath.Dir(d.cleanupExt())
		d.mediaFilepath = filepath.Join(dir, filepath.Base(parsed.Path))
		parsed.Path = d.mediaFilepath
		d.uri = parsed.String()
	}

	d.protocol = raw.Protocol
	if d.protocol == "" {
		d.protocol = parsed.Scheme
	}
	if strings.HasSuffix(path, "."+PushMediaInfoExt) {
		d.protocol = ProtocolPushFile
	}
	return d, nil
}

func parseIntBool(s string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return err == nil && n != 0
}

func (d *Descriptor) cleanupExt() string {
	for _, ext := range descriptorExts {
		if strings.HasSuffix(d.path, "."+ext) {
			return strings.TrimSuffix(d.path, "."+ext)
		}
	}
	return d.path
}

// Path is the descriptor file path.
func (d *Descriptor) Path() string { return d.path }

// MediaFilepath is the media file the descriptor describes.
func (d *Descriptor) MediaFilepath() string {
	if d.mediaFilepath == "" {
		return d.cleanupExt()
	}
	return d.mediaFilepath
}

func (d *Descriptor) URI() string { return d.uri }
func (d *Descriptor) Caps() string { return d.caps }
func (d *Descriptor) TracksCaps() []Track { return append([]Track(nil), d.tracks...) }
func (d *Descriptor) Protocol() string { return d.protocol }
func (d *Descriptor) Seekable() bool { return d.seekable }
func (d *Descriptor) Live() bool { return d.live }
func (d *Descriptor) IsImage() bool { return d.image }
func (d *Descriptor) SkipParsers() bool { return d.skipParsers }
func (d *Descriptor) HasFrames() bool { return d.hasFrames }
func (d *Descriptor) CanPlayReverse() bool { return true }
func (d *Descriptor) Prerolls() bool { return true }
func (d *Descriptor) NeedsClockSync() bool { return ProtocolNeedsClockSync(d.protocol) }
func (d *Descriptor) IsSkipped() bool { return strings.HasSuffix(d.path, "."+SkippedMediaInfoExt) }

// Duration is the media duration in nanoseconds.
func (d *Descriptor) Duration() int64 { return d.duration }

// NumTracks counts the tracks of trackType.
func (d *Descriptor) NumTracks(trackType string) int {
	n := 0
	for _, t := range d.tracks {
		if t.Type == trackType {
			n++
		}
	}
	return n
}

// Framerate is the framerate of the first video track declaring one, 0/1
// otherwise.
func (d *Descriptor) Framerate() gststruct.Fraction {
	for _, t := range d.tracks {
		if t.Type != "video" {
			continue
		}
		caps, err := gststruct.ParseCaps(t.Caps)
		if err != nil {
			logging.Warn("could not create caps", zap.String("caps", t.Caps), zap.Error(err))
			continue
		}
		if caps.Len() == 0 {
			continue
		}
		if v, ok := caps.Structure(0).GetTyped("framerate", gststruct.TypeFraction); ok {
			if f, ok := v.(gststruct.Fraction); ok && !f.IsZero() {
				return f
			}
		}
	}
	return gststruct.NewFraction(0, 1)
}

// CleanName is the descriptor file name without extension, dots replaced.
func (d *Descriptor) CleanName() string {
	name := filepath.Base(d.path)
	for _, ext := range descriptorExts {
		if strings.HasSuffix(name, "."+ext) {
			name = strings.TrimSuffix(name, "."+ext)
			break
		}
	}
	return strings.ReplaceAll(name, ".", "_")
}

// IsCompatible reports whether sc can run on the media. A nil scenario is
// compatible with everything.
func (d *Descriptor) IsCompatible(sc *scenario.Scenario) bool {
	if sc == nil {
		return true
	}

	reject := func(reason string) bool {
		logging.Debug("scenario not compatible with media",
			zap.String("scenario", sc.Name), zap.String("uri", d.uri), zap.String("reason", reason))
		return false
	}

	if sc.Seeks() && (!d.seekable || d.image) {
		return reject("does not support seeking")
	}
	if d.image && sc.NeedsClockSync() {
		return reject("is an image")
	}
	if !d.CanPlayReverse() && sc.DoesReversePlayback() {
		return reject("cannot play reverse")
	}
	if !d.live && sc.NeedsLiveContent() {
		return reject("is not a live content")
	}
	if d.live && !sc.CompatibleWithLiveContent() {
		return reject("is a live content")
	}
	if !d.Prerolls() && sc.NeedsPreroll() {
		return reject("does not preroll")
	}
	if d.duration != 0 && float64(d.duration)/float64(GstSecond) < sc.MinMediaDuration() {
		return reject("is too short")
	}
	for _, trackType := range []string{"audio", "subtitle", "video"} {
		if d.NumTracks(trackType) < sc.MinTracks(trackType) {
			return reject("has not enough " + trackType + " tracks")
		}
	}
	return true
}

func (d *Descriptor) String() string { return d.path }
