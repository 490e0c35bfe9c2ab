package media

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/five82/gvlauncher/internal/gststruct"
	"github.com/five82/gvlauncher/internal/logging"
)

// Formats maps format names to their caps.
var Formats = map[string]string{
	"aac":      "audio/mpeg,mpegversion=4",
	"ac3":      "audio/x-ac3",
	"vorbis":   "audio/x-vorbis",
	"mp3":      "audio/mpeg,mpegversion=1,layer=3",
	"opus":     "audio/x-opus",
	"rawaudio": "audio/x-raw",

	"h264":   "video/x-h264",
	"h265":   "video/x-h265",
	"vp8":    "video/x-vp8",
	"vp9":    "video/x-vp9",
	"theora": "video/x-theora",
	"prores": "video/x-prores",
	"jpeg":   "image/jpeg",

	"webm":      "video/webm",
	"ogg":       "application/ogg",
	"mkv":       "video/x-matroska",
	"mp4":       "video/quicktime,variant=iso;",
	"quicktime": "video/quicktime;",
}

// VariableFramerate selects whether the video encoder accepts a variable
// framerate.
type VariableFramerate int

const (
	VariableFramerateDisabled VariableFramerate = iota
	VariableFramerateEnabled
	// VariableFramerateAuto enables it unless the restriction fixes the
	// framerate.
	VariableFramerateAuto
)

// FormatCombination is a container with an audio and a video format tests
// transcode to.
type FormatCombination struct {
	Container        string  `mapstructure:"container"`
	Audio            string  `mapstructure:"audio"`
	Video            string  `mapstructure:"video"`
	DurationFactor   float64 `mapstructure:"duration_factor"`
	VideoRestriction string  `mapstructure:"video_restriction"`
	AudioRestriction string  `mapstructure:"audio_restriction"`
}

func (c FormatCombination) String() string {
	return fmt.Sprintf("%s and %s in %s", c.Audio, c.Video, c.Container)
}

// Caps returns the caps of the format of trackType ("audio", "video" or
// "container"), empty when none is wanted.
func (c FormatCombination) Caps(trackType string) string {
	var name string
	switch trackType {
	case "audio":
		name = c.Audio
	case "video":
		name = c.Video
	case "container":
		name = c.Container
	}
	return Formats[name]
}

// Validate checks every format is known.
func (c FormatCombination) Validate() error {
	for _, name := range []string{c.Container, c.Audio, c.Video} {
		if name == "" {
			continue
		}
		if _, ok := Formats[name]; !ok {
			return fmt.Errorf("unknown format %q", name)
		}
	}
	return nil
}

// ProfileOptions overrides the combination when building a profile.
type ProfileOptions struct {
	VideoRestriction  string
	AudioRestriction  string
	VariableFramerate VariableFramerate
}

// Profile builds the gst-validate-transcoding encoding profile for the
// combination. When media is set, tracks it lacks are dropped and the
// number of tracks is passed as presence.
func (c FormatCombination) Profile(media *Descriptor, opts ProfileOptions) string {
	vcaps := c.Caps("video")
	acaps := c.Caps("audio")
	vrestr := opts.VideoRestriction
	if vrestr == "" {
		vrestr = c.VideoRestriction
	}
	arestr := opts.AudioRestriction
	if arestr == "" {
		arestr = c.AudioRestriction
	}

	var vpresence, apresence int
	if media != nil {
		if c.Video == "theora" {
			vrestr = forceFramerate(vrestr, media.Framerate())
		}
		if vpresence = media.NumTracks("video"); vpresence == 0 {
			vcaps = ""
		}
		if apresence = media.NumTracks("audio"); apresence == 0 {
			acaps = ""
		}
	}

	return BuildProfile(c.Caps("container"), vcaps, acaps, vrestr, arestr, apresence, vpresence, opts.VariableFramerate)
}

// forceFramerate sets a framerate on restriction: theoraenc does not
// support variable framerates.
func forceFramerate(restriction string, framerate gststruct.Fraction) string {
	if !framerate.IsZero() {
		return restriction
	}
	base := restriction
	if base == "" {
		base = "video/x-raw"
	}
	caps, err := gststruct.ParseCaps(base)
	if err != nil {
		logging.Warn("invalid video restriction", zap.String("restriction", base), zap.Error(err))
		return restriction
	}
	for _, s := range caps.Structures {
		if s.Has("framerate") {
			continue
		}
		if err := s.Set("framerate", gststruct.TypeFraction, gststruct.NewFraction(30, 1)); err != nil {
			logging.Warn("could not set framerate", zap.Error(err))
		}
	}
	return caps.String()
}

// BuildProfile serializes an encoding profile:
// muxer:[vrestr->]venc[|props]:[arestr->]aenc[|presence].
func BuildProfile(muxer, venc, aenc, vrestr, arestr string, apresence, vpresence int, vfr VariableFramerate) string {
	var b strings.Builder
	b.WriteString(muxer)
	b.WriteString(":")
	if venc != "" {
		if vrestr != "" {
			b.WriteString(vrestr + "->")
		}
		b.WriteString(venc)

		var props []string
		if vpresence != 0 {
			props = append(props, "presence="+strconv.Itoa(vpresence))
		}
		if vfr == VariableFramerateAuto {
			if strings.Contains(vrestr, "framerate") {
				vfr = VariableFramerateDisabled
			} else {
				vfr = VariableFramerateEnabled
			}
		}
		if vfr == VariableFramerateEnabled {
			props = append(props, "variable-framerate=true")
		}
		if len(props) > 0 {
			b.WriteString("|" + strings.Join(props, "|"))
		}
	}
	if aenc != "" {
		b.WriteString(":")
		if arestr != "" {
			b.WriteString(arestr + "->")
		}
		b.WriteString(aenc)
		if apresence != 0 {
			b.WriteString("|presence=" + strconv.Itoa(apresence))
		}
	}
	return strings.ReplaceAll(b.String(), "::", ":")
}
