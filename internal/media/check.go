package media

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/gstcmd"
	"github.com/five82/gvlauncher/internal/issues"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/util"
)

// DurationTolerance is how far a transcoded file duration may drift from
// the original, in nanoseconds.
const DurationTolerance = GstSecond / 4

// Runner runs a GStreamer tool. *gstcmd.Tools implements it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) gstcmd.Result
}

// FrameDetection selects whether media-check inspects every frame.
type FrameDetection int

const (
	FramesNever FrameDetection = iota
	FramesAlways
	// FramesIfPrevious keeps the choice of the existing descriptor.
	FramesIfPrevious
)

// CheckOptions configures NewFromURI.
type CheckOptions struct {
	Frames  FrameDetection
	Push    bool
	Skipped bool
}

// DescriptorPath is where the descriptor of the media at mediaPath goes.
func DescriptorPath(mediaPath string, opts CheckOptions) string {
	ext := MediaInfoExt
	if opts.Push {
		ext = PushMediaInfoExt
	} else if opts.Skipped {
		ext = SkippedMediaInfoExt
	}
	return mediaPath + "." + ext
}

// NewFromURI runs gst-validate-media-check on uri and loads the descriptor
// it writes beside the media.
func NewFromURI(ctx context.Context, runner Runner, uri string, opts CheckOptions) (*Descriptor, error) {
	mediaPath, err := util.URLToPath(uri)
	if err != nil {
		return nil, gverrors.NewParseError("invalid media uri "+uri, err)
	}
	descriptorPath := DescriptorPath(mediaPath, opts)

	var args []string
	includeFrames := opts.Frames == FramesAlways
	if opts.Frames == FramesIfPrevious {
		if prev, err := os.ReadFile(descriptorPath); err == nil {
			var raw xmlDescriptor
			if err := xml.Unmarshal(prev, &raw); err == nil {
				if prevURI, err := url.Parse(raw.URI); err == nil && prevURI.Scheme == ProtocolImageSequence {
					if cur, err := url.Parse(uri); err == nil {
						prevURI.Path = filepath.Join(filepath.Dir(cur.Path), filepath.Base(prevURI.Path))
						uri = prevURI.String()
					}
				}
				includeFrames = parseIntBool(raw.FrameDetection)
				if parseIntBool(raw.SkipParsers) {
					args = append(args, "--skip-parsers")
				}
			}
		}
	}

	args = append(args, uri, "--output-file", descriptorPath)
	if includeFrames {
		args = append(args, "--full")
	}

	logging.Debug("generating media info", zap.String("media", mediaPath), zap.Strings("args", args))
	res := runner.Run(ctx, gstcmd.ValidateMediaCheck, args...)
	if res.Err != nil {
		return nil, res.Err
	}
	return Load(descriptorPath)
}

var capsCleanRegex = regexp.MustCompile(`\(.+?\)\s*| |;`)

// cleanCaps lists the name and key=value fields of caps without types.
func cleanCaps(caps string) []string {
	return strings.Split(capsCleanRegex.ReplaceAllString(caps, ""), ",")
}

// hasCapsTypeVariant accepts application/ogg where video/ogg or audio/ogg
// was found and so on.
func hasCapsTypeVariant(c string, ccaps []string) bool {
	types := []string{"application", "video", "audio"}
	for _, mediaType := range types {
		if !strings.Contains(c, mediaType+"/") {
			continue
		}
		for _, other := range types {
			if other == mediaType {
				continue
			}
			variant := strings.ReplaceAll(c, mediaType, other)
			if contains(ccaps, variant) {
				return true
			}
		}
		return false
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func criticalReport(issueID, summary, details string) issues.Report {
	return issues.Report{
		"type":            "report",
		issues.KeyIssueID: issueID,
		issues.KeySummary: summary,
		issues.KeyLevel:   issues.LevelCritical,
		"detected-on":     "pipeline",
		issues.KeyDetails: details,
	}
}

// CheckEncodedFile checks the file transcoded to destURI against the
// combination and the original media. It returns the critical reports
// describing every mismatch.
func CheckEncodedFile(ctx context.Context, runner Runner, combination FormatCombination, original *Descriptor, destURI string) []issues.Report {
	result, err := NewFromURI(ctx, runner, destURI, CheckOptions{})
	if err != nil {
		return []issues.Report{criticalReport("transcoded-file-not-discovered",
			"The transcoded file could not be discovered",
			fmt.Sprintf("Could not discover encoded file %s: %v", destURI, err))}
	}
	defer func() {
		if err := os.Remove(result.Path()); err != nil {
			logging.Debug("could not remove descriptor", zap.String("path", result.Path()), zap.Error(err))
		}
	}()

	duration, origDuration := result.Duration(), original.Duration()
	if duration < origDuration-DurationTolerance || duration > origDuration+DurationTolerance {
		return []issues.Report{criticalReport("transcoded-file-wrong-duration",
			"The duration of a transcoded file doesn't match the duration of the original file",
			fmt.Sprintf("Duration of encoded file is wrong (%s instead of %s)",
				util.TimeArgs(duration), util.TimeArgs(origDuration)))}
	}

	tracks := result.TracksCaps()
	if c := result.Caps(); c != "" {
		tracks = append([]Track{{Type: "container", Caps: c}}, tracks...)
	}
	for _, track := range tracks {
		wanted := combination.Caps(track.Type)
		if wanted == "" {
			return []issues.Report{criticalReport("transcoded-file-wrong-stream-type",
				"Expected stream types during transcoding do not match expectations",
				fmt.Sprintf("Found a track of type %s in the encoded files but none where wanted in the encoded profile: %s",
					track.Type, combination))}
		}
		ccaps := cleanCaps(track.Caps)
		for _, c := range cleanCaps(wanted) {
			if !contains(ccaps, c) && !hasCapsTypeVariant(c, ccaps) {
				return []issues.Report{criticalReport("transcoded-file-wrong-caps",
					"Expected stream caps during transcoding do not match expectations",
					fmt.Sprintf("Field: %s  (from %s) not in caps of the outputted file %s", wanted, c, strings.Join(ccaps, ",")))}
			}
		}
	}
	return nil
}
