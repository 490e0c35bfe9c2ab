// Package discovery finds the media descriptors and media files of the
// media paths.
package discovery

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/five82/gvlauncher/internal/media"
)

// DiscoveryLogger defines the interface for discovery logging.
type DiscoveryLogger interface {
	Info(format string, args ...any)
	Debug(format string, args ...any)
}

// DiscoveryResult contains the results of media discovery.
type DiscoveryResult struct {
	// Descriptors are media descriptor files.
	Descriptors []string
	// Undescribed are media files without a descriptor beside them.
	Undescribed  []string
	SkippedCount int
	Errors       []error
}

var mediaExtensions = map[string]bool{
	".ogg": true, ".ogv": true, ".oga": true, ".opus": true, ".webm": true,
	".mkv": true, ".mka": true, ".mp4": true, ".m4a": true, ".mov": true,
	".avi": true, ".flv": true, ".ts": true, ".m2ts": true, ".mpg": true,
	".mpeg": true, ".mp3": true, ".wav": true, ".flac": true, ".aac": true,
	".ac3": true, ".wmv": true, ".asf": true, ".mxf": true, ".3gp": true,
	".m3u8": true, ".mpd": true, ".jpg": true, ".png": true,
}

// IsMediaFile reports whether path looks like a playable media file.
func IsMediaFile(path string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(path))]
}

// FindMedia walks the directories and collects media descriptors, and the
// media files nothing describes yet. Results are sorted by path.
func FindMedia(dirs []string, logger DiscoveryLogger) (*DiscoveryResult, error) {
	result := &DiscoveryResult{}
	described := make(map[string]bool)
	var candidates []string

	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("directory does not exist: %s", dir)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dir)
		}

		err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				result.Errors = append(result.Errors, err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			name := d.Name()
			// Skip hidden files
			if strings.HasPrefix(name, ".") && path != dir {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}

			switch {
			case media.IsDescriptorFile(path):
				result.Descriptors = append(result.Descriptors, path)
				described[descriptorMedia(path)] = true
			case IsMediaFile(path):
				candidates = append(candidates, path)
			default:
				result.SkippedCount++
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("cannot walk directory %s: %w", dir, err)
		}
	}

	for _, c := range candidates {
		if !described[c] {
			result.Undescribed = append(result.Undescribed, c)
		}
	}

	sort.Strings(result.Descriptors)
	sort.Strings(result.Undescribed)

	if logger != nil {
		logDiscoveredFiles(result.Descriptors, logger)
	}
	return result, nil
}

func descriptorMedia(path string) string {
	for _, ext := range []string{media.MediaInfoExt, media.PushMediaInfoExt, media.StreamInfoExt, media.SkippedMediaInfoExt} {
		if strings.HasSuffix(path, "."+ext) {
			return strings.TrimSuffix(path, "."+ext)
		}
	}
	return path
}

// logDiscoveredFiles logs the first 5 discovered files plus a count.
func logDiscoveredFiles(files []string, logger DiscoveryLogger) {
	if len(files) == 0 {
		logger.Info("No media descriptors found")
		return
	}

	logger.Info("Found %d media descriptor(s)", len(files))

	maxToLog := min(5, len(files))
	for i := range maxToLog {
		logger.Debug("  %s", filepath.Base(files[i]))
	}

	if len(files) > 5 {
		logger.Debug("  ... and %d more", len(files)-5)
	}
}
