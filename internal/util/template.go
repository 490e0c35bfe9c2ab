package util

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var templateKeyRegex = regexp.MustCompile(`%%|%\(([^)]+)\)s`)

// FormatConfigTemplate interpolates %(name)s placeholders of a validate
// config block. validateflow and ssim entries are derived from the
// corresponding result directories and the test name.
func FormatConfigTemplate(extraData map[string]string, configText, testName string) (string, error) {
	vars := make(map[string]string, len(extraData)+2)
	for k, v := range extraData {
		vars[k] = v
	}

	testPath := ClassnameToPath(testName)
	expectations, okExp := vars["validate-flow-expectations-dir"]
	actual, okAct := vars["validate-flow-actual-results-dir"]
	if okExp && okAct {
		vars["validateflow"] = fmt.Sprintf("validateflow, expectations-dir=\"%s\", actual-results-dir=\"%s\"",
			filepath.Join(expectations, testPath), filepath.Join(actual, testPath))
	}

	if ssim, ok := vars["ssim-results-dir"]; ok {
		vars["ssim"] = fmt.Sprintf("validatessim, result-output-dir=\"%s\", output-dir=\"%s\"",
			filepath.Join(ssim, testPath, "diff-images"),
			filepath.Join(ssim, testPath, "images"))
	}

	var missing []string
	out := templateKeyRegex.ReplaceAllStringFunc(configText, func(m string) string {
		if m == "%%" {
			return "%"
		}
		key := templateKeyRegex.FindStringSubmatch(m)[1]
		v, ok := vars[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return v
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("unknown template variables in config of %s: %s", testName, strings.Join(missing, ", "))
	}
	return out, nil
}

// FakesinkForMediaType returns the fake sink description used for a track type.
func FakesinkForMediaType(mediaType string, needsClock bool) string {
	extra := ""
	if mediaType == "video" && needsClock {
		extra = "max-lateness=20000000"
	}
	return fmt.Sprintf("fake%ssink sync=%t %s", mediaType, needsClock, extra)
}
