package util

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatConfigTemplate(t *testing.T) {
	extra := map[string]string{
		"validate-flow-expectations-dir":   "/exp",
		"validate-flow-actual-results-dir": "/act",
		"ssim-results-dir":                 "/ssim",
		"medias":                           "/medias",
	}

	out, err := FormatConfigTemplate(extra, "%(validateflow)s, pad=sink\n%(ssim)s\nuri=%(medias)s/a.ogg, rate=100%%", "validate.flow.test")
	require.NoError(t, err)

	testPath := filepath.Join("validate", "flow", "test")
	assert.Contains(t, out, `validateflow, expectations-dir="`+filepath.Join("/exp", testPath)+`"`)
	assert.Contains(t, out, `actual-results-dir="`+filepath.Join("/act", testPath)+`"`)
	assert.Contains(t, out, `result-output-dir="`+filepath.Join("/ssim", testPath, "diff-images")+`"`)
	assert.Contains(t, out, "uri=/medias/a.ogg")
	assert.Contains(t, out, "rate=100%")
}

func TestFormatConfigTemplateMissingKey(t *testing.T) {
	_, err := FormatConfigTemplate(nil, "%(validateflow)s", "t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validateflow")
}

func TestFakesinkForMediaType(t *testing.T) {
	assert.Equal(t, "fakevideosink sync=true max-lateness=20000000", FakesinkForMediaType("video", true))
	assert.Equal(t, "fakeaudiosink sync=false ", FakesinkForMediaType("audio", false))
}
