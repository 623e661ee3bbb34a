package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/build"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/domain"
)

func bundleResult(assets map[string]string) *build.BuildResult {
	return &build.BuildResult{
		Artifact: &domain.Artifact{
			Markup: "<html><head><title>t</title></head><body></body></html>",
			Assets: assets,
		},
		Report: build.Report{Accepted: true, Attempts: 1},
	}
}

func TestWriteBundle_WritesMarkupAssetsAndReport(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "bundle")

	err := writeBundle(out, bundleResult(map[string]string{
		"css/site.css": "body{}",
		"logo.svg":     "<svg/>",
	}))
	require.NoError(t, err)

	for _, name := range []string{"index.html", "report.json", "css/site.css", "logo.svg"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, name)
	}
}

func TestWriteBundle_RejectsEscapingAssetPaths(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "parent traversal", path: "../escaped.txt"},
		{name: "nested traversal", path: "css/../../escaped.txt"},
		{name: "absolute path", path: "/tmp/escaped.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			out := filepath.Join(dir, "bundle")

			err := writeBundle(out, bundleResult(map[string]string{tt.path: "owned"}))
			require.Error(t, err, "generator-supplied paths never leave the bundle directory")

			_, statErr := os.Stat(filepath.Join(dir, "escaped.txt"))
			assert.True(t, os.IsNotExist(statErr), "nothing is written outside the bundle directory")
		})
	}
}

func TestLoadRequest_ValidatesStructure(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "ok.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"instructions":"build a page"}`), 0o644))
	req, err := loadRequest(path)
	require.NoError(t, err)
	assert.Equal(t, "build a page", req.Instructions)

	missing := filepath.Join(dir, "missing.json")
	require.NoError(t, os.WriteFile(missing, []byte(`{"input":{"name":"x"}}`), 0o644))
	_, err = loadRequest(missing)
	assert.Error(t, err, "a request without instructions fails validation")
}
