// SPDX-License-Identifier: MIT

package input

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/outbound"
)

func fixedOpts(opts Options) func() Options {
	return func() Options { return opts }
}

// loopbackPolicy allows downloads from a local httptest server, which always
// listens on 127.0.0.1 with a random port.
func loopbackPolicy(t *testing.T, serverURL string) outbound.Policy {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return outbound.Policy{
		Enabled: true,
		Allow: outbound.Allowlist{
			CIDRs:   []string{"127.0.0.0/8"},
			Ports:   []int{port},
			Schemes: []string{"http"},
		},
	}
}

func requireTaskCode(t *testing.T, err error, code model.Code) *model.TaskError {
	t.Helper()
	var taskErr *model.TaskError
	require.ErrorAs(t, err, &taskErr)
	require.Equal(t, code, taskErr.Code)
	return taskErr
}

func TestMaterialize_Upload(t *testing.T) {
	dir := t.TempDir()
	spool := filepath.Join(dir, "spooled")
	require.NoError(t, os.WriteFile(spool, []byte("audio-bytes"), 0o600))

	m := NewMaterializer(fixedOpts(Options{}))
	got, err := m.Materialize(context.Background(), Descriptor{
		Kind:      KindUpload,
		SpoolPath: spool,
		Filename:  "Song Title.MP3",
	}, filepath.Join(dir, "input"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "input.mp3"), got.AudioPath)
	assert.True(t, got.Owned)
	assert.Equal(t, model.SourceUpload, got.Source)

	data, err := os.ReadFile(got.AudioPath)
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))

	_, err = os.Stat(spool)
	assert.True(t, os.IsNotExist(err), "spool file should have been moved away")
}

func TestMaterialize_UploadHostileExtension(t *testing.T) {
	dir := t.TempDir()
	spool := filepath.Join(dir, "spooled")
	require.NoError(t, os.WriteFile(spool, []byte("x"), 0o600))

	m := NewMaterializer(fixedOpts(Options{}))
	got, err := m.Materialize(context.Background(), Descriptor{
		Kind:      KindUpload,
		SpoolPath: spool,
		Filename:  "evil.sh$../..",
	}, filepath.Join(dir, "input"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "input.bin"), got.AudioPath)
}

func TestMaterialize_LocalPath(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "track.wav")
	require.NoError(t, os.WriteFile(audio, []byte("w"), 0o600))

	m := NewMaterializer(fixedOpts(Options{}))
	got, err := m.Materialize(context.Background(), Descriptor{Kind: KindPath, Path: audio}, "")
	require.NoError(t, err)

	assert.Equal(t, audio, got.AudioPath)
	assert.False(t, got.Owned)
	assert.Equal(t, model.SourceAudioPath, got.Source)
}

func TestMaterialize_LocalPathValidation(t *testing.T) {
	dir := t.TempDir()
	inside := filepath.Join(dir, "in.wav")
	require.NoError(t, os.WriteFile(inside, []byte("w"), 0o600))
	outside := filepath.Join(t.TempDir(), "out.wav")
	require.NoError(t, os.WriteFile(outside, []byte("w"), 0o600))

	tests := []struct {
		name string
		opts Options
		path string
	}{
		{"relative path", Options{}, "relative/x.wav"},
		{"empty path", Options{}, "  "},
		{"missing file", Options{}, filepath.Join(dir, "gone.wav")},
		{"directory", Options{}, dir},
		{"outside confinement root", Options{AudioPathRoot: dir}, outside},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMaterializer(fixedOpts(tt.opts))
			_, err := m.Materialize(context.Background(), Descriptor{Kind: KindPath, Path: tt.path}, "")
			requireTaskCode(t, err, model.CodeBadRequest)
		})
	}

	// Confinement accepts paths under the root.
	m := NewMaterializer(fixedOpts(Options{AudioPathRoot: dir}))
	got, err := m.Materialize(context.Background(), Descriptor{Kind: KindPath, Path: inside}, "")
	require.NoError(t, err)
	assert.Equal(t, inside, got.AudioPath)
}

func TestMaterialize_URL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/track.mp3" {
			_, _ = w.Write([]byte("mp3-payload"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	dir := t.TempDir()
	m := NewMaterializer(fixedOpts(Options{Policy: loopbackPolicy(t, ts.URL)}))

	got, err := m.Materialize(context.Background(), Descriptor{Kind: KindURL, URL: ts.URL + "/track.mp3"}, filepath.Join(dir, "input"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "input.mp3"), got.AudioPath)
	assert.True(t, got.Owned)
	assert.Equal(t, model.SourceAudioURL, got.Source)

	data, err := os.ReadFile(got.AudioPath)
	require.NoError(t, err)
	assert.Equal(t, "mp3-payload", string(data))
}

func TestMaterialize_URLDisabled(t *testing.T) {
	m := NewMaterializer(fixedOpts(Options{}))
	_, err := m.Materialize(context.Background(), Descriptor{Kind: KindURL, URL: "http://example.com/a.mp3"}, filepath.Join(t.TempDir(), "input"))

	taskErr := requireTaskCode(t, err, model.CodeBadRequest)
	assert.Equal(t, "outbound downloads disabled", taskErr.Message)
}

func TestMaterialize_URLStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	m := NewMaterializer(fixedOpts(Options{Policy: loopbackPolicy(t, ts.URL)}))
	_, err := m.Materialize(context.Background(), Descriptor{Kind: KindURL, URL: ts.URL + "/gone.mp3"}, filepath.Join(t.TempDir(), "input"))

	taskErr := requireTaskCode(t, err, model.CodeBadRequest)
	assert.Contains(t, taskErr.Message, "HTTP 404")
}

func TestMaterialize_URLSizeCap(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer ts.Close()

	dir := t.TempDir()
	m := NewMaterializer(fixedOpts(Options{
		Policy:           loopbackPolicy(t, ts.URL),
		MaxDownloadBytes: 1024,
	}))
	_, err := m.Materialize(context.Background(), Descriptor{Kind: KindURL, URL: ts.URL + "/big.mp3"}, filepath.Join(dir, "input"))

	taskErr := requireTaskCode(t, err, model.CodeBadRequest)
	assert.Contains(t, taskErr.Message, "exceeds limit")

	// The truncated download is not left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMaterialize_URLRedirectsRevalidated(t *testing.T) {
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start.mp3":
			http.Redirect(w, r, ts.URL+"/real.mp3", http.StatusFound)
		case "/sneaky.mp3":
			// Redirect to a target outside the policy.
			http.Redirect(w, r, "http://10.15.1.2/internal.mp3", http.StatusFound)
		case "/real.mp3":
			_, _ = w.Write([]byte("redirected-payload"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	dir := t.TempDir()
	m := NewMaterializer(fixedOpts(Options{Policy: loopbackPolicy(t, ts.URL)}))

	got, err := m.Materialize(context.Background(), Descriptor{Kind: KindURL, URL: ts.URL + "/start.mp3"}, filepath.Join(dir, "a"))
	require.NoError(t, err)
	data, err := os.ReadFile(got.AudioPath)
	require.NoError(t, err)
	assert.Equal(t, "redirected-payload", string(data))

	_, err = m.Materialize(context.Background(), Descriptor{Kind: KindURL, URL: ts.URL + "/sneaky.mp3"}, filepath.Join(dir, "b"))
	requireTaskCode(t, err, model.CodeBadRequest)
}

func TestMaterialize_NoInput(t *testing.T) {
	m := NewMaterializer(fixedOpts(Options{}))
	_, err := m.Materialize(context.Background(), Descriptor{}, "")
	requireTaskCode(t, err, model.CodeBadRequest)
}

func TestMaterializeAll_IsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.wav")
	require.NoError(t, os.WriteFile(good, []byte("w"), 0o600))
	spool := filepath.Join(dir, "spool")
	require.NoError(t, os.WriteFile(spool, []byte("u"), 0o600))

	m := NewMaterializer(fixedOpts(Options{}))
	descs := []Descriptor{
		{Kind: KindPath, Path: good},
		{Kind: KindPath, Path: filepath.Join(dir, "missing.wav")},
		{Kind: KindUpload, SpoolPath: spool, Filename: "in.flac"},
	}
	destDir := filepath.Join(dir, "inputs")
	require.NoError(t, os.MkdirAll(destDir, 0o750))

	results, errs := m.MaterializeAll(context.Background(), descs, func(idx int) string {
		return filepath.Join(destDir, fmt.Sprintf("%d", idx))
	})

	require.Len(t, results, 3)
	require.Len(t, errs, 3)

	require.NoError(t, errs[0])
	assert.Equal(t, good, results[0].AudioPath)

	requireTaskCode(t, errs[1], model.CodeBadRequest)

	require.NoError(t, errs[2])
	assert.Equal(t, filepath.Join(destDir, "2.flac"), results[2].AudioPath)
}

func TestSpoolUpload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")

	path, err := SpoolUpload(dir, strings.NewReader("body-bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, dir))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "body-bytes", string(data))
}
