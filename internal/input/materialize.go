// SPDX-License-Identifier: MIT

// Package input converts the three input descriptors accepted by the HTTP
// layer (upload, local path, remote URL) into stable absolute paths the
// engines can read.
package input

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/stemscribe/stemscribe/internal/fsutil"
	"github.com/stemscribe/stemscribe/internal/log"
	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/outbound"
)

// materializeParallelism bounds concurrent batch-input downloads.
const materializeParallelism = 4

// Kind discriminates the input descriptor variants.
type Kind string

const (
	KindUpload Kind = "upload"
	KindPath   Kind = "path"
	KindURL    Kind = "url"
)

// Descriptor is one input as handed over by the transport layer. Exactly one
// variant is populated.
type Descriptor struct {
	Kind      Kind
	SpoolPath string // upload: file already spooled to local disk
	Filename  string // upload: client-reported name, used for the extension
	Path      string // path: server-local absolute path
	URL       string // url: remote source
}

// Materialized is the engine-readable result. Owned inputs are deleted by
// the pipeline on terminal transition; unowned inputs are never touched.
type Materialized struct {
	AudioPath string
	Owned     bool
	Source    model.SourceKind
}

// Options carries the policy knobs read per call so config reloads take
// effect without restarting.
type Options struct {
	Policy           outbound.Policy
	MaxDownloadBytes int64
	AudioPathRoot    string
}

// Materializer turns descriptors into files on disk.
type Materializer struct {
	opts   func() Options
	client *http.Client
}

// NewMaterializer builds a Materializer. opts is consulted on every call.
func NewMaterializer(opts func() Options) *Materializer {
	m := &Materializer{opts: opts}
	m.client = &http.Client{
		// Redirect targets are as caller-controlled as the original URL, so
		// every hop passes the same policy.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			_, err := outbound.Validate(req.Context(), req.URL.String(), m.opts().Policy)
			return err
		},
	}
	return m
}

// Materialize resolves one descriptor. destNoExt is the target path without
// extension; the sanitized source extension is appended for owned inputs.
func (m *Materializer) Materialize(ctx context.Context, desc Descriptor, destNoExt string) (Materialized, error) {
	switch desc.Kind {
	case KindUpload:
		return m.fromUpload(desc, destNoExt)
	case KindPath:
		return m.fromPath(desc)
	case KindURL:
		return m.fromURL(ctx, desc, destNoExt)
	default:
		return Materialized{}, model.BadRequestf("no input provided: expected file upload, audioPath or audioUrl")
	}
}

// MaterializeAll resolves a batch of descriptors with bounded parallelism.
// Failures are reported per index so one bad input cannot sink its siblings.
func (m *Materializer) MaterializeAll(ctx context.Context, descs []Descriptor, destNoExt func(idx int) string) ([]Materialized, []error) {
	results := make([]Materialized, len(descs))
	errs := make([]error, len(descs))

	var g errgroup.Group
	g.SetLimit(materializeParallelism)
	for i, desc := range descs {
		g.Go(func() error {
			results[i], errs[i] = m.Materialize(ctx, desc, destNoExt(i))
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func (m *Materializer) fromUpload(desc Descriptor, destNoExt string) (Materialized, error) {
	if desc.SpoolPath == "" {
		return Materialized{}, model.BadRequestf("upload is empty")
	}
	dest := destNoExt + "." + fsutil.SanitizeExt(desc.Filename)
	if err := fsutil.MoveFile(desc.SpoolPath, dest); err != nil {
		return Materialized{}, model.IOErrorf("store upload: %v", err)
	}
	return Materialized{AudioPath: dest, Owned: true, Source: model.SourceUpload}, nil
}

func (m *Materializer) fromPath(desc Descriptor) (Materialized, error) {
	p := filepath.Clean(strings.TrimSpace(desc.Path))
	if p == "" || p == "." {
		return Materialized{}, model.BadRequestf("audioPath is empty")
	}
	if !filepath.IsAbs(p) {
		return Materialized{}, model.BadRequestf("audioPath must be absolute")
	}
	if root := m.opts().AudioPathRoot; root != "" {
		confined, err := fsutil.ConfineAbsPath(root, p)
		if err != nil {
			return Materialized{}, model.BadRequestf("audioPath outside permitted root")
		}
		p = confined
	}
	if err := fsutil.IsRegularFile(p); err != nil {
		return Materialized{}, model.BadRequestf("audioPath not found or not a regular file")
	}
	return Materialized{AudioPath: p, Owned: false, Source: model.SourceAudioPath}, nil
}

func (m *Materializer) fromURL(ctx context.Context, desc Descriptor, destNoExt string) (Materialized, error) {
	opts := m.opts()

	normalized, err := outbound.Validate(ctx, desc.URL, opts.Policy)
	if err != nil {
		if errors.Is(err, outbound.ErrDisabled) {
			return Materialized{}, model.BadRequestf("outbound downloads disabled")
		}
		return Materialized{}, model.BadRequestf("audioUrl rejected: %v", err)
	}

	dest := destNoExt + "." + urlExt(normalized)
	if err := m.download(ctx, normalized, dest, opts.MaxDownloadBytes); err != nil {
		return Materialized{}, err
	}
	return Materialized{AudioPath: dest, Owned: true, Source: model.SourceAudioURL}, nil
}

func (m *Materializer) download(ctx context.Context, rawURL, dest string, maxBytes int64) error {
	logger := log.WithComponentFromContext(ctx, "input")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return model.BadRequestf("audioUrl rejected: %v", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return model.BadRequestf("download failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return model.BadRequestf("download failed: HTTP %d", resp.StatusCode)
	}

	f, err := os.Create(dest) // #nosec G304 -- dest is built by the pipeline under its own dir
	if err != nil {
		return model.IOErrorf("create download target: %v", err)
	}

	var reader io.Reader = resp.Body
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	sink := &trackingWriter{w: f}
	written, copyErr := io.Copy(sink, reader)
	closeErr := f.Close()

	fail := func(err error) error {
		_ = os.Remove(dest)
		return err
	}
	switch {
	case copyErr != nil && sink.err != nil:
		return fail(model.IOErrorf("write download: %v", sink.err))
	case copyErr != nil:
		return fail(model.BadRequestf("download interrupted: %v", copyErr))
	case maxBytes > 0 && written > maxBytes:
		return fail(model.BadRequestf("download exceeds limit of %d bytes", maxBytes))
	case closeErr != nil:
		return fail(model.IOErrorf("close download target: %v", closeErr))
	}

	logger.Debug().
		Str("event", "input.downloaded").
		Str("dest", dest).
		Int64("bytes", written).
		Msg("remote input downloaded")
	return nil
}

// trackingWriter remembers whether a copy failure came from the local disk
// side, which is classified differently from a remote read failure.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

func urlExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fsutil.SanitizeExt("")
	}
	return fsutil.SanitizeExt(u.Path)
}

// SpoolUpload streams an upload body into the spool directory and returns
// the spooled path. The transport layer calls this while parsing multipart
// bodies.
func SpoolUpload(dir string, body io.Reader) (string, error) {
	if err := fsutil.EnsureDir(dir); err != nil {
		return "", model.IOErrorf("create spool dir: %v", err)
	}
	f, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", model.IOErrorf("create spool file: %v", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", model.BadRequestf("upload exceeds limit of %d bytes", maxErr.Limit)
		}
		return "", model.IOErrorf("spool upload: %v", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", model.IOErrorf("close spool file: %v", err)
	}
	return f.Name(), nil
}
