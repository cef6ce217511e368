// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stemscribe/stemscribe/internal/input"
	"github.com/stemscribe/stemscribe/internal/job"
	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/queue"
)

// maxFieldBytes caps non-file multipart fields. The body as a whole is
// already bounded by MaxBytesReader; this keeps a single field from being
// buffered at that size.
const maxFieldBytes = 1 << 20

// jobCreated is the 202 body for job creation.
type jobCreated struct {
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
}

// jobResponse is the job status document: the persisted record plus
// download URLs for ready artifacts and live queue occupancy.
type jobResponse struct {
	*model.Job
	Artifacts map[string]artifactResponse `json:"artifacts,omitempty"`
	Queue     queue.Stats                 `json:"queue"`
}

// artifactResponse decorates an artifact record with its download URL once
// the file is ready.
type artifactResponse struct {
	*model.Artifact
	URL string `json:"url,omitempty"`
}

func jobStatusURL(id string) string {
	return "/v2/jobs/" + id
}

func jobArtifactURL(jobID, name string) string {
	return "/v2/jobs/" + jobID + "/artifacts/" + name
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg().MaxUploadBytes)

	var spooled []string
	// Materialization moves accepted spool files away; whatever is left
	// behind belongs to a failed request.
	defer func() {
		for _, p := range spooled {
			_ = os.Remove(p)
		}
	}()

	var (
		req job.CreateRequest
		te  *model.TaskError
	)
	switch mediaType(r) {
	case "multipart/form-data":
		req, spooled, te = s.parseJobMultipart(r)
	case "application/json", "":
		req, te = parseJobJSON(r)
	default:
		te = model.BadRequestf("unsupported content type %q", r.Header.Get("Content-Type"))
	}
	if te != nil {
		writeTaskError(w, te)
		return
	}

	j, err := s.jobs.Create(r.Context(), req)
	if err != nil {
		writeTaskError(w, model.Classify(err))
		return
	}
	writeJSON(w, http.StatusAccepted, jobCreated{JobID: j.ID, StatusURL: jobStatusURL(j.ID)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.jobs.Get(chi.URLParam(r, "jobID"))
	if !ok {
		writeTaskError(w, model.NewTaskError(model.CodeNotFound, "job not found"))
		return
	}
	writeJSON(w, http.StatusOK, s.jobDoc(j))
}

func (s *Server) handleJobArtifact(w http.ResponseWriter, r *http.Request) {
	j, ok := s.jobs.Get(chi.URLParam(r, "jobID"))
	if !ok {
		writeTaskError(w, model.NewTaskError(model.CodeNotFound, "job not found"))
		return
	}
	serveArtifact(w, r, j.OutDir, j.Artifacts, chi.URLParam(r, "name"))
}

func (s *Server) jobDoc(j *model.Job) jobResponse {
	doc := jobResponse{Job: j, Queue: s.queue.Stats()}
	if len(j.Artifacts) > 0 {
		doc.Artifacts = make(map[string]artifactResponse, len(j.Artifacts))
		for key, art := range j.Artifacts {
			a := artifactResponse{Artifact: art}
			if art.Ready {
				a.URL = jobArtifactURL(j.ID, key)
			}
			doc.Artifacts[key] = a
		}
	}
	return doc
}

// mediaType extracts the bare content type, ignoring parameters such as the
// multipart boundary.
func mediaType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ct
	}
	return mt
}

// parseJobMultipart streams the multipart body: the file part is spooled to
// disk as it arrives, scalar fields are buffered. Returns every spooled path
// so the caller can clean up after a rejected request.
func (s *Server) parseJobMultipart(r *http.Request) (job.CreateRequest, []string, *model.TaskError) {
	var req job.CreateRequest
	var spooled []string

	mr, err := r.MultipartReader()
	if err != nil {
		return req, spooled, bodyError(err, "multipart body")
	}

	var typ, vadSeg, vadSil string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return req, spooled, bodyError(err, "multipart body")
		}

		switch part.FormName() {
		case "file":
			if req.Input.Kind != "" {
				return req, spooled, model.BadRequestf("multiple file parts in upload")
			}
			sp, err := input.SpoolUpload(s.paths.UploadsDir(), part)
			if err != nil {
				return req, spooled, model.Classify(err)
			}
			spooled = append(spooled, sp)
			req.Input = input.Descriptor{Kind: input.KindUpload, SpoolPath: sp, Filename: part.FileName()}
		case "type":
			typ, err = readField(part)
		case "vad_max_single_segment_ms":
			vadSeg, err = readField(part)
		case "vad_max_end_silence_ms":
			vadSil, err = readField(part)
		}
		if err != nil {
			return req, spooled, bodyError(err, "multipart body")
		}
	}

	if req.Input.Kind == "" {
		return req, spooled, model.BadRequestf("no input provided: expected file upload, audioPath or audioUrl")
	}

	var te *model.TaskError
	if req.Type, te = parseType(typ); te != nil {
		return req, spooled, te
	}
	if req.VADMaxSingleSegmentMs, te = parseVADField("vad_max_single_segment_ms", vadSeg); te != nil {
		return req, spooled, te
	}
	if req.VADMaxEndSilenceMs, te = parseVADField("vad_max_end_silence_ms", vadSil); te != nil {
		return req, spooled, te
	}
	return req, spooled, nil
}

type jobCreateBody struct {
	Type                  string `json:"type"`
	AudioPath             string `json:"audioPath"`
	AudioURL              string `json:"audioUrl"`
	VADMaxSingleSegmentMs *int   `json:"vadMaxSingleSegmentMs"`
	VADMaxEndSilenceMs    *int   `json:"vadMaxEndSilenceMs"`
}

func parseJobJSON(r *http.Request) (job.CreateRequest, *model.TaskError) {
	var req job.CreateRequest

	var body jobCreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return req, bodyError(err, "json body")
	}

	desc, te := descriptorFromFields(body.AudioPath, body.AudioURL)
	if te != nil {
		return req, te
	}
	req.Input = desc

	if req.Type, te = parseType(body.Type); te != nil {
		return req, te
	}
	if req.VADMaxSingleSegmentMs, te = parseVADPointer("vadMaxSingleSegmentMs", body.VADMaxSingleSegmentMs); te != nil {
		return req, te
	}
	if req.VADMaxEndSilenceMs, te = parseVADPointer("vadMaxEndSilenceMs", body.VADMaxEndSilenceMs); te != nil {
		return req, te
	}
	return req, nil
}

// descriptorFromFields maps the JSON source fields to a descriptor,
// enforcing that exactly one source is given.
func descriptorFromFields(audioPath, audioURL string) (input.Descriptor, *model.TaskError) {
	audioPath = strings.TrimSpace(audioPath)
	audioURL = strings.TrimSpace(audioURL)
	switch {
	case audioPath != "" && audioURL != "":
		return input.Descriptor{}, model.BadRequestf("exactly one of audioPath or audioUrl must be set")
	case audioPath != "":
		return input.Descriptor{Kind: input.KindPath, Path: audioPath}, nil
	case audioURL != "":
		return input.Descriptor{Kind: input.KindURL, URL: audioURL}, nil
	default:
		return input.Descriptor{}, model.BadRequestf("no input provided: expected file upload, audioPath or audioUrl")
	}
}

func parseType(raw string) (model.JobType, *model.TaskError) {
	t, err := model.ParseJobType(raw)
	if err != nil {
		return "", model.Classify(err)
	}
	return t, nil
}

// parseVADField validates an optional form field: empty means unset,
// anything else must be a positive integer.
func parseVADField(field, raw string) (int, *model.TaskError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, model.BadRequestf("%s must be a positive integer", field)
	}
	return n, nil
}

// parseVADPointer validates an optional JSON field: null means unset, an
// explicit value must be positive.
func parseVADPointer(field string, v *int) (int, *model.TaskError) {
	if v == nil {
		return 0, nil
	}
	if *v <= 0 {
		return 0, model.BadRequestf("%s must be a positive integer", field)
	}
	return *v, nil
}

func readField(part io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
