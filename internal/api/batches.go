// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stemscribe/stemscribe/internal/batch"
	"github.com/stemscribe/stemscribe/internal/input"
	"github.com/stemscribe/stemscribe/internal/model"
)

// batchCreated is the 202 body for batch creation.
type batchCreated struct {
	BatchID   string `json:"batchId"`
	StatusURL string `json:"statusUrl"`
}

// batchResponse is the batch status document with per-item documents and
// state counts.
type batchResponse struct {
	*model.Batch
	Items  []batchItemResponse `json:"items"`
	Counts model.BatchCounts   `json:"counts"`
}

type batchItemResponse struct {
	*model.BatchItem
	Artifacts map[string]artifactResponse `json:"artifacts,omitempty"`
}

func batchStatusURL(id string) string {
	return "/v2/batches/" + id
}

func batchItemArtifactURL(batchID string, idx int, name string) string {
	return "/v2/batches/" + batchID + "/items/" + strconv.Itoa(idx) + "/artifacts/" + name
}

// batchOptionsBody is the creation-time options shape. Tasks and VAD values
// are pointers so absent and explicit values stay distinguishable.
type batchOptionsBody struct {
	Policy                string            `json:"policy"`
	Tasks                 *model.BatchTasks `json:"tasks"`
	VADMaxSingleSegmentMs *int              `json:"vadMaxSingleSegmentMs"`
	VADMaxEndSilenceMs    *int              `json:"vadMaxEndSilenceMs"`
}

type batchItemBody struct {
	AudioPath string `json:"audioPath"`
	AudioURL  string `json:"audioUrl"`
}

type batchCreateBody struct {
	Options *batchOptionsBody `json:"options"`
	Items   []batchItemBody   `json:"items"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg().MaxUploadBytes)

	var spooled []string
	defer func() {
		for _, p := range spooled {
			_ = os.Remove(p)
		}
	}()

	var (
		req batch.CreateRequest
		te  *model.TaskError
	)
	switch mediaType(r) {
	case "multipart/form-data":
		req, spooled, te = s.parseBatchMultipart(r)
	case "application/json", "":
		req, te = parseBatchJSON(r)
	default:
		te = model.BadRequestf("unsupported content type %q", r.Header.Get("Content-Type"))
	}
	if te != nil {
		writeTaskError(w, te)
		return
	}

	b, err := s.batches.Create(r.Context(), req)
	if err != nil {
		writeTaskError(w, model.Classify(err))
		return
	}
	writeJSON(w, http.StatusAccepted, batchCreated{BatchID: b.ID, StatusURL: batchStatusURL(b.ID)})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batches.Get(chi.URLParam(r, "batchID"))
	if !ok {
		writeTaskError(w, model.NewTaskError(model.CodeNotFound, "batch not found"))
		return
	}
	writeJSON(w, http.StatusOK, batchDoc(b))
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.Cancel(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		writeTaskError(w, model.Classify(err))
		return
	}
	writeJSON(w, http.StatusAccepted, batchDoc(b))
}

func (s *Server) handleBatchItemArtifact(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batches.Get(chi.URLParam(r, "batchID"))
	if !ok {
		writeTaskError(w, model.NewTaskError(model.CodeNotFound, "batch not found"))
		return
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil || idx < 0 || idx >= len(b.Items) {
		writeTaskError(w, model.NewTaskError(model.CodeNotFound, "batch item not found"))
		return
	}
	serveArtifact(w, r, b.OutDir, b.Items[idx].Artifacts, chi.URLParam(r, "name"))
}

func batchDoc(b *model.Batch) batchResponse {
	doc := batchResponse{Batch: b, Counts: b.Counts(), Items: make([]batchItemResponse, len(b.Items))}
	for i, it := range b.Items {
		item := batchItemResponse{BatchItem: it}
		if len(it.Artifacts) > 0 {
			item.Artifacts = make(map[string]artifactResponse, len(it.Artifacts))
			for key, art := range it.Artifacts {
				a := artifactResponse{Artifact: art}
				if art.Ready {
					a.URL = batchItemArtifactURL(b.ID, it.Idx, key)
				}
				item.Artifacts[key] = a
			}
		}
		doc.Items[i] = item
	}
	return doc
}

// parseBatchMultipart streams the multipart body. Uploaded files keep their
// part order; entries from an optional items field are appended after them.
func (s *Server) parseBatchMultipart(r *http.Request) (batch.CreateRequest, []string, *model.TaskError) {
	var req batch.CreateRequest
	var spooled []string

	mr, err := r.MultipartReader()
	if err != nil {
		return req, spooled, bodyError(err, "multipart body")
	}

	var itemsRaw, optionsRaw string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return req, spooled, bodyError(err, "multipart body")
		}

		switch part.FormName() {
		case "files":
			sp, serr := input.SpoolUpload(s.paths.UploadsDir(), part)
			if serr != nil {
				return req, spooled, model.Classify(serr)
			}
			spooled = append(spooled, sp)
			req.Inputs = append(req.Inputs, input.Descriptor{Kind: input.KindUpload, SpoolPath: sp, Filename: part.FileName()})
		case "items":
			itemsRaw, err = readField(part)
		case "options":
			optionsRaw, err = readField(part)
		}
		if err != nil {
			return req, spooled, bodyError(err, "multipart body")
		}
	}

	if itemsRaw != "" {
		var items []batchItemBody
		if err := json.Unmarshal([]byte(itemsRaw), &items); err != nil {
			return req, spooled, model.BadRequestf("malformed items field: %v", err)
		}
		descs, te := descriptorsFromItems(items)
		if te != nil {
			return req, spooled, te
		}
		req.Inputs = append(req.Inputs, descs...)
	}

	if optionsRaw != "" {
		var opts batchOptionsBody
		if err := json.Unmarshal([]byte(optionsRaw), &opts); err != nil {
			return req, spooled, model.BadRequestf("malformed options field: %v", err)
		}
		var te *model.TaskError
		if req.Options, te = batchOptions(&opts); te != nil {
			return req, spooled, te
		}
	}
	return req, spooled, nil
}

func parseBatchJSON(r *http.Request) (batch.CreateRequest, *model.TaskError) {
	var req batch.CreateRequest

	var body batchCreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return req, bodyError(err, "json body")
	}

	descs, te := descriptorsFromItems(body.Items)
	if te != nil {
		return req, te
	}
	req.Inputs = descs

	if req.Options, te = batchOptions(body.Options); te != nil {
		return req, te
	}
	return req, nil
}

func descriptorsFromItems(items []batchItemBody) ([]input.Descriptor, *model.TaskError) {
	descs := make([]input.Descriptor, 0, len(items))
	for i, it := range items {
		desc, te := descriptorFromFields(it.AudioPath, it.AudioURL)
		if te != nil {
			return nil, model.BadRequestf("items[%d]: %s", i, te.Message)
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

func batchOptions(body *batchOptionsBody) (model.BatchOptions, *model.TaskError) {
	var opts model.BatchOptions
	if body == nil {
		return opts, nil
	}
	opts.Policy = body.Policy
	if body.Tasks != nil {
		opts.Tasks = *body.Tasks
	}
	var te *model.TaskError
	if opts.VADMaxSingleSegmentMs, te = parseVADPointer("vadMaxSingleSegmentMs", body.VADMaxSingleSegmentMs); te != nil {
		return opts, te
	}
	if opts.VADMaxEndSilenceMs, te = parseVADPointer("vadMaxEndSilenceMs", body.VADMaxEndSilenceMs); te != nil {
		return opts, te
	}
	return opts, nil
}
