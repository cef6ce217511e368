// SPDX-License-Identifier: MIT

package model

// Artifact keys. Every artifact a pipeline can publish has a fixed key and
// a fixed filename inside the owning directory.
const (
	ArtifactSRT       = "srt"
	ArtifactVocals    = "vocals"
	ArtifactNoVocals  = "no_vocals"
	ArtifactDemucsZip = "demucs_zip"
	ArtifactResultZip = "result_zip"
)

var artifactFileNames = map[string]string{
	ArtifactSRT:       "output.srt",
	ArtifactVocals:    "vocals.mp3",
	ArtifactNoVocals:  "no_vocals.mp3",
	ArtifactDemucsZip: "demucs.zip",
	ArtifactResultZip: "result.zip",
}

// ArtifactFileName returns the stable filename for an artifact key, or ""
// for an unknown key.
func ArtifactFileName(key string) string {
	return artifactFileNames[key]
}

// KnownArtifact reports whether key is one of the fixed artifact keys.
func KnownArtifact(key string) bool {
	_, ok := artifactFileNames[key]
	return ok
}

// Artifact is one named output file. Ready is authoritative only after
// reconciliation against the filesystem: a record loaded from disk may carry
// ready=true for a file that no longer exists and must be rewritten.
type Artifact struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Ready bool   `json:"ready"`
	Bytes int64  `json:"bytes,omitempty"`
}

// Clone returns a copy of the artifact.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	v := *a
	return &v
}

func cloneArtifacts(in map[string]*Artifact) map[string]*Artifact {
	if in == nil {
		return nil
	}
	out := make(map[string]*Artifact, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}
