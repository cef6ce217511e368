// SPDX-License-Identifier: MIT

package asr

// State describes the supervisor's view of the worker process.
type State string

const (
	StateDown     State = "down"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDying    State = "dying"
)

// request is one line written to the worker's stdin.
type request struct {
	Type                  string `json:"type"`
	ID                    int64  `json:"id"`
	AudioPath             string `json:"audioPath"`
	OutDir                string `json:"outDir"`
	VADMaxSingleSegmentMs int    `json:"vadMaxSingleSegmentMs,omitempty"`
	VADMaxEndSilenceMs    int    `json:"vadMaxEndSilenceMs,omitempty"`
}

// response is one line read from the worker's stdout. The fields in use
// depend on Type: "ready" carries pid and capability hints, "result" carries
// the request correlation id plus either srtPath or error.
type response struct {
	Type        string `json:"type"`
	ID          int64  `json:"id"`
	OK          bool   `json:"ok"`
	SRTPath     string `json:"srtPath"`
	Error       string `json:"error"`
	Traceback   string `json:"traceback"`
	PID         int    `json:"pid"`
	Device      string `json:"device"`
	NCPU        int    `json:"ncpu"`
	IdleSeconds int    `json:"idleSeconds"`
}
