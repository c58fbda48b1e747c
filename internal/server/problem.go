package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

const problemBase = "https://flynn.app/problems/"

// Problem is an RFC 7807 problem details body. RequestID is an extension
// member so clients can quote it when reporting failures.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// problemType derives the type URI from the status text, e.g. 429 becomes
// https://flynn.app/problems/too-many-requests.
func problemType(status int) string {
	return problemBase + strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "-")
}

// WriteProblem writes a problem+json response for status.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:      problemType(status),
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: RequestID(r.Context()),
	})
}
