package httpapi

import (
	"encoding/json"
	"net/http"
)

// respond is this codebase's JSON response helper, grounded on the
// teacher's pkg/httpserver.Respond (set Content-Type, write status,
// encode body).
func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
