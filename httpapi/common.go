package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/objectvault/storage-gateway/metadata"
)

// Sentinel errors for failures that don't originate from a component
// error taxonomy but still need an envelope + status mapping.
var (
	errUnauthorized = errors.New("unauthorized")
	errInvalidInput = errors.New("invalid input")
)

// reportErr records err on the request state (so tenantMiddleware
// rolls the session back) and writes the error envelope.
func reportErr(w http.ResponseWriter, r *http.Request, err error) {
	if s := stateFrom(r); s != nil {
		s.err = err
	}
	writeError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// resolveBucket loads the named bucket for the request's tenant,
// reporting NotFound through the standard error envelope on a miss.
func resolveBucket(w http.ResponseWriter, r *http.Request, name string) (metadata.Bucket, bool) {
	s := stateFrom(r)
	b, err := s.meta.GetBucket(name)
	if err != nil {
		reportErr(w, r, err)
		return metadata.Bucket{}, false
	}
	return b, true
}

func pathVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
