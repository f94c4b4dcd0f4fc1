package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/objectvault/storage-gateway/blob"
	"github.com/objectvault/storage-gateway/metadata"
)

// uploadBody picks the request body a Create/Replace call streams from:
// the first multipart file part if the request is multipart, otherwise
// the raw request body (spec.md §6 "upload (multipart)").
func uploadBody(r *http.Request) (io.Reader, string, string, error) {
	ct := r.Header.Get("Content-Type")
	if len(ct) >= len("multipart/") && ct[:len("multipart/")] == "multipart/" {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", "", errInvalidInput
		}
		fileCT := header.Header.Get("Content-Type")
		if fileCT == "" {
			fileCT = "application/octet-stream"
		}
		return file, fileCT, r.FormValue("cacheControl"), nil
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	return r.Body, ct, r.Header.Get("Cache-Control"), nil
}

func (d *Deps) handleUpload(w http.ResponseWriter, r *http.Request) {
	s := stateFrom(r)
	bucket, ok := resolveBucket(w, r, pathVar(r, "bucket"))
	if !ok {
		return
	}

	body, contentType, cacheControl, err := uploadBody(r)
	if err != nil {
		reportErr(w, r, err)
		return
	}

	obj, err := s.orchestrator.Create(r.Context(), bucket.ID, pathVar(r, "name"), s.claims.Subject, s.tenantID, body, contentType, cacheControl)
	if err != nil {
		reportErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, objectResponse(obj))
}

func (d *Deps) handleReplace(w http.ResponseWriter, r *http.Request) {
	s := stateFrom(r)
	bucket, ok := resolveBucket(w, r, pathVar(r, "bucket"))
	if !ok {
		return
	}

	body, contentType, cacheControl, err := uploadBody(r)
	if err != nil {
		reportErr(w, r, err)
		return
	}

	obj, err := s.orchestrator.Replace(r.Context(), bucket.ID, pathVar(r, "name"), s.claims.Subject, s.tenantID, body, contentType, cacheControl)
	if err != nil {
		reportErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, objectResponse(obj))
}

func (d *Deps) handleCopy(w http.ResponseWriter, r *http.Request) {
	s := stateFrom(r)
	var req struct {
		BucketID       string `json:"bucketId"`
		SourceKey      string `json:"sourceKey"`
		DestinationKey string `json:"destinationKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reportErr(w, r, errInvalidInput)
		return
	}

	obj, err := s.orchestrator.Copy(r.Context(), req.BucketID, req.SourceKey, req.DestinationKey, s.claims.Subject, s.tenantID)
	if err != nil {
		reportErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, objectResponse(obj))
}

func (d *Deps) handleMove(w http.ResponseWriter, r *http.Request) {
	s := stateFrom(r)
	var req struct {
		BucketID       string `json:"bucketId"`
		SourceKey      string `json:"sourceKey"`
		DestinationKey string `json:"destinationKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reportErr(w, r, errInvalidInput)
		return
	}

	if err := s.orchestrator.Rename(r.Context(), req.BucketID, req.SourceKey, req.DestinationKey, s.tenantID); err != nil {
		reportErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "moved"})
}

func (d *Deps) handleDeleteOne(w http.ResponseWriter, r *http.Request) {
	s := stateFrom(r)
	bucket, ok := resolveBucket(w, r, pathVar(r, "bucket"))
	if !ok {
		return
	}
	if err := s.orchestrator.Delete(r.Context(), bucket.ID, pathVar(r, "name"), s.tenantID); err != nil {
		reportErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

func (d *Deps) handleDeleteMany(w http.ResponseWriter, r *http.Request) {
	s := stateFrom(r)
	bucket, ok := resolveBucket(w, r, pathVar(r, "bucket"))
	if !ok {
		return
	}
	var req struct {
		Prefixes []string `json:"prefixes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reportErr(w, r, errInvalidInput)
		return
	}

	var deleted []string
	for _, name := range req.Prefixes {
		if err := s.orchestrator.Delete(r.Context(), bucket.ID, name, s.tenantID); err != nil {
			if !metadata.ErrNotFound.Has(err) {
				reportErr(w, r, err)
				return
			}
			continue
		}
		deleted = append(deleted, name)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"deleted": deleted})
}

// listRequest is the POST /object/list/:bucket body (spec.md §6
// "{prefix, limit, offset, sortBy, search}"). The underlying store
// paginates by an opaque (name, version) cursor rather than a numeric
// offset, the same cursoring ObjectStream and ListTenantsToMigrate use
// elsewhere, so offset is accepted as a cursor token string here
// instead of a skip count; sortBy/search have no backing index yet and
// are ignored rather than silently misapplied.
type listRequest struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
	Offset string `json:"offset"`
}

func (d *Deps) handleList(w http.ResponseWriter, r *http.Request) {
	s := stateFrom(r)
	bucket, ok := resolveBucket(w, r, pathVar(r, "bucket"))
	if !ok {
		return
	}

	var req listRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Limit <= 0 {
		req.Limit = queryInt(r, "limit", 100)
	}

	var cursor *metadata.Cursor
	if req.Offset != "" {
		var c metadata.Cursor
		if err := json.Unmarshal([]byte(req.Offset), &c); err != nil {
			reportErr(w, r, errInvalidInput)
			return
		}
		cursor = &c
	}

	page, err := s.meta.ListObjectsWithPrefix(bucket.ID, req.Prefix, req.Limit, cursor)
	if err != nil {
		reportErr(w, r, err)
		return
	}

	objs := make([]objectView, 0, len(page.Objects))
	for _, o := range page.Objects {
		objs = append(objs, objectResponse(o))
	}

	var next string
	if page.Next != nil {
		b, _ := json.Marshal(page.Next)
		next = string(b)
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objs, "next": next})
}

func (d *Deps) handleRead(w http.ResponseWriter, r *http.Request)       { d.readObject(w, r, false) }
func (d *Deps) handleReadPublic(w http.ResponseWriter, r *http.Request) { d.readObject(w, r, true) }

func (d *Deps) readObject(w http.ResponseWriter, r *http.Request, requirePublic bool) {
	s := stateFrom(r)
	bucket, ok := resolveBucket(w, r, pathVar(r, "bucket"))
	if !ok {
		return
	}
	if requirePublic && !bucket.Public {
		reportErr(w, r, errUnauthorized)
		return
	}

	name := pathVar(r, "name")
	row, err := s.meta.GetObject(bucket.ID, name)
	if err != nil {
		reportErr(w, r, err)
		return
	}

	obj, err := s.orchestrator.Read(r.Context(), bucket.ID, name, s.tenantID, row.Version, conditionsFromRequest(r))
	if err != nil {
		reportErr(w, r, err)
		return
	}
	writeBlob(w, r, obj)
}

func (d *Deps) handleHead(w http.ResponseWriter, r *http.Request) {
	s := stateFrom(r)
	bucket, ok := resolveBucket(w, r, pathVar(r, "bucket"))
	if !ok {
		return
	}
	name := pathVar(r, "name")
	row, err := s.meta.GetObject(bucket.ID, name)
	if err != nil {
		reportErr(w, r, err)
		return
	}
	setObjectHeaders(w, r, row.Metadata.MimeType, row.Metadata.CacheControl, row.Metadata.ETag, row.Metadata.LastModified, row.Metadata.Size)
	w.WriteHeader(http.StatusOK)
}

func (d *Deps) handleIssueSignedURL(w http.ResponseWriter, r *http.Request) {
	s := stateFrom(r)
	bucket, ok := resolveBucket(w, r, pathVar(r, "bucket"))
	if !ok {
		return
	}
	var req struct {
		ExpiresIn int `json:"expiresIn"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.ExpiresIn <= 0 {
		req.ExpiresIn = 60
	}

	token, err := s.orchestrator.SignURL(bucket.ID, pathVar(r, "name"), s.tenantID, d.Config.JWTSecret, time.Duration(req.ExpiresIn)*time.Second, nil)
	if err != nil {
		reportErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signedURL": signedPath(r, bucket.Name, pathVar(r, "name"), token)})
}

func (d *Deps) handleIssueSignedURLs(w http.ResponseWriter, r *http.Request) {
	s := stateFrom(r)
	bucket, ok := resolveBucket(w, r, pathVar(r, "bucket"))
	if !ok {
		return
	}
	var req struct {
		ExpiresIn int      `json:"expiresIn"`
		Paths     []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reportErr(w, r, errInvalidInput)
		return
	}
	if req.ExpiresIn <= 0 {
		req.ExpiresIn = 60
	}

	urls := make(map[string]string, len(req.Paths))
	for _, p := range req.Paths {
		token, err := s.orchestrator.SignURL(bucket.ID, p, s.tenantID, d.Config.JWTSecret, time.Duration(req.ExpiresIn)*time.Second, nil)
		if err != nil {
			reportErr(w, r, err)
			return
		}
		urls[p] = signedPath(r, bucket.Name, p, token)
	}
	writeJSON(w, http.StatusOK, map[string]any{"signedURLs": urls})
}

func (d *Deps) handleReadSigned(w http.ResponseWriter, r *http.Request) {
	s := stateFrom(r)
	token := r.URL.Query().Get("token")
	if token == "" {
		reportErr(w, r, errInvalidInput)
		return
	}
	bucket, ok := resolveBucket(w, r, pathVar(r, "bucket"))
	if !ok {
		return
	}
	obj, err := s.orchestrator.ReadSigned(r.Context(), bucket.ID, token, d.Config.JWTSecret, conditionsFromRequest(r))
	if err != nil {
		reportErr(w, r, err)
		return
	}
	writeBlob(w, r, obj)
}

func (d *Deps) handleRenderAuthenticated(w http.ResponseWriter, r *http.Request) { d.render(w, r, false) }
func (d *Deps) handleRenderPublic(w http.ResponseWriter, r *http.Request)        { d.render(w, r, true) }

// render streams the object's current bytes, same as a plain read; when
// the tenant has image transformation enabled and an image proxy is
// configured it redirects there instead, the transform parameters (and
// the object's own signed private URL) carried in the query string, per
// spec.md §6 "The rendering pipeline reads the private URL of the same
// key."
func (d *Deps) render(w http.ResponseWriter, r *http.Request, requirePublic bool) {
	s := stateFrom(r)
	cfg, err := d.Registry.GetConfig(r.Context(), s.tenantID)
	if err != nil {
		reportErr(w, r, err)
		return
	}
	if !cfg.Features.ImageTransformation.Enabled || d.Config.ImgProxyURL == "" {
		d.readObject(w, r, requirePublic)
		return
	}

	bucket, ok := resolveBucket(w, r, pathVar(r, "bucket"))
	if !ok {
		return
	}
	if requirePublic && !bucket.Public {
		reportErr(w, r, errUnauthorized)
		return
	}

	name := pathVar(r, "name")
	signed, err := s.orchestrator.SignURL(bucket.ID, name, s.tenantID, d.Config.JWTSecret, 5*time.Minute, map[string]string{
		"width": r.URL.Query().Get("width"), "height": r.URL.Query().Get("height"), "resize": r.URL.Query().Get("resize"),
	})
	if err != nil {
		reportErr(w, r, err)
		return
	}

	target := fmt.Sprintf("%s?source=%s", d.Config.ImgProxyURL, url.QueryEscape(signedPath(r, bucket.Name, name, signed)))
	http.Redirect(w, r, target, http.StatusFound)
}

func signedPath(r *http.Request, bucket, name, token string) string {
	return fmt.Sprintf("/object/sign/%s/%s?token=%s", bucket, name, url.QueryEscape(token))
}

func conditionsFromRequest(r *http.Request) blob.Conditions {
	cond := blob.Conditions{IfNoneMatch: r.Header.Get("If-None-Match")}
	if v := r.Header.Get("If-Modified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			cond.IfModifiedSince = t
		}
	}
	if start, end, ok := parseRange(r.Header.Get("Range")); ok {
		cond.RangeStart, cond.RangeEnd = start, end
	}
	return cond
}

// parseRange parses a single-range "bytes=start-end" header.
func parseRange(header string) (start, end int64, ok bool) {
	const prefix = "bytes="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return 0, 0, false
	}
	spec := header[len(prefix):]
	var s, e int64
	if _, err := fmt.Sscanf(spec, "%d-%d", &s, &e); err != nil {
		return 0, 0, false
	}
	return s, e, true
}

func writeBlob(w http.ResponseWriter, r *http.Request, obj blob.Object) {
	if obj.Body == nil {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	defer obj.Body.Close()

	m := obj.Metadata
	setObjectHeaders(w, r, m.ContentType, m.CacheControl, m.ETag, m.LastModified, m.Size)
	if r.URL.Query().Get("download") != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+pathVar(r, "name")+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, obj.Body)
}

func setObjectHeaders(w http.ResponseWriter, r *http.Request, contentType, cacheControl, etag string, lastModified time.Time, size int64) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if cacheControl != "" {
		w.Header().Set("Cache-Control", cacheControl)
	}
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	if !lastModified.IsZero() {
		w.Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
}

type objectView struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mimeType"`
	ETag      string    `json:"etag"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func objectResponse(o metadata.Object) objectView {
	return objectView{
		Name: o.Name, Version: o.Version, Size: o.Metadata.Size,
		MimeType: o.Metadata.MimeType, ETag: o.Metadata.ETag, UpdatedAt: o.UpdatedAt,
	}
}
