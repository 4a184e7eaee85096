package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/clipstitch/backend/internal/logging"
)

// MediaHandler serves assets that landed on the local fallback backend.
// Objects that made it to durable storage are retrieved through presigned
// URLs and never pass through here.
type MediaHandler struct {
	Root string
}

// Serve implements GET /media/{key...}.
func (h MediaHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.PathValue("key")

	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || cleaned == string(filepath.Separator) || strings.HasPrefix(cleaned, "..") {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(h.Root, cleaned)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		if err != nil && !os.IsNotExist(err) {
			logging.FromContext(ctx).Error("stat media object", "key", key, "error", err)
		}
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, path)
}
