package handlers

import (
	"io/fs"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// FilesPrefix is the URL prefix the local object store is served under.
const FilesPrefix = "/files/"

// RegisterFiles serves the local object store root. Directory listings are
// disabled.
func RegisterFiles(router chi.Router, root string) {
	files := http.StripPrefix(strings.TrimSuffix(FilesPrefix, "/"), http.FileServer(noListingFS{http.Dir(root)}))
	router.Handle(FilesPrefix+"*", files)
}

// noListingFS hides directories so only stored objects are reachable.
type noListingFS struct {
	root http.FileSystem
}

func (n noListingFS) Open(name string) (http.File, error) {
	f, err := n.root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return f, nil
}
