package panel

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
)

//go:embed web/*
var content embed.FS

// Handler returns an http.Handler serving the dashboard.
//
// When dir names an existing directory, assets are read from it on every
// request. Otherwise the embedded copy is used.
//
// Paths without a file extension that match no asset get index.html, so
// links such as /devices/sensor-1 open the page. Missing assets are a 404.
func Handler(dir string) http.Handler {
	fileSystem := assets(dir)
	fileServer := http.FileServer(fileSystem)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")

		upath := path.Clean("/" + r.URL.Path)
		if upath == "/" {
			fileServer.ServeHTTP(w, r)
			return
		}

		f, err := fileSystem.Open(upath)
		if err == nil {
			f.Close()
			fileServer.ServeHTTP(w, r)
			return
		}
		if path.Ext(upath) != "" {
			http.NotFound(w, r)
			return
		}

		r2 := r.Clone(r.Context())
		r2.URL.Path = "/"
		fileServer.ServeHTTP(w, r2)
	})
}

func assets(dir string) http.FileSystem {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return http.Dir(dir)
		}
	}
	webFS, err := fs.Sub(content, "web")
	if err != nil {
		panic(fmt.Sprintf("panel: embedded assets missing: %v", err))
	}
	return http.FS(webFS)
}
