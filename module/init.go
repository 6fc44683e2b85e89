package module

import (
	"context"
	"net/http"
	"os"

	"github.com/gigapi/gigapi-config/config"
	"github.com/gigapi/gigapi-datasets/core"
	"github.com/gigapi/gigapi-datasets/registry"
	"github.com/gigapi/gigapi-datasets/server"
	"github.com/gigapi/gigapi/v2/modules"
)

var srv *server.Server

func WithNoError(hndl func(w http.ResponseWriter, r *http.Request),
) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		hndl(w, r)
		return nil
	}
}

// GetRootDir resolves the data root: DATA_DIR, then the gigapi root, then ./data.
func GetRootDir() string {
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		return dataDir
	}
	if config.Config.Gigapi.Root != "" {
		return config.Config.Gigapi.Root
	}
	return "./data"
}

// Routes lists the dataset endpoints served inside a gigapi host. Parameters
// travel in the query string.
func Routes(s *server.Server) []*modules.Route {
	get := []string{"GET", "OPTIONS"}
	return []*modules.Route{
		{Path: "/datasets", Methods: get, Handler: WithNoError(s.HandleListDatasets)},
		{Path: "/datasets/describe", Methods: get, Handler: WithNoError(s.HandleDescribe)},
		{Path: "/datasets/latest", Methods: get, Handler: WithNoError(s.HandleLatest)},
		{Path: "/datasets/rows", Methods: get, Handler: WithNoError(s.HandleRows)},
	}
}

func Init(api modules.Api) {
	if config.Config.Gigapi.Mode != "readonly" && config.Config.Gigapi.Mode != "aio" {
		return
	}
	ctx := core.WithDefaultLogger(context.Background(), "datasets-module")
	reg, err := registry.Open(ctx, registry.Options{Root: GetRootDir()})
	if err != nil {
		panic(err)
	}
	srv = server.NewServer(reg)
	for _, route := range Routes(srv) {
		api.RegisterRoute(route)
	}
	core.Infof(ctx, "Dataset routes registered, root %s", GetRootDir())
}

func Close() {
	if srv != nil {
		srv.Close()
	}
}
