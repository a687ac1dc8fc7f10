package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/oinkognito/wavy/internal/http/middleware"
	"github.com/oinkognito/wavy/internal/ingest"
	"github.com/oinkognito/wavy/internal/kvstore"
	"github.com/oinkognito/wavy/internal/metrics"
	"github.com/oinkognito/wavy/internal/objectstore"
	"github.com/oinkognito/wavy/internal/wavyerr"
)

// streamChunkSize is the fixed frame size used by the /stream/... route, per
// the router design's "64 KiB frames".
const streamChunkSize = 64 * 1024

// maxUploadMemory bounds the in-memory portion of a parsed multipart form;
// the file part itself still streams to a temp file beyond this.
const maxUploadMemory = 32 << 20

// RegisterRoutes wires every route in the request router design (C8) onto
// s, backed by pipeline for ingestion, index/store for reads, and registry
// for the per-request metrics timer.
func RegisterRoutes(s *Server, pipeline *ingest.Pipeline, index *kvstore.Store, store *objectstore.Store, registry *metrics.Registry) {
	s.router.Use(middleware.Metrics(registry))

	s.router.Get("/ping", handlePing)
	s.router.Post("/upload", handleUpload(pipeline, registry))
	s.router.Delete("/delete/{owner}/{asset}", handleDelete(pipeline))
	s.router.Get("/download/{owner}/{asset}/*", handleDownload(store, index))
	s.router.Get("/stream/{owner}/{asset}/*", handleStream(store, index))

	registerJSONRoutes(s, index, registry)
}

// registerJSONRoutes documents the pure-JSON reads through huma, which
// generates the OpenAPI surface for the owner/asset/metrics contracts.
func registerJSONRoutes(s *Server, index *kvstore.Store, registry *metrics.Registry) {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-owners",
		Method:      http.MethodGet,
		Path:        "/owners",
		Summary:     "List all owner ids",
	}, func(ctx context.Context, input *struct{}) (*ownersOutput, error) {
		owners, err := index.ListOwners()
		if err != nil {
			return nil, huma.Error500InternalServerError("listing owners", err)
		}
		return &ownersOutput{Body: ownersBody{Owners: owners}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-owner-assets",
		Method:      http.MethodGet,
		Path:        "/owners/{owner}",
		Summary:     "List asset ids belonging to an owner",
	}, func(ctx context.Context, input *ownerInput) (*assetsOutput, error) {
		assets, err := index.ListAssetsForOwner(input.Owner)
		if err != nil {
			return nil, huma.Error500InternalServerError("listing assets", err)
		}
		return &assetsOutput{Body: assetsBody{Assets: assets}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-audio-info",
		Method:      http.MethodGet,
		Path:        "/audio/info/{owner}/{asset}",
		Summary:     "Fetch an asset's metadata",
	}, func(ctx context.Context, input *assetInput) (*assetInfoOutput, error) {
		meta, err := index.GetAsset(input.Owner, input.Asset)
		if err != nil {
			return nil, huma.Error404NotFound("asset not found")
		}
		return &assetInfoOutput{Body: meta}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Global and per-owner counter snapshot",
	}, func(ctx context.Context, input *struct{}) (*metricsOutput, error) {
		owners, err := index.ListOwners()
		if err != nil {
			return nil, huma.Error500InternalServerError("listing owners", err)
		}
		perOwner := make(map[string]kvstore.OwnerMetrics, len(owners))
		for _, owner := range owners {
			om, err := index.GetOwnerMetrics(owner)
			if err != nil {
				return nil, huma.Error500InternalServerError("reading owner metrics", err)
			}
			perOwner[owner] = om
		}
		return &metricsOutput{Body: metricsBody{Global: registry.Snapshot(), Owners: perOwner}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Process uptime and host resource usage",
	}, func(ctx context.Context, input *struct{}) (*healthOutput, error) {
		return &healthOutput{Body: healthBody{
			Status:        "healthy",
			UptimeSeconds: registry.Uptime().Seconds(),
			Host:          metrics.CollectHostInfo(),
		}}, nil
	})
}

type ownerInput struct {
	Owner string `path:"owner"`
}

type assetInput struct {
	Owner string `path:"owner"`
	Asset string `path:"asset"`
}

type ownersBody struct {
	Owners []string `json:"owners"`
}
type ownersOutput struct {
	Body ownersBody
}

type assetsBody struct {
	Assets []string `json:"assets"`
}
type assetsOutput struct {
	Body assetsBody
}

type assetInfoOutput struct {
	Body kvstore.AssetMetadata
}

type metricsBody struct {
	Global metrics.Snapshot                `json:"global"`
	Owners map[string]kvstore.OwnerMetrics `json:"owners"`
}
type metricsOutput struct {
	Body metricsBody
}

type healthBody struct {
	Status        string           `json:"status"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Host          metrics.HostInfo `json:"host"`
}
type healthOutput struct {
	Body healthBody
}

func handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func handleUpload(pipeline *ingest.Pipeline, registry *metrics.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			writeError(w, wavyerr.Wrap(wavyerr.CodeInvalidArchive, "parsing multipart form", err))
			return
		}

		owner := r.FormValue("owner")
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, wavyerr.Wrap(wavyerr.CodeInvalidArchive, "reading file field", err))
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, wavyerr.Wrap(wavyerr.CodeIoError, "reading upload body", err))
			return
		}
		registry.AddBytesIn(int64(len(data)))

		result, err := pipeline.Upload(owner, data)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"owner":     result.OwnerID,
			"asset_id":  result.AssetID,
			"duplicate": result.Duplicate,
		})
	}
}

func handleDelete(pipeline *ingest.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := chi.URLParam(r, "owner")
		asset := chi.URLParam(r, "asset")

		if err := pipeline.Delete(owner, asset); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"owner":    owner,
			"asset_id": asset,
			"deleted":  true,
		})
	}
}

// handleDownload serves an asset file in full, letting net/http's
// ServeContent take the sendfile-capable path for regular files.
func handleDownload(store *objectstore.Store, index *kvstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, asset, path, err := assetFilePathParams(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := index.GetAsset(owner, asset); err != nil {
			writeError(w, wavyerr.Wrap(wavyerr.CodeNotFound, "asset not found", err))
			return
		}
		if err := index.IncrementDownloads(owner); err != nil {
			writeError(w, wavyerr.Wrap(wavyerr.CodeDbError, "recording download", err))
			return
		}

		resolved, err := store.ResolveAssetFile(owner, asset, path)
		if err != nil {
			writeError(w, wavyerr.Wrap(wavyerr.CodePathInvalid, "resolving asset file", err))
			return
		}

		f, err := os.Open(resolved)
		if err != nil {
			writeError(w, wavyerr.Wrap(wavyerr.CodeNotFound, "asset file not found", err))
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			writeError(w, wavyerr.Wrap(wavyerr.CodeIoError, "stating asset file", err))
			return
		}

		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	}
}

// handleStream serves the same bytes as handleDownload but writes them as a
// sequence of fixed 64 KiB frames with Transfer-Encoding: chunked, flushing
// after every frame for the chunked fetcher's pipelined consumption.
func handleStream(store *objectstore.Store, index *kvstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, asset, path, err := assetFilePathParams(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := index.GetAsset(owner, asset); err != nil {
			writeError(w, wavyerr.Wrap(wavyerr.CodeNotFound, "asset not found", err))
			return
		}
		if err := index.IncrementDownloads(owner); err != nil {
			writeError(w, wavyerr.Wrap(wavyerr.CodeDbError, "recording download", err))
			return
		}

		resolved, err := store.ResolveAssetFile(owner, asset, path)
		if err != nil {
			writeError(w, wavyerr.Wrap(wavyerr.CodePathInvalid, "resolving asset file", err))
			return
		}

		f, err := os.Open(resolved)
		if err != nil {
			writeError(w, wavyerr.Wrap(wavyerr.CodeNotFound, "asset file not found", err))
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Transfer-Encoding", "chunked")
		w.WriteHeader(http.StatusOK)

		flusher, canFlush := w.(http.Flusher)
		buf := make([]byte, streamChunkSize)
		for {
			n, readErr := f.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return
				}
				if canFlush {
					flusher.Flush()
				}
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				return
			}
		}
	}
}

func assetFilePathParams(r *http.Request) (owner, asset, path string, err error) {
	owner = chi.URLParam(r, "owner")
	asset = chi.URLParam(r, "asset")
	path = chi.URLParam(r, "*")
	if path == "" {
		return "", "", "", wavyerr.New(wavyerr.CodePathInvalid, "missing file path")
	}
	return owner, asset, path, nil
}

func writeError(w http.ResponseWriter, err error) {
	status := wavyerr.HTTPStatus(err)
	if wavyerr.IsServerFault(err) {
		slog.Error("request failed",
			slog.String("error", err.Error()),
			slog.String("stack", string(debug.Stack())),
		)
	}
	writeJSON(w, status, map[string]any{
		"code":    string(wavyerr.CodeOf(err)),
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
