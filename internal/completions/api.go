package completions

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/api/middleware"
	"github.com/lamb-project/lamb-kb-server/internal/config"
	"github.com/lamb-project/lamb-kb-server/internal/directory"
	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/internal/orgconfig"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// API is the HTTP surface of the completion service.
type API struct {
	cfg          *config.Config
	dir          directory.Directory
	resolver     *orgconfig.Resolver
	orchestrator *Orchestrator
}

// NewAPI wires the completion service handlers.
func NewAPI(cfg *config.Config, dir directory.Directory, resolver *orgconfig.Resolver, orch *Orchestrator) *API {
	return &API{cfg: cfg, dir: dir, resolver: resolver, orchestrator: orch}
}

// Router builds the completion service router. /health is public; the rest
// requires the shared bearer key.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(a.cfg.APIKey).Middleware)

	r.Get("/health", a.health)

	r.Get("/models", a.listModels)
	r.Post("/chat/completions", a.chatCompletions)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", a.listModels)
		r.Post("/chat/completions", a.chatCompletions)
		r.Post("/pipelines/reload", a.reload)
	})

	return r
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": a.cfg.Version,
	})
}

// listModels exposes every assistant as an OpenAI-style model entry.
func (a *API) listModels(w http.ResponseWriter, r *http.Request) {
	assistants, err := a.dir.Assistants(r.Context())
	if err != nil {
		respondKBError(w, err)
		return
	}
	out := models.ModelList{Object: "list", Data: make([]models.ModelInfo, 0, len(assistants))}
	for _, as := range assistants {
		out.Data = append(out.Data, models.ModelInfo{
			ID:      models.AssistantModelPrefix + strconv.FormatInt(as.ID, 10),
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: as.Owner,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var req models.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondKBError(w, kberr.Wrap(kberr.BadInput, err, "invalid request body"))
		return
	}

	assistantID, err := parseAssistantModel(req.Model)
	if err != nil {
		respondKBError(w, err)
		return
	}

	resp, stream, err := a.orchestrator.Run(r.Context(), assistantID, req)
	if err != nil {
		respondKBError(w, err)
		return
	}

	if stream != nil {
		WriteStream(r.Context(), w, stream)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// reload rebuilds the directory-backed configuration atomically.
func (a *API) reload(w http.ResponseWriter, r *http.Request) {
	if err := a.resolver.Reload(r.Context()); err != nil {
		respondKBError(w, err)
		return
	}
	log.Info().Msg("directory reloaded")
	respondJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// parseAssistantModel extracts the assistant id from "lamb_assistant.<id>".
func parseAssistantModel(model string) (int64, error) {
	if !strings.HasPrefix(model, models.AssistantModelPrefix) {
		return 0, kberr.New(kberr.BadInput, "model %q is not an assistant; expected %s<id>", model, models.AssistantModelPrefix)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(model, models.AssistantModelPrefix), 10, 64)
	if err != nil {
		return 0, kberr.New(kberr.BadInput, "invalid assistant id in model %q", model)
	}
	return id, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondKBError(w http.ResponseWriter, err error) {
	respondJSON(w, kberr.HTTPStatus(err), map[string]string{
		"error":   http.StatusText(kberr.HTTPStatus(err)),
		"message": kberr.Message(err),
	})
}
