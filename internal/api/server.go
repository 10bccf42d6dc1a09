package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/epicrisis/internal/logger"
	"github.com/samcharles93/epicrisis/internal/metrics"
)

const (
	routeGenerate   = "/v1/generate"
	routeGeneration = "/v1/generate/:id"
	routeModels     = "/v1/models"
	routeHealth     = "/healthz"
	routeMetrics    = "/metrics"
)

type Server struct {
	store   *ResultStore
	service *InferenceService
	log     logger.Logger
	clock   func() time.Time
}

func NewServer(store *ResultStore, service *InferenceService, log logger.Logger) *Server {
	if store == nil {
		store = NewResultStore(0, 0)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		store:   store,
		service: service,
		log:     log,
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST(routeGenerate, s.handleGenerate)
	e.GET(routeGeneration, s.handleGetGeneration)
	e.DELETE(routeGeneration, s.handleDeleteGeneration)
	e.GET(routeModels, s.handleListModels)
	e.GET(routeHealth, s.handleHealth)
	e.GET(routeMetrics, s.handleMetrics)
}

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, routeGenerate, http.StatusInternalServerError, "server_error", "inference service not configured", "")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, routeGenerate, err.Error())
	}

	resp, err := s.service.Generate(c.Request().Context(), &req)
	if err != nil {
		status, errType := classify(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("generation failed", "model", req.Model, "error", err)
		}
		return writeError(c, routeGenerate, status, errType, err.Error(), "")
	}
	s.store.Save(*resp)
	return reply(c, routeGenerate, http.StatusOK, resp)
}

func (s *Server) handleGetGeneration(c *echo.Context) error {
	resp, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, routeGeneration, "generation not found")
	}
	return reply(c, routeGeneration, http.StatusOK, resp)
}

func (s *Server) handleDeleteGeneration(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, routeGeneration, "generation not found")
	}
	return reply(c, routeGeneration, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "generation",
		"deleted": true,
	})
}

func (s *Server) handleListModels(c *echo.Context) error {
	var ids []string
	loaded := func(string) bool { return false }
	if s.service != nil && s.service.provider != nil {
		discovered, err := s.service.provider.ListModels()
		if err != nil {
			return writeError(c, routeModels, http.StatusInternalServerError, "server_error", err.Error(), "")
		}
		ids = discovered
		if p, ok := s.service.provider.(interface{ LoadedID(string) bool }); ok {
			loaded = p.LoadedID
		}
	}

	now := s.clock().Unix()
	data := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		data = append(data, ModelInfo{
			ID:      id,
			Object:  "model",
			Created: now,
			OwnedBy: "local",
			Loaded:  loaded(id),
		})
	}
	return reply(c, routeModels, http.StatusOK, ModelList{Object: "list", Data: data})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return reply(c, routeHealth, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	metrics.HTTPRequests.WithLabelValues(routeMetrics, strconv.Itoa(http.StatusOK)).Inc()
	metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
