package api

import (
	"errors"
	"log"
	"net/http"
	"runtime"
	"strconv"

	"github.com/relayhub/relay/internal/buildinfo"
	"github.com/relayhub/relay/internal/state"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleTopicList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	topics, err := s.repo.TopicList(r.Context(), limit, offset)
	if err != nil {
		log.Printf("[api] list topics: %v", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	WriteList(w, http.StatusOK, topics)
}

func (s *Server) handleTopicGet(w http.ResponseWriter, r *http.Request) {
	topic, err := s.repo.TopicGetByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, state.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "topic not found")
		return
	}
	if err != nil {
		log.Printf("[api] get topic: %v", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	WriteJSON(w, http.StatusOK, topic)
}

func (s *Server) handleTopicHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.repo.TopicGetByID(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "topic not found")
			return
		}
		log.Printf("[api] topic history: %v", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	limit := queryInt(r, "limit", 50)
	history, err := s.repo.TopicContentHistoryList(r.Context(), id, limit)
	if err != nil {
		log.Printf("[api] topic history: %v", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	WriteList(w, http.StatusOK, history)
}

func (s *Server) handleTopicSubscriptions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.repo.TopicGetByID(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "topic not found")
			return
		}
		log.Printf("[api] topic subscriptions: %v", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	subs, err := s.repo.SubscriptionListByTopic(r.Context(), id)
	if err != nil {
		log.Printf("[api] topic subscriptions: %v", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	WriteList(w, http.StatusOK, subs)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.repo.CacheStats())
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    buildinfo.Version,
		"git_commit": buildinfo.GitCommit,
		"build_time": buildinfo.BuildTime,
		"go_version": runtime.Version(),
	})
}
