package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/Proctor/internal/adapters/docstore"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

const maxBody = 1 << 20

type storeHandlers struct {
	store   *docstore.Store
	maxWait time.Duration
}

// wait reads the long-poll duration, capped by the server setting.
func (h *storeHandlers) wait(c *gin.Context) time.Duration {
	raw := c.Query("wait")
	if raw == "" {
		return h.maxWait
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return h.maxWait
	}
	if h.maxWait > 0 && d > h.maxWait {
		return h.maxWait
	}
	return d
}

func readJSON(c *gin.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errors.New("body is not valid json")
	}
	return body, nil
}

func topicParam(c *gin.Context) (domain.Topic, bool) {
	topic := domain.Topic(c.Param("topic"))
	if !topic.Appended() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown topic %q", topic)})
		return "", false
	}
	return topic, true
}

// getRecord returns the record at once, or with ?since=v once its version
// passes v or the wait runs out.
func (h *storeHandlers) getRecord(c *gin.Context) {
	key := domain.SessionKey(c.Param("key"))
	sinceRaw := c.Query("since")
	if sinceRaw == "" {
		doc, ver, err := h.store.Record(c.Request.Context(), key)
		if errors.Is(err, core.ErrNotFound) {
			c.JSON(http.StatusOK, docstore.RecordResponse{})
			return
		}
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, docstore.RecordResponse{Version: ver, Record: doc})
		return
	}
	since, err := strconv.ParseInt(sinceRaw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad since"})
		return
	}
	doc, ver, err := h.store.WaitRecord(c.Request.Context(), key, since, h.wait(c))
	if err != nil {
		if c.Request.Context().Err() != nil {
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, docstore.RecordResponse{Version: ver, Record: doc})
}

func (h *storeHandlers) patchRecord(c *gin.Context) {
	key := domain.SessionKey(c.Param("key"))
	patch, err := readJSON(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ver, err := h.store.PatchRecord(c.Request.Context(), key, patch)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": ver})
}

// getItems returns the whole topic with its last cursor, or with ?after=n
// long-polls for newer items.
func (h *storeHandlers) getItems(c *gin.Context) {
	key := domain.SessionKey(c.Param("key"))
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	afterRaw := c.Query("after")
	if afterRaw == "" {
		items, err := h.store.Items(ctx, key, topic, 0)
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		last, err := h.store.LastSeq(ctx, key, topic)
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, docstore.ItemsResponse{Items: items, Last: last})
		return
	}
	after, err := strconv.ParseInt(afterRaw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad after"})
		return
	}
	items, err := h.store.WaitItems(ctx, key, topic, after, h.wait(c))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	last := after
	for _, it := range items {
		last = max(last, it.Seq)
	}
	c.JSON(http.StatusOK, docstore.ItemsResponse{Items: items, Last: last})
}

func (h *storeHandlers) appendItem(c *gin.Context) {
	key := domain.SessionKey(c.Param("key"))
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	payload, err := readJSON(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	it, err := h.store.Append(c.Request.Context(), key, topic, payload)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, it)
}

func (h *storeHandlers) purgeTopic(c *gin.Context) {
	key := domain.SessionKey(c.Param("key"))
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	if err := h.store.PurgeTopic(c.Request.Context(), key, topic); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *storeHandlers) roster(c *gin.Context) {
	entries, err := h.store.Roster(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []domain.RosterEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *storeHandlers) upsertCandidate(c *gin.Context) {
	id, ok := candidateParam(c)
	if !ok {
		return
	}
	var e domain.RosterEntry
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e.ID = id
	if err := h.store.UpsertCandidate(c.Request.Context(), e); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *storeHandlers) markSubmitted(c *gin.Context) {
	id, ok := candidateParam(c)
	if !ok {
		return
	}
	err := h.store.MarkSubmitted(c.Request.Context(), id)
	switch {
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown candidate"})
	case err != nil:
		fail(c, http.StatusInternalServerError, err)
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *storeHandlers) violations(c *gin.Context) {
	id, ok := candidateParam(c)
	if !ok {
		return
	}
	rec, err := h.store.Violations(c.Request.Context(), id)
	switch {
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown candidate"})
	case err != nil:
		fail(c, http.StatusInternalServerError, err)
	default:
		c.JSON(http.StatusOK, rec)
	}
}

func (h *storeHandlers) recordViolation(c *gin.Context) {
	id, ok := candidateParam(c)
	if !ok {
		return
	}
	var req docstore.ViolationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.At.IsZero() {
		req.At = time.Now()
	}
	if err := h.store.RecordViolation(c.Request.Context(), id, req.Count, req.At); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *storeHandlers) reject(c *gin.Context) {
	id, ok := candidateParam(c)
	if !ok {
		return
	}
	var req docstore.RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.At.IsZero() {
		req.At = time.Now()
	}
	if err := h.store.Reject(c.Request.Context(), id, req.FinalCount, req.At); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}
