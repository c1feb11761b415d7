package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/Proctor/internal/adapters/rtc"
	"github.com/dkeye/Proctor/internal/app/monitor"
	"github.com/dkeye/Proctor/internal/app/sfu"
	"github.com/dkeye/Proctor/internal/domain"
)

type monitorHandlers struct {
	registry *monitor.Registry
	viewers  ViewerServer
}

func (m *monitorHandlers) streams(c *gin.Context) {
	c.JSON(http.StatusOK, m.registry.Snapshot())
}

func (m *monitorHandlers) refreshAll(c *gin.Context) {
	m.registry.RefreshAll()
	c.Status(http.StatusAccepted)
}

type autoRefresh struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (m *monitorHandlers) getAutoRefresh(c *gin.Context) {
	on := m.registry.AutoRefresh()
	c.JSON(http.StatusOK, autoRefresh{Enabled: &on})
}

func (m *monitorHandlers) setAutoRefresh(c *gin.Context) {
	var body autoRefresh
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": `expected {"enabled": bool}`})
		return
	}
	m.registry.SetAutoRefresh(*body.Enabled)
	c.JSON(http.StatusOK, body)
}

func (m *monitorHandlers) refreshOne(c *gin.Context) {
	id, ok := candidateParam(c)
	if !ok {
		return
	}
	m.registry.RefreshOne(id)
	c.Status(http.StatusAccepted)
}

// view answers a browser's offer with a connection mirroring the
// candidate's media.
func (m *monitorHandlers) view(c *gin.Context) {
	id, ok := candidateParam(c)
	if !ok {
		return
	}
	if m.viewers == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "viewing disabled"})
		return
	}
	var offer domain.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil || offer.Type != domain.SDPTypeOffer || offer.SDP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected an SDP offer"})
		return
	}
	remote, ok := m.registry.Stream(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stream for candidate"})
		return
	}
	stream, ok := remote.(*sfu.RemoteStream)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream cannot be relayed"})
		return
	}
	answer, err := m.viewers.ServeViewer(c.Request.Context(), stream, offer)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rtc.ErrNoTracks) {
			status = http.StatusConflict
		}
		fail(c, status, err)
		return
	}
	c.JSON(http.StatusOK, answer)
}
