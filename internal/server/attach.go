package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/contextmesh/crossbus/internal/envelope"
	"github.com/contextmesh/crossbus/internal/locus"
	"github.com/contextmesh/crossbus/internal/shared/id"
	"github.com/contextmesh/crossbus/internal/transport"
)

var upgrader = websocket.Upgrader{
	// The CORS middleware already vetted the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAttach upgrades the connection and joins the remote locus to the
// broadcast hub. The owner query parameter names the hosted document for
// lifecycle teardown; it defaults to the locus name.
func (s *Server) handleAttach(c *gin.Context) {
	l, err := locus.Parse(c.Query("locus"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if l == locus.Coordinator {
		c.JSON(http.StatusBadRequest, gin.H{"error": "coordinator is hosted here, not attached"})
		return
	}
	if !locus.MustDescribe(l).Reaches(locus.KindBroadcast) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "locus " + l.String() + " does not reach the broadcast medium"})
		return
	}
	owner := c.DefaultQuery("owner", l.String())

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("attach upgrade failed", zap.Error(err))
		return
	}

	connID := id.NewConnID()
	log := s.log.WithOwner(owner)
	link := transport.NewWS(conn, locus.Coordinator, l, locus.KindBroadcast)
	link.OnClose(func() {
		s.hub.Leave(l)
		s.coordinator.DropOwner(owner)
		s.metrics.DecAttachments()
		log.Info("locus detached",
			zap.String("locus", l.String()),
			zap.String("conn_id", connID.String()))
	})

	s.hub.Join(l, &remoteMember{link: link})
	link.Bind(&hubIngress{hub: s.hub, member: l})
	s.metrics.IncAttachments()
	log.Info("locus attached",
		zap.String("locus", l.String()),
		zap.String("conn_id", connID.String()))
}

// remoteMember writes hub traffic out to an attached connection.
type remoteMember struct {
	link *transport.WS
}

func (m *remoteMember) InboundFrame(from locus.Locus, f *envelope.Frame, send func(*envelope.Frame) error) {
	if err := m.link.Send(f); err != nil {
		// The close hook tears the membership down; nothing else to do.
		return
	}
}

// hubIngress publishes frames read from an attached connection into the
// hub on behalf of the remote member.
type hubIngress struct {
	hub    *transport.Hub
	member locus.Locus
}

func (s *hubIngress) InboundFrame(from locus.Locus, f *envelope.Frame, send func(*envelope.Frame) error) {
	s.hub.Publish(s.member, f)
}
