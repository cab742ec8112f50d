// Package admin exposes one node's coordination state over HTTP:
// status, neighbors, decayed field samples, ballots and the task
// registry, plus a small write surface for opening and inhibiting
// ballots.
package admin

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fleetkor/fleetkor/internal/consensus"
	"github.com/fleetkor/fleetkor/internal/field"
	"github.com/fleetkor/fleetkor/internal/fixed"
	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/node"
	"github.com/fleetkor/fleetkor/internal/observability"
)

// Server wraps a gin router around one running node. Every handler goes
// through the node's public surface, which serializes against the tick
// loop.
type Server struct {
	addr    string
	node    *node.Node
	router  *gin.Engine
	started time.Time
}

// New builds the admin router with the standard middleware stack. The
// server does not tick the node; it only observes and forwards.
func New(n *node.Node, addr string, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(n.Name(), log.Logger))
	r.Use(observability.RequestMetricsMiddleware(n.Name()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		addr:    addr,
		node:    n,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Router exposes the engine for embedding and tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Serve blocks on the configured listen address.
func (s *Server) Serve() error {
	return s.router.Run(s.addr)
}

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
			"node":   s.node.Name(),
			"state":  s.node.State().String(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.node.Status())
	})

	r.GET("/neighbors", func(c *gin.Context) {
		neighbors := s.node.Neighbors()
		list := make([]neighborView, 0, len(neighbors))
		for _, nb := range neighbors {
			list = append(list, neighborView{
				ID:       nb.ID,
				Distance: nb.Distance,
				Health:   nb.Health.String(),
				LastSeen: nb.LastSeen,
				Load:     nb.LastField.Components[field.Load].Float64(),
				Thermal:  nb.LastField.Components[field.Thermal].Float64(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"neighbors": list})
	})

	r.GET("/field/:id", func(c *gin.Context) {
		id, err := parseNodeID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f, err := s.node.FieldOf(id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, field.ErrUnknownSource) || errors.Is(err, field.ErrExpired) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, fieldView{
			Source:    f.Source,
			Sequence:  f.Sequence,
			Timestamp: f.Timestamp,
			Load:      f.Components[field.Load].Float64(),
			Thermal:   f.Components[field.Thermal].Float64(),
			Power:     f.Components[field.Power].Float64(),
			Custom0:   f.Components[field.Custom0].Float64(),
			Custom1:   f.Components[field.Custom1].Float64(),
		})
	})

	r.GET("/ballots/:id", func(c *gin.Context) {
		id, err := parseBallotID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := s.node.BallotResult(id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		resp := gin.H{
			"ballot": id,
			"result": result.String(),
		}
		if b, ok := s.node.Ballot(id); ok {
			resp["proposer"] = b.Proposer
			resp["data"] = b.Data
			resp["threshold"] = b.Threshold.Float64()
			resp["yes"] = b.YesCount
			resp["no"] = b.NoCount
			resp["votes"] = b.VoteCount
			resp["deadline"] = b.Deadline
		}
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/ballots/:id/inhibit", func(c *gin.Context) {
		id, err := parseBallotID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.node.Inhibit(id); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "inhibited", "ballot": id})
	})

	r.POST("/proposals", func(c *gin.Context) {
		var req proposalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		pt, err := parseProposalType(req.Type)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		threshold := defaultThreshold(pt)
		if req.Threshold > 0 {
			threshold = fixed.FromFloat(req.Threshold)
		}
		id, err := s.node.Propose(pt, req.Data, threshold)
		if err != nil {
			status := http.StatusServiceUnavailable
			if errors.Is(err, consensus.ErrTableFull) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ballot": id})
	})

	r.GET("/tasks", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tasks": s.node.Tasks()})
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such route"})
	})
}

type neighborView struct {
	ID       fleet.NodeID `json:"id"`
	Distance int32        `json:"distance"`
	Health   string       `json:"health"`
	LastSeen uint64       `json:"last_seen"`
	Load     float64      `json:"load"`
	Thermal  float64      `json:"thermal"`
}

type fieldView struct {
	Source    fleet.NodeID `json:"source"`
	Sequence  uint8        `json:"sequence"`
	Timestamp uint64       `json:"timestamp"`
	Load      float64      `json:"load"`
	Thermal   float64      `json:"thermal"`
	Power     float64      `json:"power"`
	Custom0   float64      `json:"custom0"`
	Custom1   float64      `json:"custom1"`
}

type proposalRequest struct {
	Type      string  `json:"type" binding:"required"`
	Data      uint32  `json:"data"`
	Threshold float64 `json:"threshold"`
}

func parseNodeID(raw string) (fleet.NodeID, error) {
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil || fleet.NodeID(v) == fleet.InvalidNode || fleet.NodeID(v) == fleet.Broadcast {
		return fleet.InvalidNode, fmt.Errorf("admin: bad node id %q", raw)
	}
	return fleet.NodeID(v), nil
}

func parseBallotID(raw string) (fleet.BallotID, error) {
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || fleet.BallotID(v) == fleet.InvalidBallot {
		return fleet.InvalidBallot, fmt.Errorf("admin: bad ballot id %q", raw)
	}
	return fleet.BallotID(v), nil
}

func parseProposalType(raw string) (consensus.ProposalType, error) {
	switch raw {
	case "mode_change":
		return consensus.ProposalModeChange, nil
	case "power_limit":
		return consensus.ProposalPowerLimit, nil
	case "shutdown":
		return consensus.ProposalShutdown, nil
	case "reformation":
		return consensus.ProposalReformation, nil
	default:
		return 0, fmt.Errorf("admin: unknown proposal type %q", raw)
	}
}

// defaultThreshold picks the conventional bar when the request does not
// carry one. Power limits pass on a simple majority; everything that
// changes fleet shape needs a supermajority.
func defaultThreshold(t consensus.ProposalType) fixed.Fixed {
	if t == consensus.ProposalPowerLimit {
		return consensus.SimpleMajority
	}
	return consensus.Supermajority
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
