package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/config"
	"github.com/vultisig/sssrecovery/internal/types"
	"github.com/vultisig/sssrecovery/storage"
)

// NodeFault makes a node misbehave, for local failure drills.
type NodeFault struct {
	Latency time.Duration
	Down    bool
	// Corrupt makes the node echo a different share than the one it stored.
	Corrupt bool
}

// Server is a single-process share network: the coordinator, every share
// node and the metadata service behind one echo instance.
type Server struct {
	port      int64
	nodes     int
	threshold int
	store     storage.SecretStore
	auth      *AuthService
	sdClient  statsd.ClientInterface
	logger    *logrus.Logger

	mu        sync.RWMutex
	publicURL string
	faults    map[int]NodeFault

	// dirMu serializes directory reads and writes.
	dirMu sync.Mutex
}

// NewServer returns a new server.
func NewServer(cfg config.Config, store storage.SecretStore, sdClient statsd.ClientInterface, logger *logrus.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Server.Nodes < 1 {
		return nil, fmt.Errorf("at least one node is required")
	}
	if cfg.Server.Threshold < 1 || cfg.Server.Threshold > cfg.Server.Nodes {
		return nil, fmt.Errorf("threshold %d is not valid for %d nodes", cfg.Server.Threshold, cfg.Server.Nodes)
	}
	if sdClient == nil {
		sdClient = &statsd.NoOpClient{}
	}
	if logger == nil {
		logger = logrus.WithField("service", "api").Logger
	}
	publicURL := cfg.Server.PublicURL
	if publicURL == "" {
		publicURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	if cfg.Server.JWTSecret == "" {
		logger.Warn("No jwt secret configured, id-tokens are not verified")
	}
	return &Server{
		port:      cfg.Server.Port,
		nodes:     cfg.Server.Nodes,
		threshold: cfg.Server.Threshold,
		store:     store,
		auth:      NewAuthService(cfg.Server.JWTSecret),
		sdClient:  sdClient,
		logger:    logger,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		faults:    make(map[int]NodeFault),
	}, nil
}

// SetPublicURL changes the base URL advertised in node directories.
func (s *Server) SetPublicURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicURL = strings.TrimSuffix(url, "/")
}

func (s *Server) SetNodeFault(id int, fault NodeFault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[id] = fault
}

func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[int]NodeFault)
}

func (s *Server) fault(id int) NodeFault {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.faults[id]
}

func (s *Server) nodeEndpoint(id int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%s/node/%d", s.publicURL, id)
}

// Auth exposes the token service, mostly for tests and the token command.
func (s *Server) Auth() *AuthService {
	return s.auth
}

// Handler builds the echo instance with every route registered.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M")) // set maximum allowed size for a request body to 2M
	e.Use(s.statsdMiddleware)

	e.GET("/ping", s.Ping)
	e.POST("/token", s.IssueToken)
	e.POST("/coordinator", s.Coordinator)
	e.POST("/metadata", s.Metadata)
	e.POST("/node/:id", s.Node, s.nodeFaultMiddleware)
	return e
}

func (s *Server) StartServer() error {
	e := s.Handler()
	e.Logger.SetLevel(log.DEBUG)
	e.Use(middleware.Logger())
	limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{Rate: 5, Burst: 30, ExpiresIn: 5 * time.Minute},
	)
	e.Use(middleware.RateLimiter(limiterStore))
	s.logger.WithFields(logrus.Fields{
		"port":      s.port,
		"nodes":     s.nodes,
		"threshold": s.threshold,
	}).Info("Starting share network")
	return e.Start(fmt.Sprintf(":%d", s.port))
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "Share network is running")
}

// IssueToken is the custom verifier: it signs an id-token for an email.
func (s *Server) IssueToken(c echo.Context) error {
	var req types.IssueTokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "fail to parse request"})
	}
	if err := req.IsValid(); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	token, err := s.auth.GenerateToken(req.Email)
	if err != nil {
		s.logger.Errorf("fail to generate token, err: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, types.IssueTokenResponse{IDToken: token})
}

func (s *Server) nodeID(c echo.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 1 || id > s.nodes {
		return 0, fmt.Errorf("unknown node %q", c.Param("id"))
	}
	return id, nil
}
