// Package sandbox is an in-memory stand-in for the tax authority. It speaks
// the same protocol as the real service and can be told to reject, fail or
// delay requests so certification runs can be rehearsed locally.
package sandbox

import (
	"net/http"
	"sync"
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/sii"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const (
	defaultTokenTTL = 10 * time.Minute
	seedTTL         = 2 * time.Minute
	maxBodyBytes    = 8 << 20
	serviceName     = "dte-sandbox"
)

// Submission is an upload the sandbox has received
type Submission struct {
	TrackID      string
	EmitterRUT   string
	SenderRUT    string
	DocumentType int
	Folio        int64
	ReceivedAt   time.Time
	Polls        int
	Estado       string
	Errors       []sii.StatusDetail
}

type folioKey struct {
	emitter string
	docType int
	folio   int64
}

type rangeKey struct {
	emitter string
	docType int
}

type folioGrant struct {
	emitter string
	docType int
	from    int64
	to      int64
	at      time.Time
}

// Server holds the sandbox state. All methods are safe for concurrent use.
type Server struct {
	clock    shared.Clock
	logger   *zap.Logger
	tokenTTL time.Duration

	mu                sync.Mutex
	latency           time.Duration
	seeds             map[string]time.Time
	tokens            map[string]time.Time
	submissions       map[string]*Submission
	uploaded          map[folioKey]string
	nextTrackID       int64
	rejectFolios      map[int64]string
	failUploads       int
	failStatus        int
	omitTrackID       bool
	pollsBeforeAccept int
	grants            map[string]*folioGrant
	nextGrant         map[rangeKey]int64
	nextRequestID     int
}

// Option configures a Server
type Option func(*Server)

// WithClock sets the clock used for seeds, tokens and timestamps
func WithClock(c shared.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithLogger sets the access and event logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithTokenTTL sets how long issued tokens stay valid
func WithTokenTTL(d time.Duration) Option {
	return func(s *Server) {
		s.tokenTTL = d
	}
}

// WithResponseDelay delays every response
func WithResponseDelay(d time.Duration) Option {
	return func(s *Server) {
		s.latency = d
	}
}

// New creates an empty sandbox
func New(opts ...Option) *Server {
	s := &Server{
		clock:        shared.SystemClock{},
		logger:       zap.NewNop(),
		tokenTTL:     defaultTokenTTL,
		seeds:        make(map[string]time.Time),
		tokens:       make(map[string]time.Time),
		submissions:  make(map[string]*Submission),
		uploaded:     make(map[folioKey]string),
		nextTrackID:  1000,
		rejectFolios: make(map[int64]string),
		grants:       make(map[string]*folioGrant),
		nextGrant:    make(map[rangeKey]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes of the sandbox
func (s *Server) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware(serviceName), requestID(), accessLog(s.logger), bodyLimit(maxBodyBytes), s.delay())

	engine.GET(sii.PathPing, s.handlePing)
	engine.GET(sii.PathSeed, s.handleSeed)
	engine.POST(sii.PathToken, s.handleToken)

	authed := engine.Group("/api/v1", s.requireToken())
	authed.POST("/dte/upload", s.handleUpload)
	authed.GET("/dte/status/:trackID", s.handleStatus)
	authed.POST("/folios/requests", s.handleFolioRequest)
	authed.GET("/folios/requests/:requestID/caf", s.handleCAF)
	return engine
}

// RejectFolio makes the authority reject any upload of folio with reason
func (s *Server) RejectFolio(folio int64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectFolios[folio] = reason
}

// FailUploads makes the next n uploads answer 503
func (s *Server) FailUploads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUploads = n
}

// FailStatusQueries makes the next n status queries answer 503
func (s *Server) FailStatusQueries(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = n
}

// OmitTrackID makes uploads succeed without returning a trk_id
func (s *Server) OmitTrackID(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitTrackID = omit
}

// SetPollsBeforeAccept keeps submissions in process for n status queries
func (s *Server) SetPollsBeforeAccept(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollsBeforeAccept = n
}

// SetResponseDelay changes the latency added to every response
func (s *Server) SetResponseDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// ExpireTokens invalidates every issued session token
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.tokens)
}

// Submission returns a copy of the upload registered under trackID
func (s *Server) Submission(trackID string) (Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[trackID]
	if !ok {
		return Submission{}, false
	}
	out := *sub
	out.Errors = append([]sii.StatusDetail(nil), sub.Errors...)
	return out, true
}

// SubmissionCount returns how many uploads were accepted for processing
func (s *Server) SubmissionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submissions)
}

func (s *Server) responseDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

func (s *Server) validToken(value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.tokens[value]
	return ok && s.clock.Now().Before(expires)
}
