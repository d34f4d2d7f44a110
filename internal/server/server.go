// Package server exposes the keyfold HTTP JSON API. Every response is
// signed with the server's own signature key pair, and every
// authenticated request is verified against the caller's stored
// signature public key, giving mutual authentication independent of
// transport-layer trust.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"keyfold/go-backend/internal/authn"
	"keyfold/go-backend/internal/config"
	"keyfold/go-backend/internal/crypto"
	"keyfold/go-backend/internal/platform/ratelimit"
	"keyfold/go-backend/internal/server/store"
	"keyfold/go-backend/pkg/api"
)

const maxBodyBytes = 1 << 20

type Server struct {
	cfg        config.Server
	store      *store.Store
	log        *slog.Logger
	limiter    *ratelimit.PerUser
	metrics    *metrics
	mux        *http.ServeMux
	signPublic []byte
	signSecret ed25519.PrivateKey
	now        func() time.Time
}

func New(cfg config.Server, st *store.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	publicKey, err := crypto.DecodeKey(cfg.Signature.PublicKey)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return nil, errors.New("server: invalid signature public key in config")
	}
	privateKey, err := crypto.DecodeKey(cfg.Signature.PrivateKey)
	if err != nil || len(privateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("server: invalid signature private key in config")
	}
	s := &Server{
		cfg:        cfg,
		store:      st,
		log:        logger,
		limiter:    ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, 10*time.Minute),
		metrics:    newMetrics(),
		signPublic: publicKey,
		signSecret: privateKey,
		now:        time.Now,
	}
	s.metrics.trackLimiterUsers(func() float64 { return float64(s.limiter.Len()) })
	s.routes()
	return s, nil
}

// session carries what the auth middleware learned about the caller.
type session struct {
	userID   string
	identity store.IdentityRecord // zero unless the route is signed
	body     []byte
}

type handlerFunc func(r *http.Request, sess *session) (status int, body any, err error)

type authMode int

const (
	authNone   authMode = iota // anyone, no headers required
	authPublic                 // user id + timestamp, replay window only
	authSigned                 // full signature verification
)

func (s *Server) routes() {
	s.mux = http.NewServeMux()
	s.mux.Handle("GET /metrics", s.metrics.handler())
	s.mux.Handle("POST /signup", s.handle(authPublic, s.postSignup))
	s.mux.Handle("GET /login", s.handle(authPublic, s.getLogin))
	s.mux.Handle("GET /keychain", s.handle(authSigned, s.getKeychain))
	s.mux.Handle("POST /keychain", s.handle(authSigned, s.postKeychain))
	s.mux.Handle("POST /shared-keys", s.handle(authSigned, s.postSharedKey))
	s.mux.Handle("GET /shared-keys/incoming", s.handle(authSigned, s.getIncomingSharedKeys))
	s.mux.Handle("GET /shared-keys/outgoing", s.handle(authSigned, s.getOutgoingSharedKeys))
	s.mux.Handle("POST /permissions", s.handle(authSigned, s.postPermission))
	s.mux.Handle("POST /ban", s.handle(authSigned, s.postBan))
	s.mux.Handle("GET /identity/{userId}", s.handle(authNone, s.getIdentity))
	s.mux.Handle("GET /identities/{userIds}", s.handle(authNone, s.getIdentities))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("keyfold server listening", "addr", s.cfg.ListenAddr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// canonicalURL rebuilds the absolute URL that signatures bind.
func (s *Server) canonicalURL(r *http.Request) string {
	return s.cfg.DeploymentURL + r.URL.RequestURI()
}

func (s *Server) handle(mode authMode, next handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := s.now()
		sess := &session{userID: r.Header.Get(api.HeaderUserID)}

		rateKey := sess.userID
		if rateKey == "" {
			rateKey, _, _ = net.SplitHostPort(r.RemoteAddr)
		}
		if !s.limiter.Allow(rateKey, now) {
			s.metrics.rateLimited.Inc()
			s.fail(w, r, sess, &api.Error{StatusCode: http.StatusTooManyRequests,
				Title: "Too Many Requests", Message: "Rate limit exceeded"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.fail(w, r, sess, &api.Error{StatusCode: http.StatusBadRequest,
				Title: "Bad Request", Message: "Could not read request body"})
			return
		}
		sess.body = body

		if mode != authNone {
			if apiErr := s.authenticate(r, sess, mode, now); apiErr != nil {
				s.metrics.authFailures.Inc()
				s.fail(w, r, sess, apiErr)
				return
			}
		}

		status, respBody, err := next(r, sess)
		if err != nil {
			var apiErr *api.Error
			if !errors.As(err, &apiErr) {
				s.log.Error("handler failed", "route", r.URL.Path, "error", err)
				apiErr = &api.Error{StatusCode: http.StatusInternalServerError,
					Title: "Internal Server Error", Message: "Something went wrong"}
			}
			s.fail(w, r, sess, apiErr)
			return
		}
		s.respond(w, r, sess, status, respBody)
	})
}

func (s *Server) authenticate(r *http.Request, sess *session, mode authMode, now time.Time) *api.Error {
	if sess.userID == "" {
		return &api.Error{StatusCode: http.StatusBadRequest, Title: "Bad Request",
			Message: fmt.Sprintf("Missing %s header", api.HeaderUserID)}
	}
	timestamp := r.Header.Get(api.HeaderTimestamp)
	if timestamp == "" {
		return &api.Error{StatusCode: http.StatusBadRequest, Title: "Bad Request",
			Message: fmt.Sprintf("Missing %s header", api.HeaderTimestamp)}
	}
	if err := authn.CheckTimestamp(timestamp, now); err != nil {
		return &api.Error{StatusCode: http.StatusForbidden, Title: "Forbidden",
			Message: "Request timestamp is too far off current time"}
	}
	if mode == authPublic {
		return nil
	}

	// Never trust a client-supplied key for verification: the stored
	// signature public key is authoritative.
	identity, err := s.store.GetIdentity(r.Context(), sess.userID)
	if err != nil {
		return &api.Error{StatusCode: http.StatusUnauthorized, Title: "Unauthorized",
			Message: "Unknown user identity"}
	}
	publicKey, err := crypto.DecodeKey(identity.SignaturePublicKey)
	if err != nil {
		return &api.Error{StatusCode: http.StatusInternalServerError,
			Title: "Internal Server Error", Message: "Corrupted identity record"}
	}
	if err := authn.VerifyRequest(r.Header, publicKey, r.Method, s.canonicalURL(r), sess.body, now); err != nil {
		s.log.Warn("request signature rejected", "userId", sess.userID,
			"route", r.URL.Path, "error", err)
		return &api.Error{StatusCode: http.StatusUnauthorized, Title: "Unauthorized",
			Message: "Invalid request signature"}
	}
	sess.identity = identity
	return nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, sess *session, apiErr *api.Error) {
	s.respond(w, r, sess, apiErr.StatusCode, apiErr)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, sess *session, status int, body any) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			s.log.Error("response marshalling failed", "error", err)
			status = http.StatusInternalServerError
			payload = nil
		}
	}
	authn.SignResponse(w.Header(), s.signSecret, s.signPublic,
		sess.userID, sess.identity.SignaturePublicKey,
		r.Method, s.canonicalURL(r), payload, s.now())
	if payload != nil {
		w.Header().Set("content-type", "application/json")
	}
	w.WriteHeader(status)
	if payload != nil {
		w.Write(payload)
	}
	s.metrics.observe(routePattern(r), status)
}

func routePattern(r *http.Request) string {
	if p := r.Pattern; p != "" {
		return p
	}
	return r.Method + " " + r.URL.Path
}
