package main

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/austindbirch/dbip_updater/internal/auth"
	"github.com/austindbirch/dbip_updater/internal/config"
	"github.com/austindbirch/dbip_updater/internal/logging"
)

type JWKSResponse struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// tokenServer mints super-user tokens for the settings API.
type tokenServer struct {
	key    *rsa.PrivateKey
	signer *auth.Signer
	pubPEM string
	logger *logging.Logger
}

func newTokenServer(cfg config.TokenServer, logger *logging.Logger) (*tokenServer, error) {
	key, err := auth.LoadOrGeneratePrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	pub, err := auth.PublicKeyPEM(key)
	if err != nil {
		return nil, err
	}
	return &tokenServer{
		key:    key,
		signer: auth.NewSigner(key, cfg.Issuer, cfg.Audience, cfg.TokenTTL),
		pubPEM: pub,
		logger: logger,
	}, nil
}

func (s *tokenServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", s.jwksHandler)
	mux.HandleFunc("GET /public-key", s.publicKeyHandler)
	mux.HandleFunc("POST /token", s.createTokenHandler)
	mux.HandleFunc("GET /healthz", healthHandler)
	return mux
}

// jwksHandler serves the signing key in JWK form
func (s *tokenServer) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	pub := s.key.PublicKey
	jwk := JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: auth.KeyID,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWK{jwk}})
}

// publicKeyHandler serves the PEM file dbipupdater reads from JWT_PUBLIC_KEY_PATH
func (s *tokenServer) publicKeyHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write([]byte(s.pubPEM))
}

func (s *tokenServer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}

	token, exp, err := s.signer.Sign(req.Subject, auth.RoleSuperUser)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("Failed to sign token")
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	s.logger.WithContext(r.Context()).WithField("subject", req.Subject).Info("Issued token")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      token,
		"expires_at": exp.UTC().Format(time.RFC3339),
		"token_type": "Bearer",
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	_ = config.LoadDotEnv(".env")
	cfg := config.FromEnv().TokenServer
	logger := logging.New("token-server")

	srv, err := newTokenServer(cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to load signing key")
	}
	if cfg.PrivateKeyPEM == "" {
		logger.Plain().Warn("JWT_PRIVATE_KEY not set, generated an ephemeral key")
	}

	logger.Plain().WithField("addr", cfg.Port).Info("token-server listening")
	if err := http.ListenAndServe(cfg.Port, srv.routes()); err != nil {
		logger.Plain().WithError(err).Fatal("token-server stopped")
	}
}
