// Package proxy is the loopback signing proxy: the only process surface
// with access to the active service's private key. The agent subprocess
// reaches it over 127.0.0.1 with a per-run bearer token and never
// touches key material.
package proxy

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/itskum47/MechForge/ipfs"
	"github.com/itskum47/MechForge/observability"
	"github.com/itskum47/MechForge/pkg/logger"
)

// Signer is the key surface the proxy exposes over HTTP.
type Signer interface {
	Address() common.Address
	SignMessage(msg []byte) ([]byte, error)
	SignTypedData(data apitypes.TypedData) ([]byte, error)
}

// ContentStore is the IPFS surface behind /ipfs-put and /ipfs-get.
type ContentStore interface {
	Put(ctx context.Context, content []byte) (ipfs.PutResult, error)
	Get(ctx context.Context, digestHex string) ([]byte, error)
}

// DispatchParams is the body of POST /dispatch: new marketplace
// requests to post through the service Safe.
type DispatchParams struct {
	Prompts          []string          `json:"prompts"`
	Tools            []string          `json:"tools"`
	IPFSJSONContents []json.RawMessage `json:"ipfsJsonContents"`
	PostOnly         bool              `json:"postOnly"`
	ResponseTimeout  int64             `json:"responseTimeout"`
}

// Dispatcher posts marketplace requests on behalf of the agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, params DispatchParams) ([]string, error)
}

// Server is the loopback HTTP server. Start binds an ephemeral port;
// URL and Token are injected into the agent's environment.
type Server struct {
	signer     Signer
	store      ContentStore
	dispatcher Dispatcher
	log        *logger.Logger

	token string
	ln    net.Listener
	srv   *http.Server
}

// NewServer builds a proxy with a fresh random bearer token. dispatcher
// may be nil; /dispatch then answers DISPATCH_FAILED.
func NewServer(signer Signer, store ContentStore, dispatcher Dispatcher, log *logger.Logger) (*Server, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("generate proxy token: %w", err)
	}
	if log == nil {
		log = logger.New("proxy")
	}
	return &Server{
		signer:     signer,
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		token:      hex.EncodeToString(raw[:]),
	}, nil
}

// Token returns the bearer token agents must present.
func (s *Server) Token() string { return s.token }

// URL returns the base URL once Start has bound the port.
func (s *Server) URL() string {
	if s.ln == nil {
		return ""
	}
	return "http://" + s.ln.Addr().String()
}

// Start binds 127.0.0.1 on an ephemeral port and serves in the
// background until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind signing proxy: %w", err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/address", s.route("address", s.handleAddress))
	mux.HandleFunc("/sign", s.route("sign", s.handleSign))
	mux.HandleFunc("/sign-raw", s.route("sign-raw", s.handleSignRaw))
	mux.HandleFunc("/sign-typed-data", s.route("sign-typed-data", s.handleSignTypedData))
	mux.HandleFunc("/dispatch", s.route("dispatch", s.handleDispatch))
	mux.HandleFunc("/ipfs-put", s.route("ipfs-put", s.handleIPFSPut))
	mux.HandleFunc("/ipfs-get", s.route("ipfs-get", s.handleIPFSGet))

	s.srv = &http.Server{Handler: mux}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("signing proxy stopped")
		}
	}()
	s.log.WithField("url", s.URL()).Info("signing proxy listening")
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// route wraps a handler with bearer auth and the per-route metric.
func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		if !s.authorized(r) {
			writeError(rec, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid bearer token")
		} else {
			h(rec, r)
		}
		observability.ProxyRequests.WithLabelValues(name, strconv.Itoa(rec.code)).Inc()
	}
}

func (s *Server) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.token)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, CodeBadRequest, "use GET")
		return
	}
	writeData(w, map[string]string{"address": strings.ToLower(s.signer.Address().Hex())})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.signAndReply(w, []byte(body.Message))
}

func (s *Server) handleSignRaw(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	raw, err := hexutil.Decode(body.Message)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "message must be 0x-prefixed hex")
		return
	}
	s.signAndReply(w, raw)
}

func (s *Server) signAndReply(w http.ResponseWriter, msg []byte) {
	sig, err := s.signer.SignMessage(msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeSignFailed, err.Error())
		return
	}
	writeData(w, map[string]string{
		"signature": hexutil.Encode(sig),
		"address":   strings.ToLower(s.signer.Address().Hex()),
	})
}

func (s *Server) handleSignTypedData(w http.ResponseWriter, r *http.Request) {
	var typed apitypes.TypedData
	if !decodePost(w, r, &typed) {
		return
	}
	sig, err := s.signer.SignTypedData(typed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeSignFailed, err.Error())
		return
	}
	writeData(w, map[string]string{
		"signature": hexutil.Encode(sig),
		"address":   strings.ToLower(s.signer.Address().Hex()),
	})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var params DispatchParams
	if !decodePost(w, r, &params) {
		return
	}
	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, CodeDispatchFailed, "dispatch not configured")
		return
	}
	ids, err := s.dispatcher.Dispatch(r.Context(), params)
	if err != nil {
		// A failed dispatch must not take the proxy down with it.
		s.log.WithError(err).Warn("dispatch failed")
		writeError(w, http.StatusBadGateway, CodeDispatchFailed, err.Error())
		return
	}
	writeData(w, map[string][]string{"request_ids": ids})
}

func (s *Server) handleIPFSPut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, CodeBadRequest, "use POST")
		return
	}
	content, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "read body")
		return
	}
	if !json.Valid(content) {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "body must be JSON")
		return
	}
	result, err := s.store.Put(r.Context(), content)
	if err != nil {
		writeError(w, http.StatusBadGateway, CodeIPFSFailed, err.Error())
		return
	}
	writeData(w, result)
}

func (s *Server) handleIPFSGet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DigestHex string `json:"digestHex"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	content, err := s.store.Get(r.Context(), body.DigestHex)
	if errors.Is(err, ipfs.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, "content not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, CodeIPFSFailed, err.Error())
		return
	}
	writeData(w, map[string]json.RawMessage{"content": content})
}

func decodePost(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, CodeBadRequest, "use POST")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeData(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Envelope{Data: data, Meta: Meta{OK: true}})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Meta: Meta{Code: code, Message: message}})
}
