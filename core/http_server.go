package core

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/JaytheSpazz/mod-md/log"
)

// HttpServer answers the CA's plain-HTTP challenge fetches out of the
// challenge store and exposes the status surface. It is started only after
// the first reconcile pass has finished, so a validator can never race a
// directory sweep.
type HttpServer struct {
	srv        *http.Server
	challenges *ChallengeStore
	driver     *Driver
}

func NewHttpServer(port int, challenges *ChallengeStore, driver *Driver) (*HttpServer, error) {
	s := &HttpServer{
		challenges: challenges,
		driver:     driver,
	}

	r := mux.NewRouter()
	s.srv = &http.Server{
		Handler:      r,
		Addr:         ":" + strconv.Itoa(port),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	r.HandleFunc("/.well-known/acme-challenge/{token}", s.handleChallenge).Methods("GET")
	r.HandleFunc("/md-status", s.handleStatus).Methods("GET")

	return s, nil
}

func (s *HttpServer) Start() {
	go s.srv.ListenAndServe()
}

func (s *HttpServer) Close() error {
	return s.srv.Close()
}

// Handler exposes the router for tests.
func (s *HttpServer) Handler() http.Handler {
	return s.srv.Handler
}

func (s *HttpServer) handleChallenge(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token := vars["token"]

	keyAuth, ok := s.challenges.ReadToken(token)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	log.Debug("http: served ACME key authorization for URL: %s", r.URL.Path)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write(keyAuth)
}

func (s *HttpServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.driver.Status())
}
