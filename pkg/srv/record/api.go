/*
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     https://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package record

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"jinr.ru/greenlab/go-stmux/pkg/config"
	"jinr.ru/greenlab/go-stmux/pkg/log"
)

const (
	ApiPort = 8401
)

type PersistRequest struct {
	Dir        string `json:"dir"`
	FilePrefix string `json:"file_prefix"`
}

type PersistResponse struct {
	File string `json:"file"`
}

type StatusResponse struct {
	CurrentFile string           `json:"current_file"`
	Sessions    []*SessionRecord `json:"sessions"`
}

type ApiServer struct {
	context.Context
	*config.Config
	*mux.Router
	recordServer *RecordServer
}

func NewApiServer(ctx context.Context, cfg *config.Config, recordServer *RecordServer) *ApiServer {
	log.Debug("Initializing record API server with address: %s port: %d", cfg.IP, ApiPort)
	s := &ApiServer{
		Context:      ctx,
		Config:       cfg,
		Router:       mux.NewRouter(),
		recordServer: recordServer,
	}
	s.configureRouter()
	return s
}

func (s *ApiServer) configureRouter() {
	api := s.Router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/persist", s.handlePersist()).Methods("POST")
	api.HandleFunc("/flush", s.handleFlush()).Methods("GET")
	api.HandleFunc("/status", s.handleStatus()).Methods("GET")
}

func (s *ApiServer) handlePersist() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &PersistRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, err := s.recordServer.Persist(req.Dir, req.FilePrefix)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&PersistResponse{File: file})
	}
}

func (s *ApiServer) handleFlush() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.recordServer.Flush()
		w.WriteHeader(http.StatusOK)
	}
}

func (s *ApiServer) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := s.recordServer.Sessions()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&StatusResponse{
			CurrentFile: s.recordServer.CurrentFile(),
			Sessions:    sessions,
		})
	}
}

func (s *ApiServer) Run() error {
	addr := fmt.Sprintf("%s:%d", s.Config.IP, ApiPort)
	log.Info("Starting record API server on: %s", addr)
	httpServer := &http.Server{
		Handler: handlers.CombinedLoggingHandler(os.Stdout, s.Router),
		Addr:    addr,
	}
	return httpServer.ListenAndServe()
}
