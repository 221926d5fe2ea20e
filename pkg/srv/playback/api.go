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

package playback

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
	ApiPort = 8402
)

type PlayRequest struct {
	File string `json:"file"`
}

type StatusResponse struct {
	Playing     bool   `json:"playing"`
	CurrentFile string `json:"current_file"`
}

type ApiServer struct {
	context.Context
	*config.Config
	*mux.Router
	playbackServer *PlaybackServer
}

func NewApiServer(ctx context.Context, cfg *config.Config, playbackServer *PlaybackServer) *ApiServer {
	log.Debug("Initializing playback API server with address: %s port: %d", cfg.IP, ApiPort)
	s := &ApiServer{
		Context:        ctx,
		Config:         cfg,
		Router:         mux.NewRouter(),
		playbackServer: playbackServer,
	}
	s.configureRouter()
	return s
}

func (s *ApiServer) configureRouter() {
	api := s.Router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/play", s.handlePlay()).Methods("POST")
	api.HandleFunc("/status", s.handleStatus()).Methods("GET")
}

func (s *ApiServer) handlePlay() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &PlayRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.playbackServer.Play(req.File); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *ApiServer) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playing, file := s.playbackServer.Status()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&StatusResponse{
			Playing:     playing,
			CurrentFile: file,
		})
	}
}

func (s *ApiServer) Run() error {
	addr := fmt.Sprintf("%s:%d", s.Config.IP, ApiPort)
	log.Info("Starting playback API server on: %s", addr)
	httpServer := &http.Server{
		Handler: handlers.CombinedLoggingHandler(os.Stdout, s.Router),
		Addr:    addr,
	}
	return httpServer.ListenAndServe()
}
