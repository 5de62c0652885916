package server

import (
	"net/http"
	"os"
	"time"

	"github.com/cyclopcam/alertbridge/pkg/buildinfo"
	"github.com/cyclopcam/alertbridge/pkg/www"
	"github.com/julienschmidt/httprouter"
)

type pingJSON struct {
	Greeting     string `json:"greeting"`
	Hostname     string `json:"hostname"`
	Time         int64  `json:"time"`
	Version      string `json:"version"`
	LiveSessions int    `json:"liveSessions"`
}

func (s *Server) httpSystemPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	hostname, _ := os.Hostname()
	www.SendJSON(w, &pingJSON{
		Greeting:     "alertbridge",
		Hostname:     hostname,
		Time:         time.Now().Unix(),
		Version:      buildinfo.Version,
		LiveSessions: s.broker.NumSessions(),
	})
}
