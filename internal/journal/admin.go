package journal

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts the journal's debug pages on mux: live SQL via
// tailsql and a JSON session listing.
func (j *Journal) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+j.path, j.DB, &tailsql.DBOptions{
		Label: "Cluster journal",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("sessions", "Cluster sessions (JSON; ?limit=N, ?id=UUID)", j.SessionsHandler())
}

// SessionsHandler serves the session list, or one session with ?id=.
func (j *Journal) SessionsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var body interface{}
		if raw := r.URL.Query().Get("id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("bad id: %v", err))
				return
			}
			s, err := j.Session(id)
			if err != nil {
				writeJSONError(w, http.StatusNotFound, err.Error())
				return
			}
			body = s
		} else {
			limit := 50
			if raw := r.URL.Query().Get("limit"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil {
					writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("bad limit: %v", err))
					return
				}
				limit = n
			}
			sessions, err := j.ListSessions(limit)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if sessions == nil {
				sessions = []Session{}
			}
			body = sessions
		}

		writeJSON(w, http.StatusOK, body)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logf("failed to encode json response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
