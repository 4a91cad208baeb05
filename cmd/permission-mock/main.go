// Command permission-mock serves GET /permissions/check from a JSON policy
// file so the API can run with PERMISSION_MODE=http locally.
//
// The file maps reviewer ids to the actions they may perform; "*" applies to
// every reviewer:
//
//	{"*": ["add", "change"], "moderator": ["add", "change", "remove"]}
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"slices"

	"github.com/Clark-Hu/rateable/internal/logging"
)

type policy map[string][]string

func (p policy) allows(reviewer, action string) bool {
	return slices.Contains(p[reviewer], action) || slices.Contains(p["*"], action)
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func main() {
	var (
		port     = flag.String("port", "9099", "port to listen on")
		data     = flag.String("data", "mock-permissions.json", "path to policy file")
		apiKey   = flag.String("api-key", "", "require this X-API-Key when set")
		logLevel = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger := logging.Init(*logLevel, "text")

	file, err := os.ReadFile(*data)
	if err != nil {
		logger.Error("read policy file", "error", err)
		os.Exit(1)
	}

	var rules policy
	if err := json.Unmarshal(file, &rules); err != nil {
		logger.Error("parse policy file", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /permissions/check", func(w http.ResponseWriter, r *http.Request) {
		if *apiKey != "" && r.Header.Get("X-API-Key") != *apiKey {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		reviewer, action := q.Get("reviewer"), q.Get("action")
		if reviewer == "" || action == "" || q.Get("kind") == "" || q.Get("id") == "" {
			http.Error(w, "reviewer, kind, id and action are required", http.StatusBadRequest)
			return
		}

		resp := checkResponse{Allowed: rules.allows(reviewer, action)}
		if !resp.Allowed {
			resp.Reason = "no matching policy"
		}
		logger.Debug("permission check",
			"reviewer", reviewer, "action", action,
			"kind", q.Get("kind"), "id", q.Get("id"),
			"allowed", resp.Allowed, "request_id", r.Header.Get("X-Request-Id"))

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	addr := ":" + *port
	logger.Info("mock permission service listening", "addr", addr, "reviewers", len(rules))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
