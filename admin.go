package satchel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

const adminMaxBodySize = 10 * 1024 * 1024

// NewAdminHandler builds the administrative HTTP API: stats, seeding,
// reset, the integrity log, snapshots, migrations, and live policy swaps.
// Callers mount it behind their own auth; the default engine listener binds
// to loopback only.
func NewAdminHandler(eng *Engine) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/admin/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, eng.Stats(r.Context()))
	})

	mux.HandleFunc("/admin/seed", func(w http.ResponseWriter, r *http.Request) {
		handleSeed(eng, w, r)
	})

	mux.HandleFunc("/admin/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := eng.Reset(r.Context()); err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/admin/integrity-log", func(w http.ResponseWriter, r *http.Request) {
		handleIntegrityLog(eng, w, r)
	})

	mux.HandleFunc("/admin/scan", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		report, err := eng.Monitor().Scan(r.Context())
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, report)
	})

	mux.HandleFunc("/admin/backup", func(w http.ResponseWriter, r *http.Request) {
		handleBackup(eng, w, r)
	})

	mux.HandleFunc("/admin/restore", func(w http.ResponseWriter, r *http.Request) {
		handleRestore(eng, w, r)
	})

	mux.HandleFunc("/admin/migrations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		migrations, err := eng.Migrations(r.Context())
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, migrations)
	})

	mux.HandleFunc("/admin/policy", func(w http.ResponseWriter, r *http.Request) {
		handlePolicy(eng, w, r)
	})

	if eng.proxy != nil {
		mux.HandleFunc("/cache/commands", eng.proxy.CommandHandler())
		mux.Handle("/proxy/", http.StripPrefix("/proxy", eng.proxy))
	}

	return mux
}

type seedRequest struct {
	Partition Partition           `json:"partition"`
	Documents map[string]Document `json:"documents"`
}

func handleSeed(eng *Engine, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, adminMaxBodySize)

	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Partition == "" {
		writeError(w, "partition is required", http.StatusBadRequest)
		return
	}

	seeded, err := eng.Seed(r.Context(), req.Partition, req.Documents)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"seeded": seeded})
}

func handleIntegrityLog(eng *Engine, w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeError(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		writeJSON(w, eng.IntegrityLog().Recent(limit))

	case http.MethodDelete:
		if err := eng.IntegrityLog().Clear(r.Context()); err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func handleBackup(eng *Engine, w http.ResponseWriter, r *http.Request) {
	if eng.Backup() == nil {
		writeError(w, "backups not configured", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, eng.Backup().List())

	case http.MethodPost:
		result, err := eng.Backup().Create(r.Context())
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, result.Record)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func handleRestore(eng *Engine, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if eng.Backup() == nil {
		writeError(w, "backups not configured", http.StatusServiceUnavailable)
		return
	}

	id := r.URL.Query().Get("id")
	var err error
	if id == "" {
		err = eng.Backup().RestoreLatest(r.Context())
	} else {
		err = eng.Backup().Restore(r.Context(), id)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrBackupCorrupted) {
			status = http.StatusConflict
		}
		writeError(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handlePolicy(eng *Engine, w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, eng.Policies().Snapshot())

	case http.MethodPut:
		r.Body = http.MaxBytesReader(w, r.Body, adminMaxBodySize)
		var policies map[Partition]CachePolicy
		if err := json.NewDecoder(r.Body).Decode(&policies); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		eng.Policies().Swap(policies)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
