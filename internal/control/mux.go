package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// MuxConfig holds dependencies for building the control HTTP mux.
type MuxConfig struct {
	Controller *Controller
	Logger     *slog.Logger
}

// settingsPatch is the PUT /settings body. Absent fields are left
// untouched, so a caller can flip one toggle without knowing the rest.
type settingsPatch struct {
	Enabled          *bool `json:"enabled"`
	AutoSync         *bool `json:"autoSync"`
	FrequencyMinutes *int  `json:"frequencyMinutes"`
	WifiOnly         *bool `json:"wifiOnly"`
}

// NewMux builds the localhost control API: status inspection, manual
// sync trigger, and settings updates.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", withMethod(http.MethodGet, handleStatus(cfg.Controller)))
	mux.HandleFunc("/sync", withMethod(http.MethodPost, handleSyncNow(cfg.Controller, cfg.Logger)))
	mux.HandleFunc("/settings", withMethod(http.MethodPut, handleSettings(cfg.Controller, cfg.Logger)))

	return mux
}

// withMethod restricts a handler to one HTTP method, answering 405 with
// an Allow header otherwise. ServeMux method patterns ("GET /status")
// would do this for us, but they need Go 1.22+.
func withMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)

			return
		}

		next(w, r)
	}
}

// handleStatus returns the current status snapshot as JSON.
func handleStatus(ctrl *Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.Status())
	}
}

// handleSyncNow requests an immediate cycle. The cycle runs in the
// background; 202 means accepted, not finished. Poll /status for the
// result.
func handleSyncNow(ctrl *Controller, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctrl.SyncNow()
		logger.Info("manual sync requested", slog.String("remote", r.RemoteAddr))

		writeJSON(w, http.StatusAccepted, ctrl.Status())
	}
}

// handleSettings applies a partial settings update.
func handleSettings(ctrl *Controller, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch settingsPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid settings body: %v", err))
			return
		}

		if err := applyPatch(ctrl, patch); err != nil {
			logger.Error("failed to apply settings", slog.Any("error", err))
			writeError(w, http.StatusUnprocessableEntity, err.Error())

			return
		}

		writeJSON(w, http.StatusOK, ctrl.Status())
	}
}

// applyPatch forwards each present field to the controller in order.
func applyPatch(ctrl *Controller, patch settingsPatch) error {
	if patch.Enabled != nil {
		if err := ctrl.SetEnabled(*patch.Enabled); err != nil {
			return fmt.Errorf("setting enabled: %w", err)
		}
	}

	if patch.AutoSync != nil {
		if err := ctrl.SetAutoSync(*patch.AutoSync); err != nil {
			return fmt.Errorf("setting auto-sync: %w", err)
		}
	}

	if patch.FrequencyMinutes != nil {
		if err := ctrl.SetFrequency(*patch.FrequencyMinutes); err != nil {
			return fmt.Errorf("setting frequency: %w", err)
		}
	}

	if patch.WifiOnly != nil {
		if err := ctrl.SetWifiOnly(*patch.WifiOnly); err != nil {
			return fmt.Errorf("setting wifi-only: %w", err)
		}
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
