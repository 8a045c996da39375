package handlers

import (
	"net/http"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/whatsapp"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
)

const qrImageSize = 256

// SessionReader is the read side of the session registry.
type SessionReader interface {
	Get(id string) (whatsapp.Session, bool)
	List() []whatsapp.Summary
}

type SessionHandler struct {
	sessions SessionReader
	qrTTL    time.Duration
	now      func() time.Time
}

func NewSessionHandler(sessions SessionReader, qrTTL time.Duration) *SessionHandler {
	if qrTTL <= 0 {
		qrTTL = whatsapp.DefaultQRTTL
	}
	return &SessionHandler{sessions: sessions, qrTTL: qrTTL, now: time.Now}
}

// List returns every supervised session with its readiness.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List()
	ready := 0
	for _, s := range list {
		if s.Ready {
			ready++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": list,
		"total":    len(list),
		"ready":    ready,
	})
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, whatsapp.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"session": s.Summary(),
	})
}

// QR returns the pending QR code as the raw token, a PNG data URL, or an SVG document.
func (h *SessionHandler) QR(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s, ok := h.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, whatsapp.ErrSessionNotFound.Error())
		return
	}
	if s.PendingQR == "" {
		writeError(w, http.StatusNotFound, "no QR code pending for this session")
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "png"
	}

	var (
		code string
		err  error
	)
	switch format {
	case "raw":
		code = s.PendingQR
	case "png":
		code, err = whatsapp.QRPNGDataURL(s.PendingQR, qrImageSize)
	case "svg":
		code, err = whatsapp.QRSVG(s.PendingQR, qrImageSize)
	default:
		writeError(w, http.StatusBadRequest, "format must be raw, png or svg")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("instance_id", id).Msg("failed to render QR code")
		writeError(w, http.StatusInternalServerError, "failed to render QR code")
		return
	}

	expiresAt := s.QRIssuedAt.Add(h.qrTTL)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"id":         id,
		"state":      s.State,
		"format":     format,
		"qr_code":    code,
		"issued_at":  s.QRIssuedAt,
		"expires_at": expiresAt,
		"expired":    s.QRExpired(h.now(), h.qrTTL),
	})
}
