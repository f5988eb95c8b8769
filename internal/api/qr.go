package api

import (
	"net/http"
	"net/url"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"iattend/internal/session"
	"iattend/pkg/types"
)

const qrSize = 320 // readable from the back of a lecture hall

// submitURL is the student page a scanned code lands on, with the code prefilled
func submitURL(r *http.Request, s *types.Session) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	u := url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     "/student/submit/" + s.ID + "/",
		RawQuery: url.Values{"code": {s.Code}}.Encode(),
	}
	return u.String()
}

// handleSessionQR serves GET /api/sessions/:id/qr as a PNG for the owner's projector
func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller types.Caller) {
	sess, err := s.attendance.OwnedSession(r.Context(), caller, ps.ByName("id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	if !sess.IsActive() {
		s.sendDomainError(w, session.ErrSessionNotActive)
		return
	}

	png, err := qrcode.Encode(submitURL(r, sess), qrcode.Medium, qrSize)
	if err != nil {
		s.sendError(w, "QR generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}
