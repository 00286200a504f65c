package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError classifies err via apierr and writes the fixed status/body
// mapping. Unclassified errors are reported as internal.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Wrap(apierr.KindInternal, "unclassified failure", err)
	}
	if s.metricsReg != nil {
		s.metricsReg.RecordError()
	}
	s.logger.Debug("api: request failed", zap.String("kind", string(apiErr.Kind)), zap.Error(err))
	writeJSON(w, apiErr.Kind.HTTPStatus(), apiErr.ToBody())
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, apierr.KindValidation.HTTPStatus(), apierr.New(apierr.KindValidation, message).ToBody())
}
