package proxy

import (
	"encoding/json"
	"net/http"
)

// writeProviderError synthesizes a provider-shaped error body so client SDKs
// degrade the way they would against the real upstream, rather than seeing
// an opaque gateway error.
func writeProviderError(w http.ResponseWriter, provider string, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	switch provider {
	case "anthropic":
		json.NewEncoder(w).Encode(map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    errType,
				"message": message,
			},
		})
	case "google":
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    status,
				"message": message,
				"status":  errType,
			},
		})
	default: // openai and unrecognized providers share OpenAI's shape
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"message": message,
				"type":    errType,
			},
		})
	}
}

// StatusForKind maps this package's and its collaborators' error kinds to
// the stable HTTP status the error taxonomy assigns them.
func StatusForKind(kind string) int {
	switch kind {
	case "invalid_input":
		return http.StatusBadRequest
	case "policy_blocked":
		return http.StatusUnavailableForLegalReasons // 451
	case "forbidden":
		return http.StatusForbidden
	case "token_handle_missing":
		return http.StatusGone
	case "detector_timeout":
		return http.StatusInternalServerError
	case "backend_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway // UpstreamError default
	}
}
