package hookrelay

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/hookrelay/storage"
)

// SecretFunc returns the signing secret for the sender of r. Returning an
// error wrapping storage.ErrNotFound yields 404.
type SecretFunc func(r *http.Request) (string, error)

// RequireSignature verifies the Signature header against the raw request body
// before calling next. The body is handed to next unchanged.
func RequireSignature(secretFor SecretFunc, opts ...ReceiverOption) func(http.Handler) http.Handler {
	options := &receiverOptions{
		maxSkew:      DefaultMaxSkew,
		maxBodyBytes: defaultMaxBodyBytes,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret, err := secretFor(r)
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "unknown sender", http.StatusNotFound)
				return
			}
			if err != nil {
				options.logger.Error("Failed to look up signing secret", zap.Error(err))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, options.maxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
					return
				}
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}

			if err := VerifySignature(body, r.Header.Get(SignatureHeader), secret, options.now(), options.maxSkew); err != nil {
				options.logger.Warn("Rejected webhook", zap.String("reason", err.Error()))
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
