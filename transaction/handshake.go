package transaction

import (
	"net/http"
	"strconv"
	"time"
)

// Config carries the per-transaction knobs that are sent to the server as
// handshake headers on every request within the transaction.
type Config struct {
	PortIdentifier    string
	UseCompression    bool
	RequestExpiration time.Duration
	BatchCount        int
	BatchSize         int64
	BatchDuration     time.Duration
}

// handshakeHeaders derives the x-nifi-site-to-site-* headers from cfg,
// including each only when its source value is present or positive.
func handshakeHeaders(cfg Config) http.Header {
	h := http.Header{}
	if cfg.UseCompression {
		h.Set("x-nifi-site-to-site-use-compression", "true")
	}
	if cfg.RequestExpiration > 0 {
		h.Set("x-nifi-site-to-site-request-expiration", strconv.FormatInt(cfg.RequestExpiration.Milliseconds(), 10))
	}
	if cfg.BatchCount > 0 {
		h.Set("x-nifi-site-to-site-batch-count", strconv.Itoa(cfg.BatchCount))
	}
	if cfg.BatchSize > 0 {
		h.Set("x-nifi-site-to-site-batch-size", strconv.FormatInt(cfg.BatchSize, 10))
	}
	if cfg.BatchDuration > 0 {
		h.Set("x-nifi-site-to-site-batch-duration", strconv.FormatInt(cfg.BatchDuration.Milliseconds(), 10))
	}
	return h
}
