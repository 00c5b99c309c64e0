package keysource

import (
	"context"
	"log/slog"
	"os"
)

// wrapper is a key service that can mint a data key and unwrap a stored one.
type wrapper interface {
	unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
	generate(ctx context.Context) (plaintext, wrapped []byte, err error)
}

// envelope returns the data key kept wrapped in dekFile, minting and storing
// a new one when the file is missing or cannot be unwrapped. With no dekFile
// every process start mints a fresh key, which breaks chain continuity.
func envelope(ctx context.Context, w wrapper, dekFile, name string) ([]byte, error) {
	if dekFile != "" {
		if wrapped, err := os.ReadFile(dekFile); err == nil && len(wrapped) > 0 {
			key, err := w.unwrap(ctx, wrapped)
			if err == nil {
				return key, nil
			}
			slog.Warn("keysource: stored data key could not be unwrapped, minting a new one",
				"source", name, "file", dekFile, "error", err)
		}
	}

	key, wrapped, err := w.generate(ctx)
	if err != nil {
		return nil, err
	}
	if dekFile != "" && len(wrapped) > 0 {
		if err := os.WriteFile(dekFile, wrapped, 0o600); err != nil {
			slog.Warn("keysource: failed to store wrapped data key", "source", name, "file", dekFile, "error", err)
		}
	}
	return key, nil
}
