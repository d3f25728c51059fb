package logchain

import (
	"context"
	"log/slog"
	"time"
)

// RunBackups writes a VACUUM INTO snapshot of the store to path every
// interval until ctx is cancelled. Snapshots are sealed standalone copies;
// consumers must not write to them.
func RunBackups(ctx context.Context, st Store, path string, interval time.Duration, log *slog.Logger) {
	if path == "" || interval <= 0 {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := st.Backup(ctx, path); err != nil {
				log.Error("backup failed", "path", path, "err", err)
				continue
			}
			log.Info("backup written", "path", path, "duration", time.Since(start))
		}
	}
}
