package infra

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

const executablePollInterval = 5 * time.Second

// MonitorExecutable signals on the returned channel when the running binary
// is replaced on disk, which is how deployments roll the process. The channel
// is closed once the signal fires or the context ends.
func MonitorExecutable(ctx context.Context) <-chan struct{} {
	changed := make(chan struct{})
	go func() {
		defer close(changed)

		path, err := os.Executable()
		if err != nil {
			log.WithError(err).Warn("cant resolve executable path")
			return
		}
		info, err := os.Stat(path)
		if err != nil {
			log.WithError(err).Warn("cant stat executable")
			return
		}
		seen := info.ModTime()

		ticker := time.NewTicker(executablePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					log.WithError(err).Warn("cant stat executable")
					continue
				}
				if !info.ModTime().Equal(seen) {
					changed <- struct{}{}
					return
				}
			}
		}
	}()
	return changed
}
