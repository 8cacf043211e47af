// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helperagent

import (
	"context"
	"io"
	"net/http"
	"time"
)

// DefaultPrestartDelay gives the web server time to start listening
// before the prestart requests go out.
const DefaultPrestartDelay = 2 * time.Second

const prestartTimeout = 5 * time.Minute

// prestart requests every prestart URL once so the pool spawns their
// applications ahead of real traffic. Failures are logged and
// otherwise ignored.
func (s *Server) prestart(ctx context.Context) {
	delay := s.prestartDelay
	if delay <= 0 {
		delay = DefaultPrestartDelay
	}
	select {
	case <-ctx.Done():
		return
	case <-s.clock.After(delay):
	}

	client := &http.Client{Timeout: prestartTimeout}
	for _, url := range s.prestartURLs {
		if url == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.prestartOne(ctx, client, url)
	}
}

func (s *Server) prestartOne(ctx context.Context, client *http.Client, url string) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.logger.Warn("invalid prestart URL", "url", url, "error", err)
		return
	}
	response, err := client.Do(request)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("prestart request failed", "url", url, "error", err)
		}
		return
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body)
	s.logger.Info("prestarted application", "url", url, "status", response.StatusCode)
}
