package services

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/containrrr/shoutrrr"
	"github.com/sirupsen/logrus"

	"github.com/crnwallet/guard/internal/config"
	"github.com/crnwallet/guard/internal/logger"
	"github.com/crnwallet/guard/internal/reputation"
)

// NotificationService pushes security alerts to external providers through
// shoutrrr. Delivery is best effort and never blocks the caller.
type NotificationService struct {
	urls []string
	send func(url, message string) error
	log  *logrus.Entry
	wg   sync.WaitGroup
}

func NewNotificationService(cfg config.NotifyConfig) *NotificationService {
	urls := make([]string, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, normalizeURL(u))
		}
	}
	return &NotificationService{
		urls: urls,
		send: func(url, message string) error { return shoutrrr.Send(url, message) },
		log:  logger.Component("notify"),
	}
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

// normalizeURL turns a raw Discord webhook into a shoutrrr URL.
func normalizeURL(rawURL string) string {
	matches := discordWebhookRegex.FindStringSubmatch(rawURL)
	if len(matches) == 3 {
		return fmt.Sprintf("discord://%s@%s", matches[2], matches[1])
	}
	return rawURL
}

// Enabled reports whether any provider is configured.
func (s *NotificationService) Enabled() bool {
	return len(s.urls) > 0
}

// Send delivers title and message to every provider in the background.
func (s *NotificationService) Send(title, message string) {
	msg := fmt.Sprintf("%s\n\n%s", title, message)
	for _, u := range s.urls {
		s.wg.Add(1)
		go func(url string) {
			defer s.wg.Done()
			if err := s.send(url, msg); err != nil {
				s.log.WithError(err).WithField("title", title).Warn("failed to send notification")
			}
		}(u)
	}
}

// Wait blocks until queued notifications have been attempted.
func (s *NotificationService) Wait() {
	s.wg.Wait()
}

// BlockListener alerts on permanent blocks decided by this process.
func (s *NotificationService) BlockListener() reputation.Listener {
	return func(ev reputation.Event) {
		if !s.Enabled() || ev.Action != reputation.ActionBlock || ev.Kind != reputation.KindPermanent {
			return
		}
		if ev.Source == reputation.SourceMirror {
			return
		}
		s.Send("Origin permanently blocked",
			fmt.Sprintf("%s was blocked by %s: %s", ev.Origin, ev.Source, ev.Reason))
	}
}

// FloodAlert reports a global flood and the origins escalated because of it.
func (s *NotificationService) FloodAlert(rate int, escalated []string) {
	if !s.Enabled() {
		return
	}
	msg := fmt.Sprintf("Global request rate reached %d requests/sec.", rate)
	if len(escalated) > 0 {
		msg += fmt.Sprintf(" Blocked: %s", strings.Join(escalated, ", "))
	}
	s.Send("Flood detected", msg)
}
