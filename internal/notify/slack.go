package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/model"
)

type Slack struct {
	enabled bool
	webhook string
	client  *http.Client
}

func NewSlack(enabled bool, webhook string) *Slack {
	return &Slack{enabled: enabled, webhook: webhook, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *Slack) Send(text string) error {
	if s == nil || !s.enabled || s.webhook == "" { return nil }
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil { return err }
	resp, err := s.client.Post(s.webhook, "application/json", bytes.NewReader(body))
	if err != nil { return fmt.Errorf("slack post: %w", err) }
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack post: status %d", resp.StatusCode)
	}
	return nil
}

// Format renders one alert row for a chat message.
func Format(a model.ScoredRow) string {
	return fmt.Sprintf(":mag: *DNS anomaly* `%s` at %s, combined=%.3f (forest=%.3f, mahalanobis=%.3f)\n```qpm=%d uniq=%d entropy=%.2f new=%.2f kl=%.3f```",
		a.ClientIP, a.Minute.UTC().Format(time.RFC3339), a.CombinedScore, a.Score, a.Mahalanobis,
		a.QPM, a.Uniq, a.ShannonEntropy, a.NewDomainRatio, a.KLDivergence)
}
