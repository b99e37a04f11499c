// Package mail delivers operator error reports through Mandrill.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

const defaultBaseURL = "https://mandrillapp.com/api/1.0"

// Config captures the parameters for the Mandrill reporter.
type Config struct {
	// APIKey is the Mandrill API key.
	APIKey string
	// BaseURL overrides the Mandrill endpoint, for tests.
	BaseURL string
	// FromEmail is the sender address.
	FromEmail string
	// FromName is the sender display name.
	FromName string
	// Recipients are the operator addresses that receive reports.
	Recipients []string
}

// Mandrill sends crawl error reports as Japanese-language notification
// mails, in the format the operations team already receives from the
// extensions.
type Mandrill struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewMandrill creates a Mandrill-backed reporter.
func NewMandrill(cfg Config, logger *zap.Logger) (*Mandrill, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("mandrill api key is required")
	}
	if strings.TrimSpace(cfg.FromEmail) == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	if len(cfg.Recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mandrill{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}, nil
}

type recipient struct {
	Email string `json:"email"`
	Type  string `json:"type"`
}

type message struct {
	HTML      string            `json:"html"`
	Text      string            `json:"text"`
	Subject   string            `json:"subject"`
	FromEmail string            `json:"from_email"`
	FromName  string            `json:"from_name"`
	To        []recipient       `json:"to"`
	Headers   map[string]string `json:"headers"`
	Important bool              `json:"important"`
	Tags      []string          `json:"tags"`
}

type sendRequest struct {
	Key     string  `json:"key"`
	Message message `json:"message"`
	Async   bool    `json:"async"`
}

type sendResult struct {
	Email        string `json:"email"`
	Status       string `json:"status"`
	RejectReason string `json:"reject_reason"`
}

type pingRequest struct {
	Key string `json:"key"`
}

// ReportError mails the Japanese error template for the given platform and
// operation. Delivery counts as success when Mandrill accepts the message
// for at least one recipient.
func (m *Mandrill) ReportError(ctx context.Context, platform crawl.Platform, operation string, cause error) error {
	label := platformLabel(platform)

	to := make([]recipient, 0, len(m.cfg.Recipients))
	for _, addr := range m.cfg.Recipients {
		to = append(to, recipient{Email: addr, Type: "to"})
	}

	html, err := errorHTML(label, operation, cause)
	if err != nil {
		return fmt.Errorf("render error report: %w", err)
	}

	req := sendRequest{
		Key: m.cfg.APIKey,
		Message: message{
			HTML:      html,
			Text:      errorText(label, operation, cause),
			Subject:   label + "エラー通知",
			FromEmail: m.cfg.FromEmail,
			FromName:  m.cfg.FromName,
			To:        to,
			Headers:   map[string]string{"Reply-To": m.cfg.FromEmail},
			Important: true,
			Tags:      []string{"error-report", string(platform)},
		},
	}

	var results []sendResult
	if err := m.post(ctx, "/messages/send.json", req, &results); err != nil {
		return fmt.Errorf("send error report: %w", err)
	}

	delivered := 0
	for _, res := range results {
		switch res.Status {
		case "sent", "queued", "scheduled":
			delivered++
		default:
			m.logger.Warn("error report rejected",
				zap.String("email", res.Email),
				zap.String("status", res.Status),
				zap.String("reject_reason", res.RejectReason),
			)
		}
	}
	if delivered == 0 {
		return fmt.Errorf("mandrill accepted no recipients")
	}
	return nil
}

// Ping verifies the API key against the Mandrill ping endpoint, so a bad
// key fails at startup instead of on the first report.
func (m *Mandrill) Ping(ctx context.Context) error {
	if err := m.post(ctx, "/users/ping.json", pingRequest{Key: m.cfg.APIKey}, nil); err != nil {
		return fmt.Errorf("ping mandrill: %w", err)
	}
	return nil
}

func (m *Mandrill) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("call mandrill: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mandrill returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// platformLabel renders the platform name the way the notification mails
// spell it.
func platformLabel(platform crawl.Platform) string {
	switch platform {
	case crawl.PlatformLinkedIn:
		return "LinkedIn"
	case crawl.PlatformFacebook:
		return "Facebook"
	default:
		return string(platform)
	}
}

var errorReportTmpl = template.Must(template.New("error_report").Parse(`<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>{{.Label}}エラー通知</title>
</head>
<body style="font-family: 'Hiragino Sans', 'Meiryo', 'MS PGothic', Arial, sans-serif; margin: 20px; background-color: #f5f5f5;">
	<div style="max-width: 600px; margin: 0 auto; background-color: white; padding: 20px; border-radius: 8px;">
		<h2 style="color: #d32f2f; margin-bottom: 20px;">{{.Label}}の{{.Operation}}でエラーが発生しました</h2>
		<div style="background-color: #ffebee; padding: 15px; border-left: 4px solid #d32f2f;">
			<h3 style="margin: 0 0 10px 0; color: #d32f2f;">エラー内容</h3>
			<p style="margin: 10px 0; font-family: monospace; background-color: #fff; padding: 10px; white-space: pre-wrap;">{{.Cause}}</p>
		</div>
	</div>
</body>
</html>`))

func errorHTML(label, operation string, cause error) (string, error) {
	var buf bytes.Buffer
	err := errorReportTmpl.Execute(&buf, struct {
		Label     string
		Operation string
		Cause     string
	}{Label: label, Operation: operation, Cause: causeText(cause)})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func errorText(label, operation string, cause error) string {
	return fmt.Sprintf(`%sの%sでエラーが発生しました

エラー内容
========================
%s
========================`, label, operation, causeText(cause))
}

func causeText(cause error) string {
	if cause == nil {
		return "unknown error"
	}
	return cause.Error()
}
