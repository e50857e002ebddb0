package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/streamrelay/pkg/logging"
	"github.com/harunnryd/streamrelay/pkg/redact"
	"github.com/harunnryd/streamrelay/pkg/transports"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places a call whose voice webhook answers with this relay's
// media-stream TwiML. It exists for manual end-to-end checks.
type Dialer struct {
	cfg    Config
	client callCreator
	logger *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	return &Dialer{cfg: cfg.withDefaults(), logger: logging.NewComponentLogger(logger, "twilio_dialer")}
}

func (d *Dialer) Dial(ctx context.Context, to, from, webhook string) (string, error) {
	return d.DialWithOptions(ctx, to, from, webhook, transports.DialOptions{})
}

// DialWithOptions places the call. An empty webhook falls back to the
// relay's own voice URL.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, webhook string, opts transports.DialOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if err := checkParty("to", to); err != nil {
		return "", err
	}
	if err := checkParty("from", from); err != nil {
		return "", err
	}
	if webhook == "" {
		webhook = d.voiceWebhookURL()
	}
	if err := checkWebhook(webhook); err != nil {
		return "", err
	}

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(webhook)
	params.SetMethod("POST")
	if digits := strings.TrimSpace(opts.SendDigits); digits != "" {
		params.SetSendDigits(digits)
	}
	if opts.Timeout > 0 {
		params.SetTimeout(opts.Timeout)
	}

	resp, err := d.creator().CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio create call: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", errors.New("twilio create call: response without call sid")
	}
	d.logger.Info("twilio_call_placed",
		slog.String("call_sid", *resp.Sid),
		redact.String("to", to),
		slog.String("webhook_url", webhook))
	return *resp.Sid, nil
}

func (d *Dialer) creator() callCreator {
	if d.client != nil {
		return d.client
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
	return rest.Api
}

func (d *Dialer) voiceWebhookURL() string {
	if d.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.VoicePath
	}
	addr := d.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + d.cfg.VoicePath
}

// checkParty accepts E.164 numbers and client: or sip: addresses.
func checkParty(field, v string) error {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return fmt.Errorf("%s is required", field)
	case strings.HasPrefix(v, "client:"), strings.HasPrefix(v, "sip:"):
		return nil
	case !e164.MatchString(v):
		return fmt.Errorf("%s %q is not an E.164 number", field, v)
	}
	return nil
}

func checkWebhook(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("voice webhook %q must be an absolute http(s) URL", raw)
	}
	return nil
}

var (
	_ transports.OutboundDialer            = (*Dialer)(nil)
	_ transports.OutboundDialerWithOptions = (*Dialer)(nil)
)
