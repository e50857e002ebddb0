package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harunnryd/streamrelay/pkg/logging"
	"github.com/harunnryd/streamrelay/pkg/transports"
	"github.com/harunnryd/streamrelay/pkg/transports/twilio"
)

var (
	dialTo         string
	dialFrom       string
	dialURL        string
	dialSendDigits string
	dialTimeout    int
)

var dialCmd = &cobra.Command{
	Use:   "dial --to <number> --from <number>",
	Short: "Place a call that streams into a running relay",
	Long: `Place an outbound call through the Twilio REST API. The call's voice
webhook defaults to server.public_url + server.voice_path, which answers
with TwiML that connects the call audio to this relay.

Requires twilio.account_sid and twilio.auth_token (or TWILIO_ACCOUNT_SID
and TWILIO_AUTH_TOKEN).

Examples:
  streamrelay dial --to +15550001111 --from +15550002222
  streamrelay dial --to +15550001111 --from +15550002222 --url https://relay.example.com/voice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(dialTo) == "" || strings.TrimSpace(dialFrom) == "" {
			return fmt.Errorf("flags --to and --from are required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dialer := twilio.NewDialer(twilio.Config{
			ServerAddr: cfg.Server.Addr(),
			PublicURL:  cfg.Server.PublicURL,
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			VoicePath:  cfg.Server.VoicePath,
		}, logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat))
		callSID, err := dialer.DialWithOptions(contextOf(cmd), dialTo, dialFrom, dialURL, transports.DialOptions{
			SendDigits: dialSendDigits,
			Timeout:    dialTimeout,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "call_sid: %s\n", callSID)
		return nil
	},
}

func init() {
	dialCmd.Flags().StringVar(&dialTo, "to", "", "number to call")
	dialCmd.Flags().StringVar(&dialFrom, "from", "", "caller number owned by the account")
	dialCmd.Flags().StringVar(&dialURL, "url", "", "voice webhook URL override")
	dialCmd.Flags().StringVar(&dialSendDigits, "send-digits", "", "DTMF digits to send once answered")
	dialCmd.Flags().IntVar(&dialTimeout, "timeout", 0, "seconds to ring before giving up")
	rootCmd.AddCommand(dialCmd)
}
