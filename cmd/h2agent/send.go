package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"example.com/didcommh2/v2/internal/didcomm"
	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/metrics"
)

type sendOptions struct {
	endpoint string
	data     string
	file     string
	text     bool
	apiKey   string
	headers  map[string]string
}

func newSendCmd() *cobra.Command {
	opts := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Deliver one message to an endpoint and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.endpoint, "endpoint", "", "destination URL (http:// or https://)")
	f.StringVar(&opts.data, "data", "", "message body; read from --file or stdin when empty")
	f.StringVar(&opts.file, "file", "", "read the message body from this file (- for stdin)")
	f.BoolVar(&opts.text, "text", false, "send the body as a plaintext JSON message instead of a packed envelope")
	f.StringVar(&opts.apiKey, "api-key", "", "value for the x-api-key header")
	f.StringToStringVarP(&opts.headers, "header", "H", nil, "extra metadata header, repeatable (name=value)")
	return cmd
}

func runSend(ctx context.Context, opts *sendOptions, stdin io.Reader, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	body, err := opts.body(stdin)
	if err != nil {
		return err
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer lg.CloseLogFiles()

	client := newClient(cfg, lg, metrics.New(nil))
	defer client.Shutdown()

	payload := didcomm.BytesPayload(body)
	if opts.text {
		payload = didcomm.TextPayload(string(body))
	}
	resp, err := didcomm.NewOutboundTransport(client, lg).
		HandleMessage(ctx, provideProfile(cfg), payload, opts.endpoint, opts.headers, opts.apiKey)
	if resp != nil {
		fmt.Fprintf(stdout, "status: %d\n", resp.Status)
		if len(resp.Body) > 0 {
			fmt.Fprintf(stdout, "%s\n", resp.Body)
		}
	}
	return err
}

func (o *sendOptions) body(stdin io.Reader) ([]byte, error) {
	switch {
	case o.data != "":
		return []byte(o.data), nil
	case o.file != "" && o.file != "-":
		b, err := os.ReadFile(o.file)
		if err != nil {
			return nil, fmt.Errorf("failed to read message file: %w", err)
		}
		return b, nil
	default:
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read message from stdin: %w", err)
		}
		return b, nil
	}
}
