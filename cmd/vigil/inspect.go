package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vigilwaf/vigil/internal/audit"
	"github.com/vigilwaf/vigil/internal/waf"
)

type inspectOptions struct {
	configPath string
	method     string
	uri        string
	client     string
	headers    []string
	body       string

	status      int
	respHeaders []string
	respBody    string
}

// newInspectCmd evaluates one synthetic transaction against the configured
// rules and prints its audit record. Collections live in memory for the
// run only.
func newInspectCmd() *cobra.Command {
	var opts inspectOptions

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Evaluate a synthetic request against the rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	f.StringVarP(&opts.method, "method", "X", http.MethodGet, "Request method")
	f.StringVar(&opts.uri, "uri", "/", "Request URI including query string")
	f.StringVar(&opts.client, "client", "127.0.0.1", "Client address")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	f.StringVarP(&opts.body, "data", "d", "", "Request body")
	f.IntVar(&opts.status, "status", 0, "Upstream status; enables the response phases when set")
	f.StringArrayVar(&opts.respHeaders, "response-header", nil, "Response header as 'Name: value' (repeatable)")
	f.StringVar(&opts.respBody, "response-body", "", "Response body")

	return cmd
}

func runInspect(ctx context.Context, cmd *cobra.Command, opts inspectOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	wcfg, err := cfg.WAF()
	if err != nil {
		return err
	}
	engine, err := waf.New(wcfg, nil)
	if err != nil {
		return err
	}
	engine.SetSink(audit.NewWriter(cmd.OutOrStdout()))

	reqHeaders, err := parseHeaders(opts.headers)
	if err != nil {
		return err
	}
	if reqHeaders.Get("Host") == "" {
		reqHeaders.Set("Host", "localhost")
	}

	id := uuid.NewString()
	d, err := engine.InspectRequest(ctx, waf.Request{
		ID:         id,
		ClientAddr: opts.client,
		Method:     strings.ToUpper(opts.method),
		URI:        opts.uri,
		Protocol:   "HTTP/1.1",
		Headers:    reqHeaders,
		Body:       []byte(opts.body),
	})
	if err != nil {
		return err
	}

	if !d.Blocking() && opts.status > 0 {
		respHeaders, err := parseHeaders(opts.respHeaders)
		if err != nil {
			return err
		}
		if _, err := engine.InspectResponse(ctx, id, waf.Response{
			Status:  opts.status,
			Headers: respHeaders,
			Body:    []byte(opts.respBody),
		}); err != nil {
			return err
		}
	}

	if err := engine.Finish(ctx, id); err != nil {
		return err
	}
	return engine.Close(ctx)
}

func parseHeaders(raw []string) (http.Header, error) {
	h := make(http.Header, len(raw))
	for _, line := range raw {
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", line)
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h, nil
}
