// Command webget performs a single HTTP request through the client
// session, printing status, headers and body. Flags can also be set
// through WEBGET_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Neoteroi/BlackSheep-sub001/client"
	"github.com/Neoteroi/BlackSheep-sub001/internal/obs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "webget URL",
		Short: "Perform an HTTP request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, args[0])
		},
		SilenceUsage: true,
	}
	flags := cmd.Flags()
	flags.String("method", "GET", "request method")
	flags.String("data", "", "request body")
	flags.StringArray("header", nil, "extra header, name:value (repeatable)")
	flags.Duration("request-timeout", 60*time.Second, "request completion timeout")
	flags.Duration("connection-timeout", 3*time.Second, "connection acquisition timeout")
	flags.Int("max-redirects", 20, "maximum redirects to follow")
	flags.Bool("no-redirects", false, "do not follow redirects")
	flags.Bool("insecure", false, "skip TLS certificate verification")
	flags.Bool("verbose", false, "log transport details")

	v.SetEnvPrefix("WEBGET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
	return cmd
}

func run(cmd *cobra.Command, v *viper.Viper, target string) error {
	opts := client.SessionOptions{
		NoFollowRedirects: v.GetBool("no-redirects"),
		MaxRedirects:      v.GetInt("max-redirects"),
		ConnectionTimeout: v.GetDuration("connection-timeout"),
		RequestTimeout:    v.GetDuration("request-timeout"),
		InsecureTLS:       v.GetBool("insecure"),
		UseCookies:        true,
	}
	if v.GetBool("verbose") {
		opts.Logger = obs.SlogLogger{}
	}
	s, err := client.NewSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	var body []byte
	if data := v.GetString("data"); data != "" {
		body = []byte(data)
	}
	req, err := client.NewRequest(v.GetString("method"), target, body)
	if err != nil {
		return err
	}
	for _, h := range v.GetStringSlice("header") {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q, want name:value", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	res, err := s.Send(context.Background(), req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %d %s\n", res.Proto, res.Status, res.Reason)
	res.Header.Each(func(name, value string) {
		fmt.Fprintf(out, "%s: %s\n", name, value)
	})
	fmt.Fprintln(out)
	b, err := res.ReadBody()
	if err != nil {
		return err
	}
	_, err = out.Write(b)
	return err
}
