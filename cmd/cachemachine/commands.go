package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/agentuity/cachemachine/cache"
	"github.com/agentuity/cachemachine/config"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var errNotFound = errors.New("not found")

// parseValue reads a JSON command line argument into a generic value so the
// configured codec decides the stored form.
func parseValue(arg string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return nil, errors.Wrapf(err, "value %q is not valid JSON", arg)
	}
	return v, nil
}

func printJSON(w io.Writer, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(buf))
	return err
}

func durationFlag(cmd *cobra.Command, name string) (time.Duration, error) {
	s, _ := cmd.Flags().GetString(name)
	d, err := config.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "--%s", name)
	}
	return d, nil
}

func printResult(cmd *cobra.Command, key string, res cache.Result[any]) error {
	switch res.Status {
	case cache.StatusNotFound:
		return errors.Wrapf(errNotFound, "key %s", key)
	case cache.StatusCorrupt:
		return errors.Wrapf(res.Cause, "key %s holds an undecodable value", key)
	}
	return printJSON(cmd.OutOrStdout(), res.Value)
}

func (a *app) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value stored at KEY as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := cache.Get[any](cmd.Context(), a.machine, args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, args[0], res)
		},
	}
}

func (a *app) setCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set KEY JSON",
		Short: "Store a JSON value at KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseValue(args[1])
			if err != nil {
				return err
			}
			ttl, err := durationFlag(cmd, "ttl")
			if err != nil {
				return err
			}
			return a.machine.Set(cmd.Context(), args[0], value, ttl)
		},
	}
	cmd.Flags().String("ttl", "", "expiry such as 90s, 1h or 1d; never for no expiry; empty for the configured default")
	return cmd
}

func (a *app) getDelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "getdel KEY",
		Short: "Print and delete the value stored at KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := cache.GetAndDel[any](cmd.Context(), a.machine, args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, args[0], res)
		},
	}
}

func (a *app) rateLimitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit KEY",
		Short: "Count one call against KEY and print allowed or limited",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt64("limit")
			window, err := durationFlag(cmd, "window")
			if err != nil {
				return err
			}
			limited, err := a.machine.RateLimit(cmd.Context(), args[0], limit, window)
			if err != nil {
				return err
			}
			outcome := "allowed"
			if limited {
				outcome = "limited"
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), outcome)
			return err
		},
	}
	cmd.Flags().Int64("limit", cache.DefaultRateLimit, "calls allowed per window")
	cmd.Flags().String("window", cache.DefaultRateWindow.String(), "window length, rounded up to whole seconds")
	return cmd
}

func (a *app) keysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys PATTERN",
		Short: "List keys matching a glob PATTERN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			splitBy, _ := cmd.Flags().GetString("split-by")
			scan, _ := cmd.Flags().GetBool("scan")
			out := cmd.OutOrStdout()
			if !scan {
				keys, err := a.machine.GetKeysMatching(cmd.Context(), args[0], splitBy)
				if err != nil {
					return err
				}
				for _, key := range keys {
					fmt.Fprintln(out, key)
				}
				return nil
			}
			for key, err := range a.machine.GetKeysMatchingUsingScan(cmd.Context(), args[0], splitBy) {
				if err != nil {
					return err
				}
				fmt.Fprintln(out, key)
			}
			return nil
		},
	}
	cmd.Flags().String("split-by", "", "print only the second segment of each key split on this separator")
	cmd.Flags().Bool("scan", false, "walk the key space incrementally with SCAN instead of KEYS")
	return cmd
}
