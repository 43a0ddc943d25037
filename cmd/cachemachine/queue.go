package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentuity/cachemachine/cache"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// entryView is how queue entries are printed.
type entryView struct {
	Key        string          `json:"key,omitempty"`
	Score      int64           `json:"score"`
	EligibleAt time.Time       `json:"eligibleAt"`
	Member     string          `json:"member"`
	Value      json.RawMessage `json:"value,omitempty"`
}

func (a *app) viewEntry(key string, e cache.Entry) entryView {
	v := entryView{
		Key:        key,
		Score:      int64(e.Score),
		EligibleAt: e.EligibleAt().UTC(),
		Member:     e.Member,
	}
	if res := cache.DecodeEntry[any](a.machine.Codec(), &e); res.Found() {
		if buf, err := json.Marshal(res.Value); err == nil {
			v.Value = buf
		}
	}
	return v
}

func (a *app) queueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Delayed queue operations on sorted sets",
	}
	cmd.AddCommand(
		a.queueAddCommand(),
		a.queuePeekCommand(),
		a.queueRemoveCommand(),
		a.queueCountCommand(),
		a.queueDeleteCommand(),
	)
	return cmd
}

func (a *app) queueAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add KEY JSON",
		Short: "Schedule a JSON payload on KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseValue(args[1])
			if err != nil {
				return err
			}
			score, _ := cmd.Flags().GetInt64("score")
			delay, err := durationFlag(cmd, "delay")
			if err != nil {
				return err
			}
			if delay > 0 {
				score = a.machine.Now().Add(delay).UnixMilli()
			}
			return a.machine.AddWithScore(cmd.Context(), args[0], value, score)
		},
	}
	cmd.Flags().Int64("score", 0, "eligibility time in Unix milliseconds; 0 for now")
	cmd.Flags().String("delay", "", "eligible after this long, overrides --score")
	return cmd
}

func (a *app) queuePeekCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "peek KEY",
		Short: "Print the earliest eligible entry of KEY without removing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.machine.PeekEntry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if e == nil {
				return errors.Wrapf(errNotFound, "queue %s: no eligible entry", args[0])
			}
			return printJSON(cmd.OutOrStdout(), a.viewEntry("", *e))
		},
	}
}

func (a *app) queueRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove KEY JSON",
		Short: "Remove a payload from KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetBool("raw")
			var removed bool
			var err error
			if raw {
				removed, err = a.machine.RemoveEntry(cmd.Context(), args[0], args[1])
			} else {
				var value any
				if value, err = parseValue(args[1]); err != nil {
					return err
				}
				removed, err = a.machine.RemoveFromSet(cmd.Context(), args[0], value)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), removed)
			return err
		},
	}
	cmd.Flags().Bool("raw", false, "treat the argument as the stored member, as printed by peek")
	return cmd
}

func (a *app) queueCountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count KEY...",
		Short: "Print how many entries of each KEY are eligible",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ms, _ := cmd.Flags().GetInt64("at")
			if len(args) == 1 && !cmd.Flags().Changed("at") {
				n, err := a.machine.CurrentSetCount(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, n)
				return err
			}
			var at time.Time
			if ms > 0 {
				at = time.UnixMilli(ms)
			}
			counts, err := a.machine.SortedSetCounts(cmd.Context(), args, at)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				_, err = fmt.Fprintln(out, counts[args[0]])
				return err
			}
			keys := make([]string, 0, len(counts))
			for key := range counts {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(out, "%s\t%d\n", key, counts[key])
			}
			return nil
		},
	}
	cmd.Flags().Int64("at", 0, "count as of this Unix millisecond time instead of now")
	return cmd
}

func (a *app) queueDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete the whole queue at KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := a.machine.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), deleted)
			return err
		},
	}
}
