package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cqkv/cqstore/codec"
	"github.com/spf13/cobra"
)

func (a *app) keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Lists the live keys in ascending order",
		Args:  cobra.NoArgs,
		RunE: a.withStore(func(cmd *cobra.Command, args []string) error {
			for _, key := range a.store.ListKeys() {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		}),
	}
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Prints the type tag and value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: a.withStore(func(cmd *cobra.Command, args []string) error {
			key := args[0]
			tag, payload, err := a.store.Raw(key)
			if err != nil {
				return err
			}
			value, err := a.render(tag, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", tag, value)
			return nil
		}),
	}
}

func (a *app) putCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put [key] [json]",
		Short: "Stores a JSON document under a key",
		Args:  cobra.ExactArgs(2),
		RunE: a.withStore(func(cmd *cobra.Command, args []string) error {
			key, doc := args[0], []byte(args[1])
			if !json.Valid(doc) {
				return fmt.Errorf("value for %q is not valid JSON", key)
			}

			insert, _ := cmd.Flags().GetBool("insert")
			var err error
			if insert {
				err = a.store.Insert(key, json.RawMessage(doc))
			} else {
				err = a.store.Upsert(key, json.RawMessage(doc))
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "put successfully")
			return nil
		}),
	}
	cmd.Flags().Bool("insert", false, wrapString("fail when the key already exists"))
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [key]",
		Short: "Deletes a key",
		Args:  cobra.ExactArgs(1),
		RunE: a.withStore(func(cmd *cobra.Command, args []string) error {
			if err := a.store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "delete successfully")
			return nil
		}),
	}
}

func (a *app) compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Rewrites the log without overwritten and deleted records",
		Args:  cobra.NoArgs,
		RunE: a.withStore(func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			before := a.store.Stats().LogSizeBytes
			if err := a.store.Compact(ctx); err != nil {
				return err
			}
			after := a.store.Stats().LogSizeBytes
			fmt.Fprintf(cmd.OutOrStdout(), "compacted %d -> %d bytes\n", before, after)
			return nil
		}),
	}
}

func (a *app) statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Prints store statistics as JSON or Prometheus text",
		Args:  cobra.NoArgs,
		RunE: a.withStore(func(cmd *cobra.Command, args []string) error {
			if prom, _ := cmd.Flags().GetBool("prometheus"); prom {
				a.store.WritePrometheus(cmd.OutOrStdout())
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a.store.Stats())
		}),
	}
	cmd.Flags().Bool("prometheus", false, wrapString("print the metrics in Prometheus text format"))
	return cmd
}

// render turns a payload into text for the builtin tags, other tags are
// printed as hex
func (a *app) render(tag string, payload []byte) (string, error) {
	switch tag {
	case "json", "string":
		return string(payload), nil
	case "int":
		return decode[int](a.registry, payload)
	case "int64":
		return decode[int64](a.registry, payload)
	case "uint64":
		return decode[uint64](a.registry, payload)
	case "float64":
		return decode[float64](a.registry, payload)
	case "bool":
		return decode[bool](a.registry, payload)
	case "time":
		_, c, err := codec.Resolve[time.Time](a.registry)
		if err != nil {
			return "", err
		}
		t, err := c.Unmarshal(payload)
		if err != nil {
			return "", err
		}
		return t.Format(time.RFC3339Nano), nil
	default:
		return hex.EncodeToString(payload), nil
	}
}

func decode[T any](r *codec.Registry, payload []byte) (string, error) {
	_, c, err := codec.Resolve[T](r)
	if err != nil {
		return "", err
	}
	v, err := c.Unmarshal(payload)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}
