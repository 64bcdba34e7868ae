package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pior/netbox"
)

func main() {
	c := &cli{v: viper.New()}
	err := newRootCmd(c).Execute()
	c.close()
	if err != nil {
		os.Exit(1)
	}
}

// cli holds the settings shared by every command. Flags are bound to
// NETBOX_* environment variables.
type cli struct {
	v    *viper.Viper
	conn *netbox.Conn
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:          "netbox-cli",
		Short:        "Send requests to a Tarantool server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.connect(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringSlice("addr", []string{"localhost:3301"}, "server addresses, tried in order")
	flags.String("user", "", "user name (guest session if empty)")
	flags.String("password", "", "user password")
	flags.Duration("timeout", 5*time.Second, "connect and request timeout")
	flags.String("log-level", "warn", "log level: debug, info, warn or error")
	flags.Bool("stats", false, "print connection stats before exiting")
	c.bindFlags(flags)

	root.AddCommand(
		newPingCmd(c),
		newCallCmd(c),
		newEvalCmd(c),
		newSQLCmd(c),
		newSelectCmd(c),
		newResolveCmd(c),
	)
	return root
}

func (c *cli) bindFlags(flags *pflag.FlagSet) {
	c.v.SetEnvPrefix("NETBOX")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	_ = c.v.BindPFlags(flags)
}

func (c *cli) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.v.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}

func (c *cli) connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.v.GetDuration("timeout")

	conn, err := netbox.Connect(c.v.GetStringSlice("addr"), netbox.Options{
		ConnectTimeout: timeout,
		RequestTimeout: timeout,
		User:           c.v.GetString("user"),
		Password:       c.v.GetString("password"),
		Logger:         c.logger(),
	})
	if err != nil {
		return err
	}
	c.conn = conn

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := conn.WaitConnected(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *cli) close() {
	if c.conn == nil {
		return
	}
	if c.v.GetBool("stats") {
		printStats(c.conn.Stats())
	}
	_ = c.conn.Close()
}

func printStats(s netbox.Stats) {
	fmt.Fprintf(os.Stderr, "requests=%d responses=%d errors=%d timeouts=%d discarded=%d reconnects=%d schema_reloads=%d\n",
		s.Requests, s.Responses, s.Errors, s.Timeouts, s.Discarded, s.Reconnects, s.SchemaReloads)
}

func newPingCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if err := c.conn.Ping(cmd.Context()); err != nil {
				return err
			}
			greeting := c.conn.Greeting()
			fmt.Printf("PONG from Tarantool %s (took %v)\n", greeting.Version, time.Since(start))
			return nil
		},
	}
}

func newCallCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "call <function> [args...]",
		Short: "Call a stored function",
		Long:  "Call a stored function. Arguments are JSON values; anything else is sent as a string.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.conn.Call(cmd.Context(), args[0], parseValues(args[1:]))
			if err != nil {
				return err
			}
			fmt.Println(res)
			return nil
		},
	}
}

func newEvalCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "eval <expression> [args...]",
		Short: "Evaluate a Lua expression",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.conn.Eval(cmd.Context(), args[0], parseValues(args[1:]))
			if err != nil {
				return err
			}
			fmt.Println(res)
			return nil
		},
	}
}

func newSQLCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sql <statement> [params...]",
		Short: "Execute an SQL statement",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.conn.Execute(cmd.Context(), args[0], parseValues(args[1:]))
			if err != nil {
				return err
			}
			printSQL(res)
			return nil
		},
	}
}

func printSQL(res *netbox.SQLResult) {
	if len(res.Metadata) == 0 {
		fmt.Printf("%d rows affected\n", res.RowCount)
		if len(res.AutoIncrementIDs) > 0 {
			fmt.Printf("autoincrement ids: %v\n", res.AutoIncrementIDs)
		}
		return
	}

	names := make([]string, 0, len(res.Metadata))
	for _, col := range res.Metadata {
		names = append(names, col.Name)
	}
	fmt.Println(strings.Join(names, "\t"))
	for _, row := range res.Rows {
		fmt.Println(row)
	}
}

func newSelectCmd(c *cli) *cobra.Command {
	var (
		index    string
		limit    uint32
		offset   uint32
		iterator string
	)

	cmd := &cobra.Command{
		Use:   "select <space> [key...]",
		Short: "Read tuples from a space",
		Long:  "Read tuples from a space. The space and index are names or numeric ids.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			iter, err := parseIterator(iterator)
			if err != nil {
				return err
			}

			var idx any
			if index != "" {
				idx = parseID(index)
			}

			rows, err := c.conn.Select(cmd.Context(), parseID(args[0]), idx, parseValues(args[1:]), netbox.SelectOptions{
				Limit:    limit,
				Offset:   offset,
				Iterator: iter,
			})
			if err != nil {
				return err
			}
			for _, row := range rows {
				fmt.Println(row)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&index, "index", "", "index name or id (primary key if empty)")
	cmd.Flags().Uint32Var(&limit, "limit", 100, "maximum number of tuples, 0 for no limit")
	cmd.Flags().Uint32Var(&offset, "offset", 0, "number of tuples to skip")
	cmd.Flags().StringVar(&iterator, "iterator", "eq", "iterator: eq, req, all, lt, le, ge, gt")
	return cmd
}

func newResolveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <space> [index]",
		Short: "Resolve space and index names through the schema cache",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			spaceID, ok, err := c.conn.ResolveSpace(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return &netbox.SchemaError{Space: args[0]}
			}
			fmt.Printf("space %s: %d\n", args[0], spaceID)

			if len(args) == 2 {
				indexID, ok, err := c.conn.ResolveIndex(ctx, spaceID, args[1])
				if err != nil {
					return err
				}
				if !ok {
					return &netbox.SchemaError{Space: args[0], Index: args[1], SpaceID: spaceID}
				}
				fmt.Printf("index %s: %d\n", args[1], indexID)
			}

			version, _ := c.conn.Schema().Version()
			fmt.Printf("schema version: %d\n", version)
			return nil
		},
	}
}
