package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/bryan-buckman/lipu/internal/config"
	"github.com/bryan-buckman/lipu/internal/engine"
	"github.com/bryan-buckman/lipu/internal/model"
	"github.com/bryan-buckman/lipu/internal/server"
	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the library over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := ctx.ensureConfig()
			if bind == "" {
				bind = cfg.Server.Bind
			}
			log, err := ctx.logger()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return ctx.withEngine(true, func(eng *engine.Engine) error {
				return server.New(eng, cfg.PollInterval(), log).Start(runCtx, bind)
			})
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides server.bind)")
	return cmd
}

func newFeedCommand(ctx *commandContext) *cobra.Command {
	feedCmd := &cobra.Command{
		Use:   "feed",
		Short: "Manage subscriptions",
	}

	feedCmd.AddCommand(&cobra.Command{
		Use:   "add <url>",
		Short: "Subscribe to a feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(true, func(eng *engine.Engine) error {
				eng.AddFeed(args[0])
				return nil
			})
		},
	})
	feedCmd.AddCommand(&cobra.Command{
		Use:   "remove <url>",
		Short: "Unsubscribe and delete the feed's items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(true, func(eng *engine.Engine) error {
				return eng.RemoveFeed(args[0])
			})
		},
	})
	feedCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(false, func(eng *engine.Engine) error {
				for _, u := range eng.Feeds() {
					fmt.Fprintln(cmd.OutOrStdout(), u)
				}
				return nil
			})
		},
	})
	feedCmd.AddCommand(&cobra.Command{
		Use:   "mastodon <instance> <user>",
		Short: "Subscribe to a Mastodon account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(true, func(eng *engine.Engine) error {
				fmt.Fprintln(cmd.OutOrStdout(), eng.AddMastodonFeed(args[0], args[1]))
				return nil
			})
		},
	})
	feedCmd.AddCommand(&cobra.Command{
		Use:   "youtube <channel-id>",
		Short: "Subscribe to a YouTube channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(true, func(eng *engine.Engine) error {
				fmt.Fprintln(cmd.OutOrStdout(), eng.AddYouTubeChannel(args[0]))
				return nil
			})
		},
	})
	return feedCmd
}

func newRefreshCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch every feed and add new items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(true, func(eng *engine.Engine) error {
				report, err := eng.Refresh(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d new items from %d feeds\n", report.NewItems, report.Feeds)
				for u, ferr := range report.Failed {
					fmt.Fprintf(out, "failed: %s: %v\n", u, ferr)
				}
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(false, func(eng *engine.Engine) error {
				items := eng.List()
				if cmd.Flags().Changed("tag") {
					items = eng.WithTag(tag)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderItems(items))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Only items carrying this tag")
	return cmd
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Find items by name, author or tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(false, func(eng *engine.Engine) error {
				fmt.Fprintln(cmd.OutOrStdout(), renderItems(eng.Search(args[0])))
				return nil
			})
		},
	}
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(false, func(eng *engine.Engine) error {
				item, ok := eng.Load(args[0])
				if !ok {
					return model.NotFoundf("show", "item %q", args[0])
				}
				m := item.Metadata
				rows := [][]string{
					{"ID", m.ID},
					{"Name", m.Name},
					{"Feed", m.FeedURL},
					{"Author", optional(m.Author)},
					{"Link", m.Link},
					{"Tags", strings.Join(m.Tags, ", ")},
					{"Progress", m.Viewed.String()},
					{"Body", describeResource(&item.Body)},
					{"Thumbnail", describeResource(m.Thumbnail)},
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows))
				return nil
			})
		},
	}
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func describeResource(r *model.Resource) string {
	switch {
	case r == nil:
		return ""
	case r.IsLink():
		return r.URL
	case r.IsFile():
		return "file: " + r.Path
	default:
		return r.Kind.String()
	}
}

func newTagCommand(ctx *commandContext) *cobra.Command {
	tagCmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage item tags",
	}

	tagCmd.AddCommand(&cobra.Command{
		Use:   "add <item-id> <tag>",
		Short: "Tag an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(true, func(eng *engine.Engine) error {
				return eng.AddTag(args[0], args[1])
			})
		},
	})
	tagCmd.AddCommand(&cobra.Command{
		Use:   "remove <item-id> <tag>",
		Short: "Remove a tag from an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(true, func(eng *engine.Engine) error {
				return eng.RemoveTag(args[0], args[1])
			})
		},
	})
	tagCmd.AddCommand(&cobra.Command{
		Use:   "drop <tag>",
		Short: "Remove a tag from every item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(true, func(eng *engine.Engine) error {
				return eng.DropTag(args[0])
			})
		},
	})
	tagCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tags in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(false, func(eng *engine.Engine) error {
				for _, t := range eng.Tags() {
					fmt.Fprintln(cmd.OutOrStdout(), t)
				}
				return nil
			})
		},
	})
	return tagCmd
}

func newProgressCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <item-id> <zero|fully|paragraph:N|second:N>",
		Short: "Record how far an item has been read or watched",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseProgress(args[1])
			if err != nil {
				return err
			}
			return ctx.withEngine(true, func(eng *engine.Engine) error {
				return eng.SetViewingProgress(args[0], p)
			})
		},
	}
}

func parseProgress(s string) (model.ViewingProgress, error) {
	kind, pos, hasPos := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	if !hasPos {
		switch kind {
		case "zero":
			return model.Zero(), nil
		case "fully":
			return model.Fully(), nil
		}
		return model.ViewingProgress{}, fmt.Errorf("unknown progress %q", s)
	}

	n, err := strconv.ParseUint(pos, 10, 64)
	if err != nil {
		return model.ViewingProgress{}, fmt.Errorf("invalid position in %q: %w", s, err)
	}
	switch kind {
	case "paragraph":
		return model.UntilParagraph(n), nil
	case "second":
		return model.UntilSecond(n), nil
	}
	return model.ViewingProgress{}, fmt.Errorf("unknown progress %q", s)
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "download <item-id>",
		Short: "Download an item's media for offline use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(true, func(eng *engine.Engine) error {
				err := eng.DownloadItem(cmd.Context(), args[0])
				if err != nil {
					// Keep a thumbnail that made it to disk.
					if werr := eng.WriteToDisk(); werr != nil {
						return fmt.Errorf("%w (save: %v)", err, werr)
					}
					return err
				}
				item, _ := eng.Load(args[0])
				fmt.Fprintln(cmd.OutOrStdout(), describeResource(&item.Body))
				return nil
			})
		},
	}
}

func newOPMLCommand(ctx *commandContext) *cobra.Command {
	opmlCmd := &cobra.Command{
		Use:   "opml",
		Short: "Import or export subscriptions as OPML",
	}

	opmlCmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Subscribe to every feed in an OPML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return ctx.withEngine(true, func(eng *engine.Engine) error {
				n, err := eng.ImportOPML(f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d feeds imported\n", n)
				return nil
			})
		},
	})
	opmlCmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Write subscriptions as OPML to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(false, func(eng *engine.Engine) error {
				data, err := eng.ExportOPML()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	})
	return opmlCmd
}

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			data, err := config.Encode(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return configCmd
}
